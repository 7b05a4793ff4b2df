package lifecycle

// State 是单条连接的生命周期状态，只会单向推进。
type State int32

const (
	StateAccepted State = iota
	StateActive
	StateClosing
	StateClosed
)

var stateNames = map[State]string{
	StateAccepted: "ACCEPTED",
	StateActive:   "ACTIVE",
	StateClosing:  "CLOSING",
	StateClosed:   "CLOSED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}
