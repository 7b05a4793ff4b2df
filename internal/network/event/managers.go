package event

import (
	"reflect"
	"sort"
	"sync"

	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

const (
	BusSessionConnected    = "session-connected"
	BusClientSessionClosed = "client-session-closed"
	BusServerSessionClosed = "server-session-closed"
)

type busHandle interface {
	Name() string
	Buffered() int
	SubscriberCount() int
	Close()
}

// Managers 是按事件类型索引的事件总线集合，构建完成后不可修改。
type Managers struct {
	buses     map[reflect.Type]busHandle
	closeOnce sync.Once
}

// Builder 用于在启动阶段组装 Managers。
type Builder struct {
	buses map[reflect.Type]busHandle
	err   error
}

func NewBuilder() *Builder {
	return &Builder{buses: make(map[reflect.Type]busHandle)}
}

// Register 以事件类型 E 为键登记总线，同一类型重复登记在 Build 时返回配置错误。
func Register[E any](b *Builder, bus *Bus[E]) *Builder {
	key := reflect.TypeFor[E]()
	if _, ok := b.buses[key]; ok && b.err == nil {
		b.err = merr.WrapErrConfigInvalid("eventBus", key.String(), "duplicate event bus registration")
		return b
	}
	b.buses[key] = bus
	return b
}

// Build 返回不可变的 Managers。
func (b *Builder) Build() (*Managers, error) {
	if b.err != nil {
		return nil, b.err
	}
	buses := make(map[reflect.Type]busHandle, len(b.buses))
	for k, v := range b.buses {
		buses[k] = v
	}
	return &Managers{buses: buses}, nil
}

// Config 为默认事件总线的容量配置。
type Config struct {
	ConnectedQueueSize int `mapstructure:"connectedQueueSize"`
	ClosedQueueSize    int `mapstructure:"closedQueueSize"`
}

// DefaultConfig 返回默认容量：连接事件 256，关闭事件 1024。
func DefaultConfig() Config {
	return Config{
		ConnectedQueueSize: SmallQueueSize,
		ClosedQueueSize:    MediumQueueSize,
	}
}

// NewDefaultManagers 创建包含连接、客户端关闭、服务端关闭三条总线的 Managers。
func NewDefaultManagers(cfg Config) *Managers {
	b := NewBuilder()
	Register(b, NewBus[*SessionConnectedEvent](BusSessionConnected, cfg.ConnectedQueueSize))
	Register(b, NewBus[*ClientSessionClosedEvent](BusClientSessionClosed, cfg.ClosedQueueSize))
	Register(b, NewBus[*ServerSessionClosedEvent](BusServerSessionClosed, cfg.ClosedQueueSize))
	m, _ := b.Build()
	return m
}

// Get 返回事件类型 E 对应的总线。
func Get[E any](m *Managers) (*Bus[E], error) {
	key := reflect.TypeFor[E]()
	h, ok := m.buses[key]
	if !ok {
		return nil, merr.WrapErrEventBusNotFound(key.String())
	}
	bus, ok := h.(*Bus[E])
	if !ok {
		return nil, merr.WrapErrEventBusNotFound(key.String())
	}
	return bus, nil
}

// MustGet 与 Get 相同，找不到时 panic，仅用于启动阶段。
func MustGet[E any](m *Managers) *Bus[E] {
	bus, err := Get[E](m)
	if err != nil {
		panic(err)
	}
	return bus
}

// BusStats 描述一条总线的运行状态。
type BusStats struct {
	Name        string
	Buffered    int
	Subscribers int
}

// Stats 返回所有总线的状态，按名称排序。
func (m *Managers) Stats() []BusStats {
	stats := make([]BusStats, 0, len(m.buses))
	for _, h := range m.buses {
		stats = append(stats, BusStats{
			Name:        h.Name(),
			Buffered:    h.Buffered(),
			Subscribers: h.SubscriberCount(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Close 关闭全部总线，幂等。
func (m *Managers) Close() {
	m.closeOnce.Do(func() {
		for _, h := range m.buses {
			h.Close()
		}
	})
}
