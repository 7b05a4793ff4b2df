package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/wshub-go/internal/network/session"
	"github.com/lk2023060901/wshub-go/pkg/util/merr"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"session.id eq '12345'":                "session.id == '12345'",
		"code ge 1000 and code lt 2000":        "code >= 1000 && code < 2000",
		"not (a ne b) or c le d":               "! (a != b) || c <= d",
		"name eq 'and or not'":                 "name == 'and or not'",
		`msg eq "it's eq"`:                     `msg == "it's eq"`,
		"x.eq gt 1":                            "x.eq > 1",
		"equal eq 1":                           "equal == 1",
		"session.path.matches('^/chat') and 1": "session.path.matches('^/chat') && 1",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func closeInfo(id string, code int) *session.CloseInfo {
	sess := session.New(id, "/chat/lobby", "127.0.0.1:1")
	return session.NewCloseInfo(sess, session.NewCloseStatus(code, ""), session.InitiatorClient)
}

func TestEvaluateCloseInfo(t *testing.T) {
	e, err := NewCELEvaluator()
	require.NoError(t, err)

	ok, err := e.Evaluate("session.id eq '12345'", closeInfo("12345", 1001))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate("session.id eq '12345'", closeInfo("99999", 1001))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Evaluate("code eq 1001 and initiator eq 'CLIENT'", closeInfo("1", 1001))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate("session.path.matches('^/chat/')", closeInfo("1", 1000))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate("", closeInfo("1", 1000))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateErrors(t *testing.T) {
	e, err := NewCELEvaluator()
	require.NoError(t, err)

	_, err = e.Evaluate("missing eq 1", closeInfo("1", 1000))
	assert.ErrorIs(t, err, merr.ErrSelectorEval)

	_, err = e.Evaluate("session.unknown eq 1", closeInfo("1", 1000))
	assert.ErrorIs(t, err, merr.ErrSelectorEval)

	_, err = e.Evaluate("session.id", closeInfo("1", 1000))
	assert.ErrorIs(t, err, merr.ErrSelectorEval)

	_, err = e.Evaluate("code eq 1", []int{1})
	assert.ErrorIs(t, err, merr.ErrSelectorEval)
}

func TestValidate(t *testing.T) {
	e, err := NewCELEvaluator()
	require.NoError(t, err)

	assert.NoError(t, e.Validate(""))
	assert.NoError(t, e.Validate("session.id eq '1'"))
	assert.ErrorIs(t, e.Validate("session.id eq"), merr.ErrSelectorInvalid)
	assert.ErrorIs(t, e.Validate("(a"), merr.ErrSelectorInvalid)
}

func TestEvaluateCachesPrograms(t *testing.T) {
	e, err := NewCELEvaluator()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate("code eq 1000", closeInfo("x", 1000))
		require.NoError(t, err)
	}
	assert.Len(t, e.programs, 1)
}
