package json

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeSummary struct {
	Code      int    `json:"code"`
	Initiator string `json:"initiator"`
}

func TestToMap(t *testing.T) {
	m, err := ToMap(closeSummary{Code: 1001, Initiator: "CLIENT"})
	require.NoError(t, err)
	assert.Equal(t, float64(1001), m["code"])
	assert.Equal(t, "CLIENT", m["initiator"])

	_, err = ToMap([]int{1, 2})
	assert.Error(t, err)
}

func TestMarshal(t *testing.T) {
	s, err := MarshalToString(closeSummary{Code: 1000, Initiator: "SERVER"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":1000,"initiator":"SERVER"}`, s)
}
