package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := NewSet(1001, 1000, 1001)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contain(1000, 1001))
	assert.False(t, s.Contain(1000, 4000))

	s.Remove(1000)
	assert.False(t, s.Contain(1000))

	u := s.Union(NewSet(4567, 1000))
	assert.Equal(t, []int{1000, 1001, 4567}, Sorted(u))
	assert.Equal(t, 1, s.Len())
}
