package pause

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSwitch(t *testing.T) {
	s := New()
	var seen []bool
	s.OnChange(func(p bool, _ string) { seen = append(seen, p) })

	assert.False(t, s.Paused())
	s.Pause("adapter zones unusable")
	s.Pause("operator")
	p, reason := s.State()
	assert.True(t, p)
	assert.Equal(t, "adapter zones unusable", reason)

	assert.True(t, s.Resume())
	assert.False(t, s.Resume())
	p, reason = s.State()
	assert.False(t, p)
	assert.Empty(t, reason)
	assert.Equal(t, []bool{true, false}, seen)
}
