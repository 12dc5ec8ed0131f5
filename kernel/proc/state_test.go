package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLegalTransitions(t *testing.T) {
	allowed := map[[2]State]bool{
		{Created, Ready}:   true,
		{Ready, Running}:   true,
		{Running, Ready}:   true,
		{Running, Blocked}: true,
		{Blocked, Ready}:   true,
		{Running, Zombie}:  true,
	}
	states := []State{Created, Ready, Running, Blocked, Zombie}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]State{from, to}]
			assert.Equal(t, want, legalTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "blocked", Blocked.String())
	assert.Equal(t, "state(99)", State(99).String())
}
