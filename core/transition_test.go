package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNew, StateWaiting, true},
		{StateNew, StateDelayed, true},
		{StateNew, StateActive, false},
		{StateWaiting, StateActive, true},
		{StateWaiting, StateDelayed, true},
		{StateWaiting, StateRemoved, true},
		{StateWaiting, StateCompleted, false},
		{StateDelayed, StateWaiting, true},
		{StateDelayed, StateRemoved, true},
		{StateDelayed, StateActive, false},
		{StateActive, StateCompleted, true},
		{StateActive, StateFailed, true},
		{StateActive, StateDelayed, true},
		{StateActive, StateWaiting, true},
		{StateActive, StateRemoved, false},
		{StateCompleted, StateWaiting, false},
		{StateFailed, StateWaiting, false},
		{StateRemoved, StateWaiting, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	all := append([]State{StateNew, StateRemoved}, Indexed...)
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}
