package core

import (
	"fmt"
	"strings"
)

// State is the lifecycle position of a job.
type State string

const (
	StateNew       State = ""
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateRemoved   State = "removed"
)

// Indexed lists the states that own a per-type index in a source.
var Indexed = []State{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRemoved
}

func (s State) String() string {
	if s == StateNew {
		return "new"
	}
	return string(s)
}

// Priority ranks jobs inside a queue. The zero value means "not set".
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts a rank name ("high") in any case.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}
