package task

import "github.com/loghive/agent/pkg/collect/profile"

// ActionType labels a task-level action.
type ActionType int

const (
	// ActionFinish reports that a bounded task has collected everything in
	// its window.
	ActionFinish ActionType = iota
)

func (a ActionType) String() string {
	if a == ActionFinish {
		return "finish"
	}
	return "unknown"
}

// Action is submitted to the task manager when a task reaches a terminal
// condition on its own.
type Action struct {
	Type    ActionType
	Profile *profile.Task
}

// Manager receives task-level actions. The task manager proper lives
// outside this core; only its submission surface is consumed here.
type Manager interface {
	SubmitAction(Action)
}

// State is a task's lifecycle state. Terminal states are absorbing.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }
