// Package instance defines the contract between the file-collection core
// and the instance manager that tails and ships the files it discovers,
// together with a queue-backed default implementation.
package instance

import (
	"time"

	"github.com/loghive/agent/pkg/collect/profile"
)

// ActionType labels an Action.
type ActionType int

const (
	// ActionAdd asks the manager to start collecting a file.
	ActionAdd ActionType = iota
	// ActionDelete asks the manager to drop a file it is collecting.
	ActionDelete
)

func (a ActionType) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

// Action is one unit of work submitted to a Manager.
type Action struct {
	Type    ActionType
	Profile *profile.Instance
}

// Manager is the downstream collaborator the collect task submits
// discovered files to. Implementations are safe for concurrent use.
type Manager interface {
	Start() error
	Stop()

	// SubmitAction enqueues an action. It returns false, without
	// blocking, when the internal queue is full.
	SubmitAction(Action) bool

	// ShouldAddAgain gates re-offering a file: it returns false when the
	// file was already collected at this or a newer modification time.
	ShouldAddAgain(path string, modTime time.Time) bool

	// AllInstancesFinished reports whether every submitted instance has
	// completed.
	AllInstancesFinished() bool
}
