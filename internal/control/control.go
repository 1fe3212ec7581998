// Package control defines the operations the core exposes to the IPC
// surface. The wire protocol (an RPC/message control socket) is an
// external collaborator per the spec; this package is the seam the core
// implements and the socket layer in Serve calls into.
package control

import (
	"github.com/uinit/uinit/internal/job"
)

// ClassInfo is a read-only summary of a visible Job Class Definition, for
// enumeration/lookup replies.
type ClassInfo struct {
	Name        string
	Description string
	Usage       string
	Instances   []string
}

// Core is the set of operations the supervisor exposes to clients:
// enumerate job classes, find class by name, start/stop/restart/reload
// instance, emit event, subscribe to job/event transitions, reload
// configuration, request re-exec.
type Core interface {
	ListClasses() []ClassInfo
	FindClass(name string) (*ClassInfo, error)

	StartInstance(className, instanceName string) (*job.Job, error)
	StopInstance(className, instanceName string) error
	RestartInstance(className, instanceName string) error
	ReloadInstance(className, instanceName string) error

	EmitEvent(name string, args, env []string, wait bool) (EventHandle, error)

	Subscribe(scope Scope) (Subscription, error)

	ReloadConfig(sourcePath string) error
	RequestReexec() error
}

// EventHandle lets a client with wait=true learn when the emitted event
// finishes, without the core holding a pointer back to the client.
type EventHandle interface {
	Wait() <-chan EventResult
}

// EventResult is delivered exactly once to a waiting client.
type EventResult struct {
	Failed bool
}

// ScopeKind selects what a Subscription observes.
type ScopeKind int

const (
	ScopeJob ScopeKind = iota
	ScopeEvent
)

// Scope narrows a Subscription to one class (optional) or one event name
// (optional); empty means "all".
type Scope struct {
	Kind      ScopeKind
	ClassName string
	EventName string
}

// Transition is delivered to Job-scoped subscribers.
type Transition struct {
	ClassName    string
	InstanceName string
	Goal         job.Goal
	State        job.State
}

// Subscription is a live client registration; Close releases it.
type Subscription interface {
	Jobs() <-chan Transition
	Events() <-chan EventResult
	Close()
}

// Error taxonomy returned to RPC callers without mutating state.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

type ErrorCode int

const (
	ErrUnknownJob ErrorCode = iota
	ErrUnknownInstance
	ErrAlreadyStarted
	ErrAlreadyStopped
	ErrProtocol
)
