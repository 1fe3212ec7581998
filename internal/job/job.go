// Package job implements the per-instance Job state machine: the runtime
// realization of a classdef.Class, its pid set, and the transitions that
// carry it from Waiting through to Waiting again.
package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/uinit/uinit/internal/classdef"
)

// Goal is the user-intended end state of a Job.
type Goal int

const (
	GoalStop Goal = iota
	GoalStart
	GoalRespawn
)

func (g Goal) String() string {
	switch g {
	case GoalStop:
		return "stop"
	case GoalStart:
		return "start"
	case GoalRespawn:
		return "respawn"
	default:
		return "unknown"
	}
}

// State is a Job's position in the process lifecycle state machine.
type State int

const (
	Waiting State = iota
	Starting
	PreStart
	Spawned
	PostStart
	Running
	PreStop
	Stopping
	Killed
	PostStop
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Starting:
		return "starting"
	case PreStart:
		return "pre-start"
	case Spawned:
		return "spawned"
	case PostStart:
		return "post-start"
	case Running:
		return "running"
	case PreStop:
		return "pre-stop"
	case Stopping:
		return "stopping"
	case Killed:
		return "killed"
	case PostStop:
		return "post-stop"
	default:
		return "unknown"
	}
}

// stoppingSide reports whether a state belongs to the stop half of the
// machine; used to decide whether a Stop goal finds the job already
// stopping, so that no new stop sequence is entered.
func (s State) stoppingSide() bool {
	switch s {
	case PreStop, Stopping, Killed, PostStop:
		return true
	default:
		return false
	}
}

// ValidTransitions enumerates the states reachable from each state when
// nothing exceptional (failure, skip-absent-slot) applies. The state
// machine's Advance method still consults class process-slot presence to
// skip states whose slot is absent, and consults goal/expect to choose
// among these. Advance runs the pre-start slot while the job stays in
// Starting, so it never enters PreStart itself.
var ValidTransitions = map[State][]State{
	Waiting:   {Starting},
	Starting:  {PreStart, Spawned},
	PreStart:  {Spawned},
	Spawned:   {PostStart, Running},
	PostStart: {Running},
	Running:   {PreStop, Stopping, Starting},
	PreStop:   {Stopping},
	Stopping:  {Killed, PostStop},
	Killed:    {PostStop},
	PostStop:  {Waiting},
}

// CanTransition reports whether from -> to is one of State's legal edges.
func CanTransition(from, to State) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is a class's runtime instance.
type Job struct {
	// ID uniquely identifies this instance for the lifetime of the
	// process, distinct from Name: a deleted instance's name can be
	// reused by a freshly created Job, but its ID never is.
	ID   uuid.UUID
	Name string // instance name, "" for single-instance classes
	Class *classdef.Class

	Goal  Goal
	State State

	Env      []string
	StartEnv []string
	StopEnv  []string

	Pid [6]int // indexed by classdef.ProcessKind

	// StopOnTree is a per-instance clone of the class's stop_on tree,
	// cloned at instance creation so distribution state does not leak
	// between instances of the same class.
	StopOnTree *classdef.OperatorNode

	KillProcess int // pid the kill sequence is currently targeting
	KillTimer   *time.Timer

	Failed        bool
	FailedProcess classdef.ProcessKind
	ExitStatus    int
	ExitBySignal  bool

	RespawnTime  time.Time
	RespawnCount int

	TraceForks int
	TraceState bool // for expect=stop: waiting for SIGSTOP

	LogPath [6]string

	CreatedAt time.Time
}

// New creates a fresh Waiting Job for the named instance of class c.
func New(name string, c *classdef.Class) *Job {
	var stopOn *classdef.OperatorNode
	if c.StopOn != nil {
		stopOn = c.StopOn.Clone()
	}
	return &Job{
		ID:         uuid.New(),
		Name:       name,
		Class:      c,
		Goal:       GoalStop,
		State:      Waiting,
		StopOnTree: stopOn,
		CreatedAt:  time.Now(),
	}
}

// IsWaitingStop reports the terminal resting state: goal==Stop and
// state==Waiting, eligible for deletion if unreferenced.
func (j *Job) IsWaitingStop() bool {
	return j.Goal == GoalStop && j.State == Waiting
}

// AllPidsZero reports whether every process slot's pid is unset.
func (j *Job) AllPidsZero() bool {
	for _, p := range j.Pid {
		if p != 0 {
			return false
		}
	}
	return true
}

