package job

import (
	"time"

	"github.com/uinit/uinit/internal/classdef"
)

// Input is an external stimulus fed to Advance. Exactly one field beyond
// Kind is meaningful per InputKind.
type Input struct {
	Kind InputKind

	// ChildExit fields.
	ExitKind   classdef.ProcessKind
	ExitStatus int
	BySignal   bool

	// TimerExpiry field.
	TimerKind TimerKind

	// RPCChangeGoal field.
	NewGoal Goal

	// Fork/daemon trace progress (expect=fork/daemon), and SIGSTOP receipt
	// (expect=stop).
	ForkTrace bool
	Stopped   bool
}

type InputKind int

const (
	InputChildExit InputKind = iota
	InputTimerExpiry
	InputRPCChangeGoal
	InputTrace
)

type TimerKind int

const (
	TimerKill TimerKind = iota
	TimerExpect
)

// Transition describes one state-machine edge for the caller to act on:
// which process slot (if any) needs spawning or signaling, and any side
// effect the Main Loop must perform (arm a timer, reap, notify).
type Transition struct {
	From, To  State
	Spawn     *classdef.ProcessKind // non-nil: caller must spawn this slot
	Signal    int                   // non-zero: caller must send this signal to KillProcess
	ArmExpect bool                  // true: caller must arm an expect timeout for this job's class
	Freed     bool                  // true: job reached terminal (Stop,Waiting) and may be deleted
}

// Advance applies one external input to the job and returns the
// resulting Transition, or ok=false if the input does not apply in the
// job's current state (e.g. a child_exit for a slot the job isn't
// running).
func (j *Job) Advance(in Input) (Transition, bool) {
	switch in.Kind {
	case InputRPCChangeGoal:
		return j.applyGoalChange(in.NewGoal)
	case InputChildExit:
		return j.applyChildExit(in)
	case InputTimerExpiry:
		return j.applyTimerExpiry(in)
	case InputTrace:
		return j.applyTrace(in)
	}
	return Transition{}, false
}

func (j *Job) applyGoalChange(g Goal) (Transition, bool) {
	prev := j.Goal
	j.Goal = g
	switch g {
	case GoalStart:
		if j.State == Waiting {
			return j.enter(Starting, firstSlot(j.Class))
		}
		// If mid-stop, the stop sequence finishes first (per spec: a
		// Start goal arriving on the stopping side does not interrupt
		// it); finishStop re-enters Starting once the stop sequence
		// reaches Waiting.
		return Transition{From: j.State, To: j.State}, prev != g
	case GoalStop:
		if j.State.stoppingSide() || j.State == Waiting {
			return Transition{From: j.State, To: j.State}, prev != g
		}
		return j.enter(PreStop, slotKind(classdef.PreStop))
	}
	return Transition{}, false
}

// firstSlot picks the slot that begins a start sequence: PreStart if the
// class defines one, else Main directly. Either way the caller (spawnNext)
// checks presence itself, so the pointer it returns is never nil; the
// choice here only decides which kind gets that first chance.
func firstSlot(c *classdef.Class) *classdef.ProcessKind {
	if c.Process(classdef.PreStart) != nil {
		return slotKind(classdef.PreStart)
	}
	return slotKind(classdef.Main)
}

// slotKind returns a pointer to kind unconditionally. Transition.Spawn
// names which slot a transition wants run; whether the class actually
// defines that slot is spawnNext's concern (absent slots are skipped via
// a synthesized immediate success), not the state machine's.
func slotKind(kind classdef.ProcessKind) *classdef.ProcessKind {
	k := kind
	return &k
}

// enter transitions the job to `to`, optionally indicating a slot for the
// caller to spawn.
func (j *Job) enter(to State, spawn *classdef.ProcessKind) (Transition, bool) {
	from := j.State
	j.State = to
	return Transition{From: from, To: to, Spawn: spawn}, true
}

func (j *Job) applyChildExit(in Input) (Transition, bool) {
	j.Pid[in.ExitKind] = 0

	switch j.State {
	case Starting:
		// Starting covers "running the pre-start slot" exiting. When a
		// class has no pre-start, firstSlot spawns main directly and
		// spawnNext advances Starting->Spawned itself on a successful
		// fork (MarkMainSpawned), so this case only ever sees a
		// pre-start exit, or a failed attempt to fork main in its place.
		if in.ExitStatus != 0 && !in.BySignal {
			return j.fail(in.ExitKind, in.ExitStatus, in.BySignal)
		}
		if m := j.Class.Process(classdef.Main); m != nil {
			k := classdef.Main
			t, ok := j.enter(Spawned, &k)
			t.ArmExpect = j.Class.Expect != classdef.ExpectNone
			return t, ok
		}
		return j.enter(Running, nil)

	case Spawned:
		if in.ExitKind != classdef.Main {
			return Transition{}, false
		}
		if in.ExitStatus != 0 && !in.BySignal && !j.Class.IsNormalExit(in.ExitStatus, in.BySignal) {
			return j.fail(classdef.Main, in.ExitStatus, in.BySignal)
		}
		if p := j.Class.Process(classdef.PostStart); p != nil {
			k := classdef.PostStart
			return j.enter(PostStart, &k)
		}
		return j.enter(Running, nil)

	case PostStart:
		return j.enter(Running, nil)

	case Running:
		if in.ExitKind != classdef.Main {
			return Transition{}, false
		}
		normal := j.Class.IsNormalExit(in.ExitStatus, in.BySignal)
		if j.Goal == GoalStart && j.Class.Respawn && !normal {
			if !j.respawnAllowed() {
				j.Failed = true
				j.FailedProcess = classdef.Main
				j.ExitStatus = in.ExitStatus
				j.ExitBySignal = in.BySignal
				j.Goal = GoalStop
				return j.enter(Stopping, nil)
			}
			j.RespawnCount++
			return j.enter(Starting, firstSlot(j.Class))
		}
		if !normal && in.ExitStatus != 0 {
			j.Failed = true
			j.FailedProcess = classdef.Main
			j.ExitStatus = in.ExitStatus
			j.ExitBySignal = in.BySignal
		}
		// An unrequested exit (goal was still Start) settles the job: it
		// wasn't asked to stop, but it isn't respawning either, so treat
		// this as reaching its own resting goal rather than leaving Start
		// dangling (which would make finishStop resume it indefinitely).
		if j.Goal == GoalStart {
			j.Goal = GoalStop
		}
		return j.enter(PreStop, slotKind(classdef.PreStop))

	case PreStop:
		return j.enter(Stopping, nil)

	case Stopping, Killed:
		if in.ExitKind != classdef.Main {
			return Transition{}, false
		}
		if j.KillTimer != nil {
			j.KillTimer.Stop()
			j.KillTimer = nil
		}
		if p := j.Class.Process(classdef.PostStop); p != nil {
			k := classdef.PostStop
			return j.enter(PostStop, &k)
		}
		return j.finishStop()

	case PostStop:
		return j.finishStop()
	}
	return Transition{}, false
}

func (j *Job) finishStop() (Transition, bool) {
	t, ok := j.enter(Waiting, nil)
	t.Freed = j.Goal == GoalStop
	if j.Goal == GoalStart || j.Goal == GoalRespawn {
		// A start request arrived while we were stopping; resume it now
		// that we've reached the resting state.
		j.Goal = GoalStart
		return j.enter(Starting, firstSlot(j.Class))
	}
	return t, ok
}

func (j *Job) fail(kind classdef.ProcessKind, status int, bySignal bool) (Transition, bool) {
	j.Failed = true
	j.FailedProcess = kind
	j.ExitStatus = status
	j.ExitBySignal = bySignal
	return j.enter(Stopping, nil)
}

// respawnAllowed enforces respawn_limit within respawn_interval.
func (j *Job) respawnAllowed() bool {
	now := time.Now()
	if j.RespawnCount == 0 {
		j.RespawnTime = now
		return true
	}
	if now.Sub(j.RespawnTime) > j.Class.RespawnInterval {
		j.RespawnTime = now
		j.RespawnCount = 0
		return true
	}
	return j.RespawnCount < j.Class.RespawnLimit
}

func (j *Job) applyTimerExpiry(in Input) (Transition, bool) {
	switch in.TimerKind {
	case TimerKill:
		if j.State != Stopping && j.State != Killed {
			return Transition{}, false
		}
		j.State = Killed
		return Transition{From: Stopping, To: Killed, Signal: 9}, true
	case TimerExpect:
		if j.State != Spawned {
			return Transition{}, false
		}
		return j.fail(classdef.Main, -1, false)
	}
	return Transition{}, false
}

func (j *Job) applyTrace(in Input) (Transition, bool) {
	if j.State != Spawned {
		return Transition{}, false
	}
	switch j.Class.Expect {
	case classdef.ExpectNone:
		return j.advanceFromSpawned()
	case classdef.ExpectFork:
		j.TraceForks++
		if j.TraceForks >= 1 {
			return j.advanceFromSpawned()
		}
	case classdef.ExpectDaemon:
		j.TraceForks++
		if j.TraceForks >= 2 {
			return j.advanceFromSpawned()
		}
	case classdef.ExpectStop:
		if in.Stopped {
			return j.advanceFromSpawned()
		}
	}
	return Transition{From: j.State, To: j.State}, true
}

func (j *Job) advanceFromSpawned() (Transition, bool) {
	if p := j.Class.Process(classdef.PostStart); p != nil {
		k := classdef.PostStart
		return j.enter(PostStart, &k)
	}
	return j.enter(Running, nil)
}

// EnterStarting moves a Waiting job with goal Start into Starting. Used
// by the main loop when a start_on tree fires for a brand-new instance
// (there is no prior state to Advance from).
func (j *Job) EnterStarting() (Transition, bool) {
	if j.State != Waiting {
		return Transition{}, false
	}
	j.Goal = GoalStart
	return j.enter(Starting, firstSlot(j.Class))
}

// MarkMainSpawned moves a job that skipped PreStart straight to Spawned
// once its Main process has actually been forked. There is no PreStart
// exit to drive this edge for such a class, since it has none; the job
// sits in Starting (as set by firstSlot/EnterStarting) until spawnNext
// reports the fork succeeded.
func (j *Job) MarkMainSpawned() (Transition, bool) {
	if j.State != Starting {
		return Transition{}, false
	}
	t, ok := j.enter(Spawned, nil)
	t.ArmExpect = j.Class.Expect != classdef.ExpectNone
	return t, ok
}

// KillSignalFor returns the signal + timeout the caller should arm upon
// entering Stopping, per the class's kill_signal/kill_timeout (defaulting
// to SIGTERM/5s).
func (j *Job) KillSignalFor() (signal int, timeout time.Duration) {
	signal = j.Class.KillSignal
	if signal == 0 {
		signal = 15 // SIGTERM
	}
	timeout = j.Class.KillTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return signal, timeout
}

// ReloadSignalFor returns the signal a reload request should send to
// pid[Main], per the class's reload_signal (defaulting to SIGHUP). Reload
// never changes job state, so there is no Transition for it; the caller
// signals the pid directly.
func (j *Job) ReloadSignalFor() int {
	if j.Class.ReloadSignal != 0 {
		return j.Class.ReloadSignal
	}
	return 1 // SIGHUP
}
