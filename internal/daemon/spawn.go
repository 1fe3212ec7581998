package daemon

import (
	"log"
	"strconv"
	"time"

	"github.com/uinit/uinit/internal/classdef"
	"github.com/uinit/uinit/internal/events"
	"github.com/uinit/uinit/internal/job"
	"github.com/uinit/uinit/internal/process"
)

// spawnNext spawns the process slot kind, as named by a Transition.Spawn
// from the state machine (never guessed back out of j.State).
func (s *Supervisor) spawnNext(cs *classState, j *job.Job, kind classdef.ProcessKind) {
	proc := cs.class.Process(kind)
	if proc == nil {
		// Slot absent: synthesize immediate success to keep the machine
		// moving (mirrors "skips states whose process slot is absent").
		s.applyExit(cs, j, kind, process.ChildExit{Status: 0})
		return
	}

	spec := process.Spec{
		Kind:            kind,
		Command:         proc.Command,
		IsScript:        proc.IsScript,
		Env:             append(append([]string(nil), j.Env...), cs.class.EnvTemplate...),
		Chroot:          cs.class.Chroot,
		Chdir:           cs.class.Chdir,
		Console:         cs.class.Console,
		LogPath:         j.LogPath[kind],
		Rlimits:         cs.class.Rlimits,
		Umask:           cs.class.Umask,
		Nice:            cs.class.Nice,
		OomAdj:          cs.class.OomScoreAdj,
		Setuid:          cs.class.Setuid,
		Setgid:          cs.class.Setgid,
		ApparmorProfile: cs.class.ApparmorSwitch,
	}

	handle, err := s.proc.Spawn(spec)
	if err != nil {
		log.Printf("spawn %s/%s %s: %v", cs.class.Name, j.Name, kind, err)
		s.applyExit(cs, j, kind, process.ChildExit{Status: 1})
		return
	}

	j.Pid[kind] = handle.Pid
	s.mu.Lock()
	s.pidIndex[handle.Pid] = pidOwner{cs: cs, instanceName: j.Name, slot: kind}
	s.mu.Unlock()

	if kind == classdef.Main && j.State == job.Starting {
		// No pre_start preceded this: Main was forked directly off
		// firstSlot, and there is no pre_start exit to drive
		// Starting->Spawned, so do it here now the fork has succeeded.
		// Falls through to the Expect check below since j.State is now
		// Spawned either way.
		if t, ok := j.MarkMainSpawned(); ok {
			s.actOnTransition(cs, j, t)
		}
	}

	if kind == classdef.Main && j.State == job.Spawned {
		switch cs.class.Expect {
		case classdef.ExpectNone:
			s.advanceExpectNone(cs, j)
		case classdef.ExpectFork, classdef.ExpectDaemon:
			if err := s.proc.Seize(handle.Pid); err != nil {
				log.Printf("ptrace seize %s/%s: %v", cs.class.Name, j.Name, err)
			}
		}
	}
}

func (s *Supervisor) advanceExpectNone(cs *classState, j *job.Job) {
	t, ok := j.Advance(job.Input{Kind: job.InputTrace})
	if ok {
		s.actOnTransition(cs, j, t)
	}
}

// signalStop delivers the kill sequence signal for a job already in
// Stopping/Killed.
func (s *Supervisor) signalStop(cs *classState, j *job.Job) {
	pid := j.Pid[classdef.Main]
	if pid == 0 {
		s.applyExit(cs, j, classdef.Main, process.ChildExit{Status: 0})
		return
	}
	sig, timeout := j.KillSignalFor()
	if j.State == job.Killed {
		sig = 9
	}
	if err := s.proc.Signal(pid, sig); err != nil {
		log.Printf("signal %s/%s: %v", cs.class.Name, j.Name, err)
	}
	s.armKillTimer(cs, j, timeout)
}

func (s *Supervisor) armKillTimer(cs *classState, j *job.Job, timeout time.Duration) {
	key := cs.class.Name + "\x00" + j.Name
	s.mu.Lock()
	if t, ok := s.killTimers[key]; ok {
		t.Stop()
	}
	s.killTimers[key] = time.AfterFunc(timeout, func() {
		t, ok := j.Advance(job.Input{Kind: job.InputTimerExpiry, TimerKind: job.TimerKill})
		if ok {
			s.actOnTransition(cs, j, t)
		}
	})
	s.mu.Unlock()
}

func (s *Supervisor) cancelKillTimer(cs *classState, j *job.Job) {
	key := cs.class.Name + "\x00" + j.Name
	s.mu.Lock()
	if t, ok := s.killTimers[key]; ok {
		t.Stop()
		delete(s.killTimers, key)
	}
	s.mu.Unlock()
}

// expectTimeout is the deadline expect=fork/daemon/stop gets to satisfy
// its trace/stop condition before the job is failed. Unlike the kill
// sequence, whose timeout comes from the class's KillTimeout (default 5s),
// it is a single fixed value: classes have no field for it.
const expectTimeout = 10 * time.Second

// armExpectTimer starts (or restarts) the deadline for a job waiting in
// Spawned on a non-none expect policy. Firing delivers InputTimerExpiry
// TimerExpect, which job.applyTimerExpiry turns into a failure.
func (s *Supervisor) armExpectTimer(cs *classState, j *job.Job, timeout time.Duration) {
	key := cs.class.Name + "\x00" + j.Name
	s.mu.Lock()
	if t, ok := s.expectTimers[key]; ok {
		t.Stop()
	}
	s.expectTimers[key] = time.AfterFunc(timeout, func() {
		t, ok := j.Advance(job.Input{Kind: job.InputTimerExpiry, TimerKind: job.TimerExpect})
		if ok {
			s.actOnTransition(cs, j, t)
		}
	})
	s.mu.Unlock()
}

func (s *Supervisor) cancelExpectTimer(cs *classState, j *job.Job) {
	key := cs.class.Name + "\x00" + j.Name
	s.mu.Lock()
	if t, ok := s.expectTimers[key]; ok {
		t.Stop()
		delete(s.expectTimers, key)
	}
	s.mu.Unlock()
}

// actOnTransition performs whatever the state machine's Transition
// requests: spawning a slot, signaling, arming timers, or freeing the job.
func (s *Supervisor) actOnTransition(cs *classState, j *job.Job, t job.Transition) {
	s.broadcastJobTransition(cs, j)
	if t.Spawn != nil {
		s.spawnNext(cs, j, *t.Spawn)
	}
	if t.To == job.Stopping || t.To == job.Killed {
		// Stopping/Killed carry no process slot of their own (the kill
		// sequence signals the already-running Main rather than spawning
		// anything), so the signal has to go out here explicitly.
		s.signalStop(cs, j)
	}
	if t.ArmExpect {
		s.armExpectTimer(cs, j, expectTimeout)
	} else if t.To != job.Spawned {
		s.cancelExpectTimer(cs, j)
	}
	if t.To == job.Waiting {
		s.cancelKillTimer(cs, j)
		s.releaseStartBlockers(cs, j)
		if t.Freed {
			s.maybeFreeInstance(cs, j)
		}
	}
}

// releaseStartBlockers unlinks any Blocked(Event) records this job was
// holding against the events that started it, letting those events
// finish once every job they spawned has completed starting.
func (s *Supervisor) releaseStartBlockers(cs *classState, j *job.Job) {
	waiter := jobWaiter(cs.class.Name, j.Name)
	for _, target := range s.blockGraph.Waits(waiter) {
		count := s.blockGraph.Unlink(waiter, target)
		if count == 0 {
			if id, ok := parseEventKey(target.Key); ok {
				if ev, ok := s.queue.Lookup(id); ok {
					ev.Blockers = 0
				}
			}
		}
	}
}

// maybeFreeInstance removes j once it has reached its terminal resting
// state, but only when its class has been deleted from config: a normal
// completion leaves the instance addressable (status queries, restarts)
// until config removal actually asks for it to go away.
func (s *Supervisor) maybeFreeInstance(cs *classState, j *job.Job) {
	if !cs.class.Deleted() {
		return
	}
	cs.instances.Delete(j.Name)
	if cs.instances.Len() == 0 {
		s.classTable.Prune(cs.class)
		s.mu.Lock()
		delete(s.states, cs.class)
		s.mu.Unlock()
	}
}

func parseEventKey(key string) (events.ID, bool) {
	n, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return 0, false
	}
	return events.ID(n), true
}
