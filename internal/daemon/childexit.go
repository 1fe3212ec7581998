package daemon

import (
	"log"

	"github.com/uinit/uinit/internal/classdef"
	"github.com/uinit/uinit/internal/job"
	"github.com/uinit/uinit/internal/process"
)

// handleChildExit resolves a reaped pid back to its owning (class,
// instance, slot) via the reverse index and applies the exit to that
// job's state machine. Pids the supervisor did not spawn (already reaped,
// or belonging to a grandchild that reparented) are silently dropped.
//
// A ptrace fork event (exit.Traced) or a self-inflicted SIGSTOP
// (exit.Stopped) are not process exits at all; they are the signals
// expect=fork/daemon/stop wait on, and are routed to the job's trace
// input instead of its child-exit input.
func (s *Supervisor) handleChildExit(exit process.ChildExit) {
	s.mu.Lock()
	owner, ok := s.pidIndex[exit.Pid]
	s.mu.Unlock()

	if exit.Traced {
		s.handleTraceEvent(owner, ok, exit)
		return
	}
	if exit.Stopped {
		s.handleStopEvent(owner, ok, exit)
		return
	}

	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.pidIndex, exit.Pid)
	s.mu.Unlock()

	j, ok := owner.cs.instances.Get(owner.instanceName)
	if !ok {
		return
	}
	s.applyExit(owner.cs, j, owner.slot, exit)
}

// handleTraceEvent advances the owning job's expect=fork/daemon count by
// one and, if the event carried a new child pid (an actual fork, not some
// other ptrace-stop), re-targets tracking to that child: the forking
// parent is expected to exit on its own shortly, and the child is the
// pid that will go on running.
func (s *Supervisor) handleTraceEvent(owner pidOwner, ok bool, exit process.ChildExit) {
	if ok {
		j, jok := owner.cs.instances.Get(owner.instanceName)
		if jok {
			if exit.ForkedPid != 0 {
				s.retargetTrace(owner, exit.Pid, exit.ForkedPid)
				j.Pid[owner.slot] = exit.ForkedPid
			}
			if t, tok := j.Advance(job.Input{Kind: job.InputTrace, ForkTrace: true}); tok {
				s.actOnTransition(owner.cs, j, t)
			}
		}
	}
	if err := s.proc.ContinueTrace(exit.Pid); err != nil {
		log.Printf("ptrace cont %d: %v", exit.Pid, err)
	}
}

// retargetTrace moves the pid->owner reverse index entry from a forking
// parent to the child it just produced, and arms the child for further
// fork tracing (expect=daemon needs a second event, which now has to be
// observed on the child since the parent is about to exit).
func (s *Supervisor) retargetTrace(owner pidOwner, oldPid, childPid int) {
	s.mu.Lock()
	delete(s.pidIndex, oldPid)
	s.pidIndex[childPid] = owner
	s.mu.Unlock()
	if err := s.proc.Seize(childPid); err != nil {
		log.Printf("ptrace seize %d: %v", childPid, err)
	}
}

// handleStopEvent treats a self-inflicted SIGSTOP on the main process of
// an expect=stop job as the readiness signal and resumes it; any other
// job-control stop (wrong slot, wrong policy, or an untracked pid) is
// just resumed so nothing is left wedged.
func (s *Supervisor) handleStopEvent(owner pidOwner, ok bool, exit process.ChildExit) {
	if ok && owner.slot == classdef.Main && owner.cs.class.Expect == classdef.ExpectStop {
		if j, jok := owner.cs.instances.Get(owner.instanceName); jok {
			if t, tok := j.Advance(job.Input{Kind: job.InputTrace, Stopped: true}); tok {
				s.actOnTransition(owner.cs, j, t)
			}
		}
	}
	if err := s.proc.Continue(exit.Pid); err != nil {
		log.Printf("continue %d: %v", exit.Pid, err)
	}
}

// applyExit feeds an exit (reaped, or synthesized when a process slot is
// absent or spawn itself failed) into j's state machine as a ChildExit
// input for the given slot, and performs whatever transition it produces.
func (s *Supervisor) applyExit(cs *classState, j *job.Job, slot classdef.ProcessKind, exit process.ChildExit) {
	t, ok := j.Advance(job.Input{
		Kind:       job.InputChildExit,
		ExitKind:   slot,
		ExitStatus: exit.Status,
		BySignal:   exit.BySignal,
	})
	if !ok {
		return
	}
	s.actOnTransition(cs, j, t)
}
