package daemon

import (
	"fmt"
	"syscall"

	"github.com/uinit/uinit/internal/classdef"
	"github.com/uinit/uinit/internal/control"
	"github.com/uinit/uinit/internal/job"
)

// coreAdapter exposes *Supervisor through the control.Core seam the IPC
// socket layer calls into. It is a distinct named type (rather than
// Supervisor implementing control.Core directly) so the public method set
// of Supervisor itself stays free of RPC-shaped signatures.
type coreAdapter Supervisor

func (s *Supervisor) core() *coreAdapter { return (*coreAdapter)(s) }

func (a *coreAdapter) sup() *Supervisor { return (*Supervisor)(a) }

func (a *coreAdapter) ListClasses() []control.ClassInfo {
	s := a.sup()
	s.mu.Lock()
	var states []*classState
	for _, cs := range s.states {
		if !cs.class.Deleted() {
			states = append(states, cs)
		}
	}
	s.mu.Unlock()

	out := make([]control.ClassInfo, 0, len(states))
	for _, cs := range states {
		out = append(out, classInfoFor(cs))
	}
	return out
}

func (a *coreAdapter) FindClass(name string) (*control.ClassInfo, error) {
	s := a.sup()
	c := s.classTable.Select(name)
	if c == nil {
		return nil, &control.Error{Code: control.ErrUnknownJob, Message: fmt.Sprintf("unknown job class %q", name)}
	}
	s.mu.Lock()
	cs := s.states[c]
	s.mu.Unlock()
	if cs == nil {
		return nil, &control.Error{Code: control.ErrUnknownJob, Message: fmt.Sprintf("unknown job class %q", name)}
	}
	info := classInfoFor(cs)
	return &info, nil
}

func classInfoFor(cs *classState) control.ClassInfo {
	instances := cs.instances.List()
	names := make([]string, 0, len(instances))
	for _, j := range instances {
		names = append(names, j.Name)
	}
	return control.ClassInfo{Name: cs.class.Name, Description: cs.class.Description, Usage: cs.class.Usage, Instances: names}
}

func (a *coreAdapter) StartInstance(className, instanceName string) (*job.Job, error) {
	s := a.sup()
	cs, c, err := s.lookupClassState(className)
	if err != nil {
		return nil, err
	}

	j, created := cs.instances.GetOrCreate(instanceName, c)
	if !created && j.Goal == job.GoalStart {
		return nil, &control.Error{Code: control.ErrAlreadyStarted, Message: "instance already started"}
	}
	s.requestGoal(cs, j, job.GoalStart)
	return j, nil
}

func (a *coreAdapter) StopInstance(className, instanceName string) error {
	s := a.sup()
	cs, _, err := s.lookupClassState(className)
	if err != nil {
		return err
	}
	j, ok := cs.instances.Get(instanceName)
	if !ok {
		return &control.Error{Code: control.ErrUnknownInstance, Message: "unknown instance"}
	}
	if j.Goal == job.GoalStop {
		return &control.Error{Code: control.ErrAlreadyStopped, Message: "instance already stopped"}
	}
	s.requestGoal(cs, j, job.GoalStop)
	return nil
}

// RestartInstance stops a running instance and marks it to resume once the
// stop sequence reaches Waiting, via Job.finishStop's resume path (the
// one a Start goal arriving mid-stop also takes).
func (a *coreAdapter) RestartInstance(className, instanceName string) error {
	s := a.sup()
	cs, _, err := s.lookupClassState(className)
	if err != nil {
		return err
	}
	j, ok := cs.instances.Get(instanceName)
	if !ok {
		return &control.Error{Code: control.ErrUnknownInstance, Message: "unknown instance"}
	}
	if j.State == job.Waiting {
		s.requestGoal(cs, j, job.GoalStart)
		return nil
	}
	s.requestGoal(cs, j, job.GoalStop)
	j.Goal = job.GoalRespawn
	return nil
}

// ReloadInstance sends the class's reload_signal (default SIGHUP) to the
// instance's main process without touching job state, per spec.md's
// "Reload" rpc semantics.
func (a *coreAdapter) ReloadInstance(className, instanceName string) error {
	s := a.sup()
	cs, _, err := s.lookupClassState(className)
	if err != nil {
		return err
	}
	j, ok := cs.instances.Get(instanceName)
	if !ok {
		return &control.Error{Code: control.ErrUnknownInstance, Message: "unknown instance"}
	}
	pid := j.Pid[classdef.Main]
	if pid == 0 {
		return &control.Error{Code: control.ErrUnknownInstance, Message: "instance has no running main process"}
	}
	return syscall.Kill(pid, syscall.Signal(j.ReloadSignalFor()))
}

func (s *Supervisor) lookupClassState(className string) (*classState, *classdef.Class, error) {
	c := s.classTable.Select(className)
	if c == nil {
		return nil, nil, &control.Error{Code: control.ErrUnknownJob, Message: fmt.Sprintf("unknown job class %q", className)}
	}
	s.mu.Lock()
	cs := s.states[c]
	s.mu.Unlock()
	if cs == nil {
		return nil, nil, &control.Error{Code: control.ErrUnknownJob, Message: fmt.Sprintf("unknown job class %q", className)}
	}
	return cs, c, nil
}

func (a *coreAdapter) EmitEvent(name string, args, env []string, wait bool) (control.EventHandle, error) {
	s := a.sup()
	ev := s.queue.Emit(name, args, env)
	if !wait {
		return nil, nil
	}
	ch := make(chan control.EventResult, 1)
	s.waitersMu.Lock()
	s.eventWaiters[ev.ID] = append(s.eventWaiters[ev.ID], ch)
	s.waitersMu.Unlock()
	return &eventHandle{ch: ch}, nil
}

type eventHandle struct {
	ch chan control.EventResult
}

func (h *eventHandle) Wait() <-chan control.EventResult { return h.ch }

func (a *coreAdapter) ReloadConfig(sourcePath string) error {
	s := a.sup()
	if sourcePath == "" {
		if err := s.confMgr.Reload(nil); err != nil {
			return err
		}
		s.syncClassStates()
		return nil
	}
	s.handleConfigChange(sourcePath)
	return nil
}

func (a *coreAdapter) RequestReexec() error {
	a.sup().RequestReexec()
	return nil
}

func (a *coreAdapter) Subscribe(scope control.Scope) (control.Subscription, error) {
	s := a.sup()
	sub := &subscriber{
		scope:  scope,
		jobs:   make(chan control.Transition, 32),
		events: make(chan control.EventResult, 32),
	}
	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()
	sub.sup = s
	return sub, nil
}

// subscriber is a live client registration. Sends are non-blocking and
// drop on a full channel rather than stall the main loop, matching how a
// slow subscriber must never back-pressure job/event dispatch.
type subscriber struct {
	sup    *Supervisor
	scope  control.Scope
	jobs   chan control.Transition
	events chan control.EventResult
}

func (sub *subscriber) Jobs() <-chan control.Transition  { return sub.jobs }
func (sub *subscriber) Events() <-chan control.EventResult { return sub.events }

func (sub *subscriber) Close() {
	s := sub.sup
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, other := range s.subs {
		if other == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
}

func (s *Supervisor) broadcastJobTransition(cs *classState, j *job.Job) {
	t := control.Transition{ClassName: cs.class.Name, InstanceName: j.Name, Goal: j.Goal, State: j.State}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		if sub.scope.Kind != control.ScopeJob {
			continue
		}
		if sub.scope.ClassName != "" && sub.scope.ClassName != cs.class.Name {
			continue
		}
		select {
		case sub.jobs <- t:
		default:
		}
	}
}
