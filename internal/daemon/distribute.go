package daemon

import (
	"fmt"
	"sort"
	"strings"

	"github.com/uinit/uinit/internal/blocking"
	"github.com/uinit/uinit/internal/classdef"
	"github.com/uinit/uinit/internal/control"
	"github.com/uinit/uinit/internal/events"
	"github.com/uinit/uinit/internal/job"
)

func eventTarget(ev *events.Event) blocking.Target {
	return blocking.Target{Kind: blocking.TargetEvent, Key: fmt.Sprintf("%d", ev.ID)}
}

func jobWaiter(className, instanceName string) blocking.Waiter {
	return blocking.Waiter{Kind: blocking.WaiterJob, Key: className + "\x00" + instanceName}
}

// distribute offers ev to the start_on tree of every class not deleted
// from config and to every live instance's per-instance stop_on clone,
// visiting classes in order of name, then advances ev to Handling. Firing trees request instances, set goals, and create
// Blocked(Event) links so ev cannot finish until the jobs it spawned
// finish starting.
func (s *Supervisor) distribute(ev *events.Event) {
	offered := classdef.OfferedEvent{Name: ev.Name, Args: ev.Args, Env: ev.Env}

	s.mu.Lock()
	var states []*classState
	for _, cs := range s.states {
		states = append(states, cs)
	}
	s.mu.Unlock()
	sort.SliceStable(states, func(a, b int) bool {
		return states[a].class.Name < states[b].class.Name
	})

	for _, cs := range states {
		c := cs.class

		if c.StartOn != nil && !c.Deleted() {
			wasFired := c.StartOn.Satisfied()
			if c.StartOn.Evaluate(offered) && !wasFired {
				s.fireStartOn(cs, ev)
			}
		}

		for _, j := range cs.instances.List() {
			if j.StopOnTree == nil {
				continue
			}
			wasFired := j.StopOnTree.Satisfied()
			if j.StopOnTree.Evaluate(offered) && !wasFired {
				s.requestGoal(cs, j, job.GoalStop)
			}
		}
	}

	ev.Progress = events.Handling
}

// fireStartOn handles a class's start_on tree evaluating true: request an
// instance (by template expansion against the firing event's env), set
// its goal to Start, and link it to every contributing event.
func (s *Supervisor) fireStartOn(cs *classState, ev *events.Event) {
	name := expandInstanceName(cs.class.InstanceTemplate, ev.Env)

	if cs.class.SingleInstance() {
		if existing, ok := cs.instances.Get(""); ok && existing.State != job.Waiting {
			// Already running single instance: per spec, a firing start_on
			// during an already-running instance is ignored.
			cs.class.StartOn.Reset()
			return
		}
	}

	j, created := cs.instances.GetOrCreate(name, cs.class)
	if !created && j.State != job.Waiting {
		cs.class.StartOn.Reset()
		return
	}

	for _, contributing := range cs.class.StartOn.ContributingEvents() {
		j.Env = append(j.Env, contributing.Env...)
	}

	target := eventTarget(ev)
	s.blockGraph.Link(jobWaiter(cs.class.Name, name), target)
	s.bumpEventBlockers(ev)

	if t, ok := j.EnterStarting(); ok && t.Spawn != nil {
		s.spawnNext(cs, j, *t.Spawn)
	}

	cs.class.StartOn.Reset()
}

func (s *Supervisor) bumpEventBlockers(ev *events.Event) {
	ev.Blockers = s.blockGraph.Count(eventTarget(ev))
}

// requestGoal applies an RPC-style goal change to j and spawns/signals as
// needed.
func (s *Supervisor) requestGoal(cs *classState, j *job.Job, goal job.Goal) {
	t, ok := j.Advance(job.Input{Kind: job.InputRPCChangeGoal, NewGoal: goal})
	if !ok {
		return
	}
	s.actOnTransition(cs, j, t)
}

func expandInstanceName(tmpl string, env []string) string {
	if tmpl == "" {
		return ""
	}
	out := tmpl
	for _, kv := range env {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		out = strings.ReplaceAll(out, "$"+key, val)
		out = strings.ReplaceAll(out, "${"+key+"}", val)
	}
	return out
}

// completeFinishedEvents advances every in-flight event whose blocker
// count has reached zero to Finished and notifies waiters.
func (s *Supervisor) completeFinishedEvents() {
	for _, ev := range s.queue.InFlight() {
		if ev.Blockers > 0 {
			continue
		}
		if _, ok := s.queue.TryFinish(ev.ID); ok {
			s.notifyEventWaiters(ev)
		}
	}
}

// notifyEventWaiters delivers the finished result to every RPC client that
// emitted ev with wait=true, via the channel coreAdapter.EmitEvent
// registered.
func (s *Supervisor) notifyEventWaiters(ev *events.Event) {
	s.waitersMu.Lock()
	chans := s.eventWaiters[ev.ID]
	delete(s.eventWaiters, ev.ID)
	s.waitersMu.Unlock()

	result := control.EventResult{Failed: ev.Failed}
	for _, ch := range chans {
		ch <- result
		close(ch)
	}
}
