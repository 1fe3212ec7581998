// Package events implements the Event Queue: a FIFO of pending events, each
// carrying a name, an environment vector, and a finite progress lifecycle
// (Pending -> Handling -> Finished). The queue itself does not know about
// operator trees; distribution is driven by the caller (the supervisor's
// main loop) via Queue.Pop and Event bookkeeping helpers.
package events

import (
	"fmt"
	"sync"
)

// Progress is an Event's position in its lifecycle.
type Progress int

const (
	Pending Progress = iota
	Handling
	Finished
)

func (p Progress) String() string {
	switch p {
	case Pending:
		return "pending"
	case Handling:
		return "handling"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// ID uniquely identifies one queued Event for the lifetime of the process.
type ID uint64

// Event is a single occurrence distributed against every class's start_on
// and stop_on trees. Name/Args/Env are immutable once queued; Progress,
// Failed and Blockers mutate as the main loop drains it.
type Event struct {
	ID   ID
	Name string
	Args []string
	Env  []string

	// SessionChroot/SessionUID record the chroot/uid context the event
	// was emitted in; HasSession is false when there is none. Distribution
	// does not filter on them: every event is offered to every class.
	SessionChroot string
	SessionUID    int
	HasSession    bool

	Progress Progress
	Failed   bool

	// Blockers is the count of Blocked records pointing at this event.
	// The blocking package's Graph does not update it: the supervisor
	// copies Graph.Count into it after Link and sets it to zero once
	// Unlink leaves no records (see internal/daemon).
	Blockers int

	// WaitFD is the file descriptor of the client that requested this event
	// with wait=true, or -1 if none. The core never inspects its
	// contents; it just needs to know the reply destination.
	WaitFD int
}

// NewEvent allocates a new Pending event with the given name/args/env.
func NewEvent(id ID, name string, args, env []string) *Event {
	return &Event{
		ID:       id,
		Name:     name,
		Args:     args,
		Env:      env,
		Progress: Pending,
		WaitFD:   -1,
	}
}

// EnvValue returns the value for key in the event's env vector.
func (e *Event) EnvValue(key string) (string, bool) {
	prefix := key + "="
	for _, kv := range e.Env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

func (e *Event) String() string {
	return fmt.Sprintf("Event(%d,%s,progress=%s,blockers=%d)", e.ID, e.Name, e.Progress, e.Blockers)
}

// Queue is the ordered sequence of pending events. It is a plain FIFO with
// an auxiliary index so in-flight (Handling) events can still be located
// by ID for blocker bookkeeping after they leave the queue proper.
type Queue struct {
	mu      sync.Mutex
	nextID  ID
	pending []*Event
	inFlight map[ID]*Event
}

// NewQueue creates an empty Event Queue.
func NewQueue() *Queue {
	return &Queue{
		nextID:   1,
		inFlight: make(map[ID]*Event),
	}
}

// Emit allocates a new Event, appends it to the tail of the queue and
// returns it. The event starts life Pending.
func (q *Queue) Emit(name string, args, env []string) *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev := NewEvent(q.nextID, name, args, env)
	q.nextID++
	q.pending = append(q.pending, ev)
	return ev
}

// Requeue re-inserts an event that was reconstructed from persisted state
// (re-exec), preserving its original ID so Blocked records referencing it
// by key stay valid. Advances nextID past it if necessary.
func (q *Queue) Requeue(ev *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ev.ID >= q.nextID {
		q.nextID = ev.ID + 1
	}
	switch ev.Progress {
	case Pending:
		q.pending = append(q.pending, ev)
	default:
		q.inFlight[ev.ID] = ev
	}
}

// Pop removes and returns the event at the head of the queue, moving it
// into the in-flight index under Handling progress. Returns nil if empty.
func (q *Queue) Pop() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	ev := q.pending[0]
	q.pending = q.pending[1:]
	ev.Progress = Handling
	q.inFlight[ev.ID] = ev
	return ev
}

// Len reports the number of events still Pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Lookup finds an in-flight or pending event by ID (used when resolving a
// Blocked(Event) record's target during graph bookkeeping).
func (q *Queue) Lookup(id ID) (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ev, ok := q.inFlight[id]; ok {
		return ev, true
	}
	for _, ev := range q.pending {
		if ev.ID == id {
			return ev, true
		}
	}
	return nil, false
}

// TryFinish marks an in-flight event Finished if its blocker count has
// reached zero, removing it from the in-flight index and returning it.
// Returns nil, false if the event is not yet eligible or not in-flight.
func (q *Queue) TryFinish(id ID) (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.inFlight[id]
	if !ok || ev.Progress != Handling || ev.Blockers > 0 {
		return nil, false
	}
	ev.Progress = Finished
	delete(q.inFlight, id)
	return ev, true
}

// InFlight returns a snapshot of every event currently Handling, for
// serialization.
func (q *Queue) InFlight() []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Event, 0, len(q.inFlight))
	for _, ev := range q.inFlight {
		out = append(out, ev)
	}
	return out
}

// PendingSnapshot returns a copy of the still-pending events in FIFO order,
// for serialization.
func (q *Queue) PendingSnapshot() []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Event, len(q.pending))
	copy(out, q.pending)
	return out
}
