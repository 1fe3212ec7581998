package job

import (
	"fmt"
	"sync"

	"github.com/uinit/uinit/internal/classdef"
)

// classEntry tracks one source's contribution to a class name, ordered by
// the priority its owning source was registered at (lower index wins).
type classEntry struct {
	sourcePriority int
	class          *classdef.Class
}

// ClassTable maps a class name to its currently-visible Job Class
// Definition, chosen by priority among the config sources that define it.
// Superseded classes stay addressable (via the instance table they still
// own instances in) until freed.
type ClassTable struct {
	mu      sync.RWMutex
	entries map[string][]*classEntry // all contributing entries, sorted by priority
}

// NewClassTable creates an empty Job Class Table.
func NewClassTable() *ClassTable {
	return &ClassTable{entries: make(map[string][]*classEntry)}
}

// Install registers (or replaces) the class contributed by sourcePriority
// for its name. If a class already exists at the same priority, it is
// marked deleted per the reload invariant: the old class stays reachable
// until its instances drain; the new one becomes visible immediately if
// it is the highest-priority (lowest sourcePriority) entry.
func (t *ClassTable) Install(sourcePriority int, c *classdef.Class) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.entries[c.Name]
	for i, e := range list {
		if e.sourcePriority == sourcePriority {
			e.class.MarkDeleted()
			list[i] = &classEntry{sourcePriority: sourcePriority, class: c}
			t.entries[c.Name] = list
			return
		}
	}
	list = append(list, &classEntry{sourcePriority: sourcePriority, class: c})
	sortEntries(list)
	t.entries[c.Name] = list
}

func sortEntries(list []*classEntry) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].sourcePriority < list[j-1].sourcePriority; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}

// Remove marks the class contributed by sourcePriority for name as
// deleted (its file disappeared on reload). It remains in the table,
// addressable, until the caller calls Prune once its instances drain.
func (t *ClassTable) Remove(name string, sourcePriority int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries[name] {
		if e.sourcePriority == sourcePriority {
			e.class.MarkDeleted()
		}
	}
}

// Select returns the currently-visible (highest priority, non-deleted)
// class for name, or nil if none visible. A deleted class is never
// visible even if no replacement exists yet (select_job).
func (t *ClassTable) Select(name string) *classdef.Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries[name] {
		if !e.class.Deleted() {
			return e.class
		}
	}
	return nil
}

// All returns every distinct class currently installed (visible or
// deleted-but-pending-free), for event distribution, which must still
// offer events to deleted classes' stop_on trees so their last instances
// can drain.
func (t *ClassTable) All() []*classdef.Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*classdef.Class
	for _, list := range t.entries {
		for _, e := range list {
			out = append(out, e.class)
		}
	}
	return out
}

// Prune drops a deleted class from the table entirely. Callers must only
// call this once the class's instance table is empty.
func (t *ClassTable) Prune(c *classdef.Class) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.entries[c.Name]
	for i, e := range list {
		if e.class == c {
			t.entries[c.Name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.entries[c.Name]) == 0 {
		delete(t.entries, c.Name)
	}
}

// InstanceTable is the per-class instance-name -> Job map. One exists per
// Class (addressed here by pointer identity, since a deleted class keeps
// its own table alive until it drains).
type InstanceTable struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewInstanceTable creates an empty Job Instance Table.
func NewInstanceTable() *InstanceTable {
	return &InstanceTable{jobs: make(map[string]*Job)}
}

// GetOrCreate returns the Job for instance name, creating a fresh Waiting
// one from class c if it does not exist.
func (t *InstanceTable) GetOrCreate(name string, c *classdef.Class) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[name]; ok {
		return j, false
	}
	j := New(name, c)
	t.jobs[name] = j
	return j, true
}

// Get looks up an instance by name.
func (t *InstanceTable) Get(name string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[name]
	return j, ok
}

// Delete removes an instance. Caller must have already verified
// j.IsWaitingStop().
func (t *InstanceTable) Delete(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, name)
}

// Len reports the number of live instances.
func (t *InstanceTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// List returns every live instance.
func (t *InstanceTable) List() []*Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j)
	}
	return out
}

// ErrAlreadyStarted is returned by single-instance start requests when the
// "" instance is already running.
var ErrAlreadyStarted = fmt.Errorf("instance already started")

// ErrAlreadyStopped is returned when a stop is requested on an instance
// already at (Stop,Waiting) or not found.
var ErrAlreadyStopped = fmt.Errorf("instance already stopped")
