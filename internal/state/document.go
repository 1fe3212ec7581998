// Package state implements the State Serializer: encoding the entire live
// core graph to a JSON document for re-exec hand-off, and decoding it back
// while tolerating older document schemas per the forward-compatibility
// rules in the spec's External Interfaces section.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uinit/uinit/internal/blocking"
	"github.com/uinit/uinit/internal/classdef"
	"github.com/uinit/uinit/internal/events"
	"github.com/uinit/uinit/internal/job"
	"github.com/uinit/uinit/internal/session"
)

// Document is the top-level persisted-state schema. Every field is
// optional on decode: an absent key is treated as empty, per the
// forward-compatibility contract.
type Document struct {
	Sessions       []SessionDoc `json:"sessions,omitempty"`
	Events         []EventDoc   `json:"events,omitempty"`
	ConfSources    []SourceDoc  `json:"conf_sources,omitempty"`
	JobClasses     []ClassDoc   `json:"job_classes,omitempty"`
	JobEnvironment []string     `json:"job_environment,omitempty"`
}

// SessionDoc mirrors session.Session.
type SessionDoc struct {
	Chroot   string `json:"chroot,omitempty"`
	UID      int    `json:"uid"`
	ConfPath string `json:"conf_path,omitempty"`
}

// EventDoc mirrors events.Event plus its blocking-graph edges.
type EventDoc struct {
	ID       uint64   `json:"id"`
	Name     string   `json:"name"`
	Args     []string `json:"args,omitempty"`
	Env      []string `json:"env,omitempty"`
	Progress string   `json:"progress,omitempty"`
	Failed   bool     `json:"failed,omitempty"`

	SessionChroot string `json:"session_chroot,omitempty"`
	SessionUID    int    `json:"session_uid,omitempty"`
	HasSession    bool   `json:"has_session,omitempty"`
}

// SourceDoc mirrors config.Source identity (not its in-memory file map,
// which is rebuilt by the next reload after re-exec).
type SourceDoc struct {
	Path       string      `json:"path"`
	Kind       string      `json:"kind,omitempty"`
	Priority   int         `json:"priority"`
	Session    *SessionDoc `json:"session,omitempty"`
	ReloadFlag uint64      `json:"reload_flag,omitempty"`
}

// ClassDoc mirrors classdef.Class plus its live instances.
type ClassDoc struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	SessionChroot string `json:"session_chroot,omitempty"`
	SessionUID    int    `json:"session_uid,omitempty"`

	// StartOn/StopOn accept either a collapsed string (older schema) or
	// an array-serialized operator tree (newer); see operator_codec.go.
	StartOn json.RawMessage `json:"start_on,omitempty"`
	StopOn  json.RawMessage `json:"stop_on,omitempty"`

	Respawn         bool   `json:"respawn,omitempty"`
	RespawnLimit    int    `json:"respawn_limit,omitempty"`
	RespawnInterval string `json:"respawn_interval,omitempty"`

	Deleted bool `json:"deleted,omitempty"`

	Instances []JobDoc `json:"instances,omitempty"`
}

// JobDoc mirrors job.Job.
type JobDoc struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Goal  string `json:"goal"`
	State string `json:"state"`

	Env []string `json:"env,omitempty"`

	Pid [6]int `json:"pid,omitempty"`

	Failed        bool   `json:"failed,omitempty"`
	FailedProcess int    `json:"failed_process,omitempty"`
	ExitStatus    int    `json:"exit_status,omitempty"`
	ExitBySignal  bool   `json:"exit_by_signal,omitempty"`
	RespawnCount  int    `json:"respawn_count,omitempty"`
}

// Snapshot is the set of live in-memory roots the serializer walks. The
// supervisor builds one of these from its own fields at re-exec time.
// Instances is keyed by class pointer identity since the serializer has
// no other stable handle on a class's Job Instance Table, which the
// supervisor (not the Job Class Table) owns.
type Snapshot struct {
	Sessions    *session.Registry
	Queue       *events.Queue
	Blocking    *blocking.Graph
	ClassTable  *job.ClassTable
	Instances   map[*classdef.Class][]*job.Job
	Environment []string
}

// Serialize walks snap and produces a Document. Cross-references are not
// followed by pointer: everything is keyed by stable identity (session
// (chroot,uid), event id, class name, instance name). The Blocked records
// in snap.Blocking are not written to the document.
func Serialize(snap Snapshot) (*Document, error) {
	doc := &Document{JobEnvironment: snap.Environment}

	for _, s := range snap.Sessions.List() {
		doc.Sessions = append(doc.Sessions, SessionDoc{Chroot: s.Chroot, UID: s.UID, ConfPath: s.ConfPath})
	}

	for _, ev := range snap.Queue.PendingSnapshot() {
		doc.Events = append(doc.Events, toEventDoc(ev))
	}
	for _, ev := range snap.Queue.InFlight() {
		doc.Events = append(doc.Events, toEventDoc(ev))
	}

	for _, c := range snap.ClassTable.All() {
		cd := ClassDoc{
			Name:          c.Name,
			Description:   c.Description,
			SessionChroot: c.SessionChroot,
			SessionUID:    c.SessionUID,
			Respawn:       c.Respawn,
			RespawnLimit:  c.RespawnLimit,
			RespawnInterval: c.RespawnInterval.String(),
			Deleted:       c.Deleted(),
		}
		if tree, err := encodeOperatorTree(c.StartOn); err == nil {
			cd.StartOn = tree
		}
		if tree, err := encodeOperatorTree(c.StopOn); err == nil {
			cd.StopOn = tree
		}
		for _, j := range snap.Instances[c] {
			cd.Instances = append(cd.Instances, toJobDoc(j))
		}
		doc.JobClasses = append(doc.JobClasses, cd)
	}

	return doc, nil
}

func toJobDoc(j *job.Job) JobDoc {
	return JobDoc{
		ID:            j.ID.String(),
		Name:          j.Name,
		Goal:          j.Goal.String(),
		State:         j.State.String(),
		Env:           j.Env,
		Pid:           j.Pid,
		Failed:        j.Failed,
		FailedProcess: int(j.FailedProcess),
		ExitStatus:    j.ExitStatus,
		ExitBySignal:  j.ExitBySignal,
		RespawnCount:  j.RespawnCount,
	}
}

func toEventDoc(ev *events.Event) EventDoc {
	return EventDoc{
		ID:            uint64(ev.ID),
		Name:          ev.Name,
		Args:          ev.Args,
		Env:           ev.Env,
		Progress:      ev.Progress.String(),
		Failed:        ev.Failed,
		SessionChroot: ev.SessionChroot,
		SessionUID:    ev.SessionUID,
		HasSession:    ev.HasSession,
	}
}

// Deserialize reconstructs sessions, events and job classes into the
// provided (already-constructed, empty) registries. A JobClass whose
// session cannot be resolved in the registry is dropped. The instances
// listed under each class are not restored, and no blocking-graph edges
// are rebuilt.
func Deserialize(doc *Document, sessions *session.Registry, queue *events.Queue, table *job.ClassTable, parseOperatorTree func(json.RawMessage) (*classdef.OperatorNode, error)) error {
	for _, sd := range doc.Sessions {
		sessions.GetOrCreate(sd.Chroot, sd.UID, sd.ConfPath)
	}

	for _, ed := range doc.Events {
		ev := events.NewEvent(events.ID(ed.ID), ed.Name, ed.Args, ed.Env)
		ev.Progress = progressFromString(ed.Progress)
		ev.Failed = ed.Failed
		ev.SessionChroot = ed.SessionChroot
		ev.SessionUID = ed.SessionUID
		ev.HasSession = ed.HasSession
		queue.Requeue(ev)
	}

	for _, cd := range doc.JobClasses {
		if cd.SessionChroot != "" || cd.SessionUID != 0 {
			if _, err := sessions.Resolve(session.Key{Chroot: cd.SessionChroot, UID: cd.SessionUID}); err != nil {
				continue
			}
		}
		c := &classdef.Class{
			Name:          cd.Name,
			Description:   cd.Description,
			SessionChroot: cd.SessionChroot,
			SessionUID:    cd.SessionUID,
			Respawn:       cd.Respawn,
			RespawnLimit:  cd.RespawnLimit,
		}
		if d, err := time.ParseDuration(cd.RespawnInterval); err == nil {
			c.RespawnInterval = d
		}
		if parseOperatorTree != nil {
			if tree, err := parseOperatorTree(cd.StartOn); err == nil {
				c.StartOn = tree
			}
			if tree, err := parseOperatorTree(cd.StopOn); err == nil {
				c.StopOn = tree
			}
		}
		if cd.Deleted {
			c.MarkDeleted()
		}
		table.Install(0, c)
	}

	return nil
}

func progressFromString(s string) events.Progress {
	switch s {
	case "handling":
		return events.Handling
	case "finished":
		return events.Finished
	default:
		return events.Pending
	}
}

// encodeOperatorTree serializes an operator tree as an array-form
// document: ["and"|"or", children...] or ["match", name, args, env] for
// leaves. Older documents instead carry a collapsed string, which
// DecodeOperatorTree (or another caller-supplied parseOperatorTree) may
// choose to interpret via the external stanza parser.
func encodeOperatorTree(n *classdef.OperatorNode) (json.RawMessage, error) {
	if n == nil {
		return nil, nil
	}
	v, err := operatorToValue(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func operatorToValue(n *classdef.OperatorNode) (any, error) {
	switch n.Kind {
	case classdef.OpAnd, classdef.OpOr:
		op := "and"
		if n.Kind == classdef.OpOr {
			op = "or"
		}
		out := []any{op}
		for _, c := range n.Children {
			v, err := operatorToValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case classdef.OpMatch:
		return []any{"match", n.Matcher.Name, n.Matcher.Args, n.Matcher.Env}, nil
	default:
		return nil, fmt.Errorf("unknown operator kind %d", n.Kind)
	}
}
