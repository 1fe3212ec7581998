// Package daemon binds the Session Registry, Configuration Manager,
// Event Queue, Job Class/Instance Tables, Process Supervisor and Blocking
// Graph into the single-threaded Main Loop, replacing the scattered
// global state the source pattern used with one owned Supervisor
// aggregate (per the re-architecture guidance).
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/uinit/uinit/internal/blocking"
	"github.com/uinit/uinit/internal/classdef"
	"github.com/uinit/uinit/internal/config"
	"github.com/uinit/uinit/internal/control"
	"github.com/uinit/uinit/internal/events"
	"github.com/uinit/uinit/internal/job"
	"github.com/uinit/uinit/internal/process"
	"github.com/uinit/uinit/internal/session"
	"github.com/uinit/uinit/internal/state"
)

// classState bundles a class's InstanceTable with the class itself so
// the main loop can iterate classes and their instances together.
type classState struct {
	class     *classdef.Class
	instances *job.InstanceTable
}

// Supervisor is the single owned aggregate holding every subsystem; it is
// the only process-wide mutable state besides signal/child fd plumbing.
type Supervisor struct {
	cfg *config.DaemonConfig

	sessions   *session.Registry
	confMgr    *config.Manager
	queue      *events.Queue
	blockGraph *blocking.Graph
	classTable *job.ClassTable
	proc       *process.Supervisor
	pidFile    *PIDFile

	mu     sync.Mutex
	states map[*classdef.Class]*classState // covers visible + deleted-draining classes

	pidIndex map[int]pidOwner // reverse index: pid -> (classState,instance,slot)

	killTimers   map[string]*time.Timer // "class\x00instance" -> armed kill timer
	expectTimers map[string]*time.Timer // "class\x00instance" -> armed expect timeout

	controlSrv *control.Server

	subsMu sync.Mutex
	subs   []*subscriber

	waitersMu    sync.Mutex
	eventWaiters map[events.ID][]chan control.EventResult

	isPID1 bool

	reexecRequested bool
}

type pidOwner struct {
	cs           *classState
	instanceName string
	slot         classdef.ProcessKind
}

// NewSupervisor constructs a Supervisor from configuration. Parsing and
// config source registration is the caller's responsibility (typically
// cmd/uinit), since which sources exist is policy, not mechanism.
func NewSupervisor(cfg *config.DaemonConfig, parser config.Parser) (*Supervisor, error) {
	classTable := job.NewClassTable()
	confMgr, err := config.New(parser, classTable)
	if err != nil {
		return nil, err
	}

	sup := &Supervisor{
		cfg:        cfg,
		sessions:   session.NewRegistry(cfg.ConfDir),
		confMgr:    confMgr,
		queue:      events.NewQueue(),
		blockGraph: blocking.New(),
		classTable: classTable,
		proc:       process.New(),
		pidFile:    NewPIDFile(cfg.PidFile),
		states:     make(map[*classdef.Class]*classState),
		pidIndex:   make(map[int]pidOwner),
		killTimers:   make(map[string]*time.Timer),
		expectTimers: make(map[string]*time.Timer),
		eventWaiters: make(map[events.ID][]chan control.EventResult),
		isPID1:     os.Getpid() == 1,
	}
	return sup, nil
}

// Run executes the Main Loop until ctx is cancelled or a termination
// signal arrives. Each iteration: drain the event queue, advance jobs
// whose external input changed, complete drained events, reap zombies,
// service config-change notifications, poll the next-due timer.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.pidFile.Acquire(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	defer s.pidFile.Release()

	if s.cfg.SocketPath != "" {
		srv, err := control.Listen(s.cfg.SocketPath, (*coreAdapter)(s))
		if err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		s.controlSrv = srv
		go func() {
			if err := srv.Serve(); err != nil {
				log.Printf("control socket stopped: %v", err)
			}
		}()
		defer srv.Close()
	}

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	s.emitStartup()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(false)

		case sig := <-sigCh:
			if done, err := s.handleSignal(sig); done {
				return err
			}

		case fsEv, ok := <-s.confMgr.Events():
			if ok {
				s.handleConfigChange(fsEv.Name)
			}

		case <-ticker.C:
			s.tick()
		}

		if s.reexecRequested {
			return s.reexec()
		}
	}
}

// tick is one non-blocking main-loop pass: drain a batch of events, reap
// children, complete drained events.
func (s *Supervisor) tick() {
	for i := 0; i < 32; i++ {
		ev := s.queue.Pop()
		if ev == nil {
			break
		}
		s.distribute(ev)
	}

	for {
		exit, ok, err := s.proc.Reap()
		if err != nil {
			log.Printf("reap: %v", err)
			break
		}
		if !ok {
			break
		}
		s.handleChildExit(exit)
	}

	s.completeFinishedEvents()
}

func (s *Supervisor) handleSignal(sig os.Signal) (done bool, err error) {
	switch sig {
	case syscall.SIGCHLD:
		return false, nil
	case syscall.SIGHUP:
		if rerr := s.confMgr.Reload(nil); rerr != nil {
			log.Printf("reload: %v", rerr)
		}
		s.syncClassStates()
		return false, nil
	case syscall.SIGTERM, syscall.SIGINT:
		if s.isPID1 {
			s.emitRunlevel("")
			return false, nil
		}
		return true, s.shutdown(true)
	}
	return false, nil
}

func (s *Supervisor) emitStartup() {
	runlevel := os.Getenv("RUNLEVEL")
	prevlevel := os.Getenv("PREVLEVEL")
	s.queue.Emit("startup", nil, []string{"RUNLEVEL=" + runlevel, "PREVLEVEL=" + prevlevel})
}

func (s *Supervisor) emitRunlevel(target string) {
	s.queue.Emit("runlevel", []string{target}, nil)
}

// shutdown stops every running job's process group and releases
// resources. When invoked because of a fatal signal it still attempts a
// clean best-effort stop first.
func (s *Supervisor) shutdown(fromSignal bool) error {
	s.mu.Lock()
	var states []*classState
	for _, cs := range s.states {
		states = append(states, cs)
	}
	s.mu.Unlock()

	for _, cs := range states {
		for _, j := range cs.instances.List() {
			if j.Goal != job.GoalStop {
				s.requestGoal(cs, j, job.GoalStop)
			}
		}
	}
	return nil
}

// reexec serializes current state and writes the document to
// cfg.StatePath; Run returns its result. It does not exec a new copy of
// the binary and passes no state fd to one: nothing in this package or
// its callers performs the execve.
func (s *Supervisor) reexec() error {
	s.mu.Lock()
	instances := make(map[*classdef.Class][]*job.Job, len(s.states))
	for c, cs := range s.states {
		instances[c] = cs.instances.List()
	}
	s.mu.Unlock()

	snap := state.Snapshot{
		Sessions:   s.sessions,
		Queue:      s.queue,
		Blocking:   s.blockGraph,
		ClassTable: s.classTable,
		Instances:  instances,
	}
	doc, err := state.Serialize(snap)
	if err != nil {
		return fmt.Errorf("reexec: serialize: %w", err)
	}
	return writeStateDocument(s.cfg.StatePath, doc)
}

// RequestReexec is called by the control interface to schedule a re-exec
// on the next main-loop iteration.
func (s *Supervisor) RequestReexec() {
	s.reexecRequested = true
}

// Bootstrap registers the daemon's job-class directory as a Configuration
// Manager source and performs the first scan, populating the Job Class
// Table before Run starts the main loop. Callers that need additional
// sources (per-session overlays, a separate arbitrary-config directory)
// should call AddSource directly instead.
func (s *Supervisor) Bootstrap() error {
	s.confMgr.AddSource(s.cfg.JobDir, config.KindJobDir, s.sessions.Null())
	if err := s.confMgr.Reload(nil); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	s.syncClassStates()
	return nil
}
