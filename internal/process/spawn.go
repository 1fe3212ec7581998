// Package process implements the Process Supervisor: it turns a classdef
// process slot into a running child, reaps its exit, and translates POSIX
// wait status into the job state machine's ChildExit input.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/uinit/uinit/internal/classdef"
)

// Spec describes everything needed to spawn one process slot. It is built
// by the caller from a classdef.Class plus the firing Job's environment;
// this package does not know about classdef.Class directly so it can be
// exercised without a full class definition in tests.
type Spec struct {
	Kind     classdef.ProcessKind
	Command  string
	IsScript bool

	Env []string

	Chroot string
	Chdir  string

	Console classdef.ConsoleMode
	LogPath string

	Rlimits [16]*classdef.Rlimit
	Umask   int
	Nice    int
	OomAdj  int

	Setuid string
	Setgid string

	// ApparmorProfile, if non-empty, is written to /proc/<pid>/attr/exec
	// by applyPostFork after Start returns, which can be after the child
	// has already called execve. Applying an AppArmor profile has no portable Go stdlib or
	// ecosystem-library equivalent in this pack; see the process
	// supervisor entry in DESIGN.md for why this is a direct syscall.
	ApparmorProfile string
}

// Handle is a spawned process the Supervisor is tracking.
type Handle struct {
	Kind classdef.ProcessKind
	Pid  int
	cmd  *exec.Cmd
}

// Supervisor spawns and reaps job processes. It holds no state of its own
// beyond what's needed to translate a pid back to the Kind it was spawned
// for; the pid->Job mapping lives in the caller (internal/daemon), which
// is the "one owner per pid" reverse index the concurrency model calls
// for.
type Supervisor struct{}

// New creates a Process Supervisor.
func New() *Supervisor { return &Supervisor{} }

// Spawn forks and execs one process slot: setsid, chroot, chdir,
// setgid/setuid and console wiring are set up before execve; rlimits,
// nice, oom_adj and the apparmor profile are applied to the child after
// Start returns (see applyPostFork). Spec.Umask is not applied. Script
// slots wrap `/bin/sh -e`, feeding Command on stdin.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	argv0, argv, err := resolveArgv(spec)
	if err != nil {
		return nil, fmt.Errorf("process spawn: %w", err)
	}

	cmd := exec.Command(argv0, argv[1:]...)
	cmd.Env = spec.Env
	if spec.Chdir != "" {
		cmd.Dir = spec.Chdir
	}

	attr := &syscall.SysProcAttr{Setsid: true}
	if spec.Chroot != "" {
		attr.Chroot = spec.Chroot
	}
	if spec.Setuid != "" || spec.Setgid != "" {
		cred, err := lookupCredential(spec.Setuid, spec.Setgid)
		if err != nil {
			return nil, err
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	stdin, stdout, stderr, err := openConsole(spec)
	if err != nil {
		return nil, err
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	if spec.IsScript {
		cmd.Stdin = nil
		r, w, perr := os.Pipe()
		if perr != nil {
			return nil, fmt.Errorf("process spawn: script pipe: %w", perr)
		}
		cmd.Stdin = r
		go func() {
			defer w.Close()
			w.WriteString(spec.Command)
		}()
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Kind: spec.Kind, Err: err}
	}

	if err := applyPostFork(cmd.Process.Pid, spec); err != nil {
		cmd.Process.Kill()
		return nil, &SpawnError{Kind: spec.Kind, Err: err}
	}

	return &Handle{Kind: spec.Kind, Pid: cmd.Process.Pid, cmd: cmd}, nil
}

// SpawnError wraps a fork/exec failure with the slot it occurred for, so
// the caller can synthesize a child_exit input per spec (exec failure is
// treated as a failed process, not a supervisor crash).
type SpawnError struct {
	Kind classdef.ProcessKind
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func resolveArgv(spec Spec) (string, []string, error) {
	if spec.IsScript {
		return "/bin/sh", []string{"/bin/sh", "-e"}, nil
	}
	argv, err := splitCommand(spec.Command)
	if err != nil {
		return "", nil, err
	}
	if len(argv) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		path = argv[0]
	}
	return path, argv, nil
}

// ChildExit is the wait-status translation the Supervisor hands back to
// the job state machine after a SIGCHLD reap. Exactly one of (a normal
// exit/signal), Traced or Stopped describes what happened.
type ChildExit struct {
	Pid      int
	Status   int
	BySignal bool

	// Traced reports a ptrace fork/vfork event on a pid being tracked for
	// expect=fork/daemon. ForkedPid carries the new child's pid (via
	// PTRACE_GETEVENTMSG) when the event was specifically a fork/vfork;
	// it is 0 for any other ptrace-stop on a traced pid.
	Traced    bool
	ForkedPid int

	// Stopped reports a plain (non-ptrace) job-control stop, i.e. the
	// child raised SIGSTOP on itself -- the signal expect=stop waits for.
	Stopped bool
}

// Reap performs one non-blocking wait4(-1, WNOHANG|WUNTRACED) and
// translates the result, or returns ok=false if no child had a status
// change. The main loop calls this on every tick until it returns
// ok=false. WUNTRACED is required both to observe expect=stop's
// SIGSTOP and because ptrace event-stops (expect=fork/daemon) are
// reported the same way.
func (s *Supervisor) Reap() (ChildExit, bool, error) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WUNTRACED, nil)
	if err != nil {
		if err == unix.ECHILD {
			return ChildExit{}, false, nil
		}
		return ChildExit{}, false, err
	}
	if pid <= 0 {
		return ChildExit{}, false, nil
	}
	ce := ChildExit{Pid: pid}
	switch {
	case ws.Exited():
		ce.Status = ws.ExitStatus()
	case ws.Signaled():
		ce.BySignal = true
		ce.Status = int(ws.Signal())
	case ws.Stopped():
		if ws.StopSignal() == syscall.SIGTRAP {
			ce.Traced = true
			switch ws.TrapCause() {
			case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
				if msg, merr := unix.PtraceGetEventMsg(pid); merr == nil {
					ce.ForkedPid = int(msg)
				}
			}
		} else {
			ce.Stopped = true
		}
	default:
		// Continued() or an unrecognized status: nothing for the caller
		// to act on.
		return ChildExit{}, false, nil
	}
	return ce, true, nil
}

// Signal sends sig to the process group rooted at pid (the whole group,
// since Spawn always calls Setsid so pid==pgid).
func (s *Supervisor) Signal(pid, sig int) error {
	return syscall.Kill(-pid, syscall.Signal(sig))
}

// Seize begins ptrace tracking of pid without stopping it (PTRACE_SEIZE),
// arranging for its forks and vforks to report as trace events via Reap
// instead of spawning untracked grandchildren. Used for expect=fork and
// expect=daemon, which learn readiness by counting fork events.
func (s *Supervisor) Seize(pid int) error {
	if err := unix.PtraceSeize(pid); err != nil {
		return fmt.Errorf("ptrace seize %d: %w", pid, err)
	}
	opts := unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK
	if err := unix.PtraceSetOptions(pid, opts); err != nil {
		return fmt.Errorf("ptrace setoptions %d: %w", pid, err)
	}
	return nil
}

// ContinueTrace resumes a pid that stopped for a ptrace event, leaving
// its trace options (and thus further fork reporting) intact.
func (s *Supervisor) ContinueTrace(pid int) error {
	return unix.PtraceCont(pid, 0)
}

// Continue sends SIGCONT to a pid that stopped itself (expect=stop), or
// to any other unexpectedly job-control-stopped child so it is never
// left wedged.
func (s *Supervisor) Continue(pid int) error {
	return syscall.Kill(pid, syscall.SIGCONT)
}
