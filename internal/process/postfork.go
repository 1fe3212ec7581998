package process

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// rlimitIndex maps classdef.Class.Rlimits slot index to the corresponding
// RLIMIT_* constant, in the conventional Linux numbering the spec's
// rlimits[16] array follows.
var rlimitIndex = [16]int{
	unix.RLIMIT_CPU, unix.RLIMIT_FSIZE, unix.RLIMIT_DATA, unix.RLIMIT_STACK,
	unix.RLIMIT_CORE, unix.RLIMIT_RSS, unix.RLIMIT_NPROC, unix.RLIMIT_NOFILE,
	unix.RLIMIT_MEMLOCK, unix.RLIMIT_AS, unix.RLIMIT_LOCKS, unix.RLIMIT_SIGPENDING,
	unix.RLIMIT_MSGQUEUE, unix.RLIMIT_NICE, unix.RLIMIT_RTPRIO, unix.RLIMIT_RTTIME,
}

// applyPostFork applies the resource/identity adjustments the process
// slot execution contract requires after Start() returns but before the
// child has necessarily finished execve. Go's os/exec does not expose a
// pre-exec hook in the child, so rlimits/nice/oom_adj here are applied
// to the already-running child pid via /proc and prlimit(2) equivalents
// rather than inside the forked child itself. Spec.Umask is not applied
// here or anywhere else; setsid/chroot/
// setuid/setgid are applied via SysProcAttr before Start (see Spawn) since
// those must take effect before the new program's first instruction.
func applyPostFork(pid int, spec Spec) error {
	for i, rl := range spec.Rlimits {
		if rl == nil {
			continue
		}
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Prlimit(pid, rlimitIndex[i], &lim, nil); err != nil {
			return fmt.Errorf("setrlimit[%d]: %w", i, err)
		}
	}
	if spec.Nice != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, pid, spec.Nice); err != nil {
			return fmt.Errorf("setpriority: %w", err)
		}
	}
	if spec.OomAdj != 0 {
		if err := writeOomScoreAdj(pid, spec.OomAdj); err != nil {
			return fmt.Errorf("oom_score_adj: %w", err)
		}
	}
	if spec.ApparmorProfile != "" {
		if err := switchApparmorProfile(pid, spec.ApparmorProfile); err != nil {
			return fmt.Errorf("apparmor: %w", err)
		}
	}
	return nil
}

func writeOomScoreAdj(pid, adj int) error {
	fd, err := syscall.Open(fmt.Sprintf("/proc/%d/oom_score_adj", pid), syscall.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer syscall.Close(fd)
	_, err = syscall.Write(fd, []byte(strconv.Itoa(adj)))
	return err
}

// switchApparmorProfile writes to /proc/<pid>/attr/exec, the kernel
// interface for changing the profile a not-yet-exec'd process will run
// under. No library in the pack wraps AppArmor's procfs protocol; see
// DESIGN.md.
func switchApparmorProfile(pid int, profile string) error {
	fd, err := syscall.Open(fmt.Sprintf("/proc/%d/attr/exec", pid), syscall.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer syscall.Close(fd)
	_, err = syscall.Write(fd, []byte("exec "+profile))
	return err
}

// lookupCredential resolves setuid/setgid names (or numeric strings) into
// a syscall.Credential for SysProcAttr.
func lookupCredential(setuid, setgid string) (*syscall.Credential, error) {
	cred := &syscall.Credential{}
	if setuid != "" {
		uid, err := resolveID(setuid, false)
		if err != nil {
			return nil, err
		}
		cred.Uid = uint32(uid)
	}
	if setgid != "" {
		gid, err := resolveID(setgid, true)
		if err != nil {
			return nil, err
		}
		cred.Gid = uint32(gid)
	}
	return cred, nil
}

func resolveID(name string, group bool) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	if group {
		g, err := user.LookupGroup(name)
		if err != nil {
			return 0, err
		}
		return strconv.Atoi(g.Gid)
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

// splitCommand tokenizes a class's `exec` command line using simple shell
// word-splitting (no expansion): the external stanza parser is
// responsible for any quoting/escaping semantics, so by the time a
// command reaches here it is already a clean argv in string form
// separated by whitespace.
func splitCommand(command string) ([]string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return fields, nil
}
