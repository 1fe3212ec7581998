package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uinit/uinit/internal/classdef"
	"github.com/uinit/uinit/internal/job"
)

// reapUntilState polls Reap like reapUntilDrained, but stops as soon as j
// reaches want (or the deadline passes) instead of draining for a fixed
// window -- needed here since the processes under expect tracking keep
// running (and would later exit and complete the job) well past the
// moment the expect condition itself is satisfied.
func reapUntilState(t *testing.T, s *Supervisor, j *job.Job, want job.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j.State == want {
			return
		}
		exit, ok, err := s.proc.Reap()
		require.NoError(t, err)
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		s.handleChildExit(exit)
	}
	require.Equal(t, want, j.State, "expect condition never satisfied")
}

// TestExpectStop_EndToEnd exercises expect=stop: the script raises SIGSTOP
// on itself, the reap loop observes the job-control stop (not an exit),
// advances Spawned->Running, and the supervisor's SIGCONT lets the script
// carry on to its own exit.
func TestExpectStop_EndToEnd(t *testing.T) {
	s := newTestSupervisor()
	c := &classdef.Class{Name: "svc", Expect: classdef.ExpectStop}
	c.Processes[classdef.Main] = &classdef.Process{
		Kind: classdef.Main, IsScript: true,
		Command: "kill -STOP $$\nexit 0\n",
	}
	cs := s.addClass(c)

	j, _ := cs.instances.GetOrCreate("", c)
	tr, _ := j.EnterStarting()
	require.NotNil(t, tr.Spawn)
	s.spawnNext(cs, j, *tr.Spawn)
	require.NotZero(t, j.Pid[classdef.Main])

	reapUntilState(t, s, j, job.Running)
	assert.Equal(t, job.Running, j.State)
}

// TestExpectFork_EndToEnd exercises expect=fork via ptrace: the script
// backgrounds one child and exits; the supervisor seizes the main pid,
// observes one PTRACE_EVENT_FORK, and advances Spawned->Running.
func TestExpectFork_EndToEnd(t *testing.T) {
	s := newTestSupervisor()
	c := &classdef.Class{Name: "svc", Expect: classdef.ExpectFork}
	c.Processes[classdef.Main] = &classdef.Process{
		Kind: classdef.Main, IsScript: true,
		Command: "sleep 0.2 &\nexit 0\n",
	}
	cs := s.addClass(c)

	j, _ := cs.instances.GetOrCreate("", c)
	tr, _ := j.EnterStarting()
	s.spawnNext(cs, j, *tr.Spawn)
	require.NotZero(t, j.Pid[classdef.Main])

	reapUntilState(t, s, j, job.Running)
	assert.Equal(t, job.Running, j.State)
	assert.Equal(t, 1, j.TraceForks)
}

// TestExpectDaemon_EndToEnd exercises expect=daemon via ptrace against the
// classic double-fork idiom: the script forks a subshell which itself
// forks the surviving daemon before both ancestors exit. The supervisor
// re-targets tracking to the subshell after the first fork event so the
// second is observed too.
func TestExpectDaemon_EndToEnd(t *testing.T) {
	s := newTestSupervisor()
	c := &classdef.Class{Name: "svc", Expect: classdef.ExpectDaemon}
	c.Processes[classdef.Main] = &classdef.Process{
		Kind: classdef.Main, IsScript: true,
		Command: "(sleep 0.2 &)\nexit 0\n",
	}
	cs := s.addClass(c)

	j, _ := cs.instances.GetOrCreate("", c)
	tr, _ := j.EnterStarting()
	s.spawnNext(cs, j, *tr.Spawn)
	require.NotZero(t, j.Pid[classdef.Main])

	reapUntilState(t, s, j, job.Running)
	assert.Equal(t, job.Running, j.State)
	assert.Equal(t, 2, j.TraceForks)
}

// TestExpectTimeout_FailsJobThatNeverSignalsReady verifies the expect
// deadline: a class configured to expect a trace event that never comes
// must eventually fail rather than hang in Spawned forever. Exercised
// directly against the state machine since waiting out the real timer
// here would make the suite slow.
func TestExpectTimeout_FailsJobThatNeverSignalsReady(t *testing.T) {
	c := &classdef.Class{Name: "svc", Expect: classdef.ExpectFork}
	c.Processes[classdef.Main] = &classdef.Process{Kind: classdef.Main, Command: "/bin/sleep 5"}
	j := job.New("", c)
	tr, ok := j.EnterStarting()
	require.True(t, ok)
	require.NotNil(t, tr.Spawn)

	tr, ok = j.MarkMainSpawned()
	require.True(t, ok)
	require.True(t, tr.ArmExpect)

	tr, ok = j.Advance(job.Input{Kind: job.InputTimerExpiry, TimerKind: job.TimerExpect})
	require.True(t, ok)
	assert.Equal(t, job.Stopping, tr.To)
	assert.True(t, j.Failed)
}
