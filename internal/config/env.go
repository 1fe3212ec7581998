package config

import "os"

// envOverrides maps environment variables to DaemonConfig field setters,
// applied after file load so the environment always wins.
var envOverrides = []struct {
	envVar string
	apply  func(*DaemonConfig, string)
}{
	{
		envVar: "UINIT_JOB_DIR",
		apply: func(c *DaemonConfig, v string) {
			c.JobDir = v
		},
	},
	{
		envVar: "UINIT_STATE_PATH",
		apply: func(c *DaemonConfig, v string) {
			c.StatePath = v
		},
	},
	{
		envVar: "UINIT_LOG_LEVEL",
		apply: func(c *DaemonConfig, v string) {
			c.LogLevel = v
		},
	},
	{
		envVar: "UINIT_SOCKET_PATH",
		apply: func(c *DaemonConfig, v string) {
			c.SocketPath = v
		},
	},
	{
		// UPSTART_NO_SESSIONS, per the spec's External Interfaces: if set,
		// disable chroot session detection.
		envVar: "UPSTART_NO_SESSIONS",
		apply: func(c *DaemonConfig, v string) {
			c.NoSessions = true
		},
	},
}

// applyEnvOverrides modifies cfg in place with environment variable values.
func applyEnvOverrides(cfg *DaemonConfig) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
