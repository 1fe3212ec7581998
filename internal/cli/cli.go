// Package cli wires the supervisor's command-line entrypoint: flag
// parsing and component construction live here so cmd/uinit/main.go stays
// a one-line launcher.
package cli

import (
	"github.com/spf13/cobra"
)

// App is the uinit command-line application.
type App struct {
	rootCmd *cobra.Command

	configPath string
	foreground bool

	version, commit, date string
}

// New creates the uinit CLI application.
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string the version command reports.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "uinit",
		Short: "Event-driven init daemon",
		Long: `uinit supervises job classes declared under a configuration root,
starting and stopping instances in response to boolean event trees and
reporting process lifecycle transitions over a control socket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          a.runSupervisor,
	}

	a.rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"path to the daemon bootstrap configuration (YAML)")
	a.rootCmd.PersistentFlags().BoolVar(&a.foreground, "foreground", false,
		"run without detaching (always true; retained for upstart-compatible invocation)")

	a.rootCmd.AddCommand(a.newVersionCmd())
	a.rootCmd.AddCommand(a.newReexecCmd())
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("uinit %s (commit %s, built %s)\n", a.version, a.commit, a.date)
			return nil
		},
	}
}
