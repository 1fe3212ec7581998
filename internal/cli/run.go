package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uinit/uinit/internal/config"
	"github.com/uinit/uinit/internal/daemon"
)

func (a *App) runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	sup, err := daemon.NewSupervisor(cfg, config.YAMLParser{})
	if err != nil {
		return fmt.Errorf("construct supervisor: %w", err)
	}

	if err := sup.Bootstrap(); err != nil {
		return err
	}

	return sup.Run(context.Background())
}
