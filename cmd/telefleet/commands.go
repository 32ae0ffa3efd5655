package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danhigham/telefleet/internal/command"
	"github.com/danhigham/telefleet/internal/logging"
	"github.com/danhigham/telefleet/internal/ui"
)

func newCommandsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Load the command directory and list what it registers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.Commands.Dir
			}

			// invalid modules are reported on stderr
			logger, err := logging.New("warn", "")
			if err != nil {
				return err
			}
			defer logger.Sync()

			registry := command.NewRegistry(logger)
			if _, err := registry.Load(dir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.CommandTable(registry.List()))
			return nil
		},
	}
	cmd.Flags().String("dir", "", "Command directory (defaults to commands.dir).")
	return cmd
}
