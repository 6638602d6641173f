package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"reencoder/internal/api"
	"reencoder/internal/deps"
)

func newDepsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Check that the external tools are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			statuses := api.FromDependencies(deps.Check(cfg))
			if ctx.jsonOutput() {
				return writeJSON(cmd, statuses)
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			missing := 0
			for _, dep := range statuses {
				fmt.Fprintln(out, renderDependency(dep, colorize))
				if !dep.Available && !dep.Optional {
					missing++
				}
			}
			if missing > 0 {
				return errors.New("required dependencies are missing")
			}
			return nil
		},
	}
}
