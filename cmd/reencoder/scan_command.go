package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"reencoder/internal/api"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Walk the library roots and register new videos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Scan(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Found %d videos, %d new\n", resp.Found, resp.Added)
				return nil
			})
		},
	}
}
