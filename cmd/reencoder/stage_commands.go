package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"reencoder/internal/api"
)

func newStageCommand(ctx *commandContext) *cobra.Command {
	stageCmd := &cobra.Command{
		Use:   "stage",
		Short: "Pause or resume pipeline stages",
	}
	stageCmd.AddCommand(newStageActionCommand(ctx, "pause", "Stop dispatching new work to a stage", (*api.Client).PauseStage))
	stageCmd.AddCommand(newStageActionCommand(ctx, "resume", "Resume dispatching work to a stage", (*api.Client).ResumeStage))
	return stageCmd
}

type stageAction func(*api.Client, context.Context, string) (*api.ActionResponse, error)

func newStageActionCommand(ctx *commandContext, use, short string, action stageAction) *cobra.Command {
	return &cobra.Command{
		Use:       use + " <analysis|crf_search|encode>",
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"analysis", "crf_search", "encode"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := action(client, cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}
}
