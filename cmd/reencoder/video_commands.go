package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"reencoder/internal/api"
)

func newVideosCommand(ctx *commandContext) *cobra.Command {
	videosCmd := &cobra.Command{
		Use:     "videos",
		Aliases: []string{"video"},
		Short:   "Inspect and manage tracked videos",
	}
	videosCmd.AddCommand(newVideosListCommand(ctx))
	videosCmd.AddCommand(newVideosShowCommand(ctx))
	videosCmd.AddCommand(newVideosFailuresCommand(ctx))
	videosCmd.AddCommand(newVideoActionCommand(ctx, "requeue", "Return a failed or blocked video to analysis", (*api.Client).Requeue))
	videosCmd.AddCommand(newVideoActionCommand(ctx, "enqueue", "Move a video to the head of its stage", (*api.Client).Enqueue))
	return videosCmd
}

func newVideosListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List videos, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				videos, err := client.Videos(cmd.Context(), states, limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, videos)
				}
				out := cmd.OutOrStdout()
				if len(videos) == 0 {
					fmt.Fprintln(out, "No videos")
					return nil
				}
				rows := make([][]string, 0, len(videos))
				for _, v := range videos {
					rows = append(rows, []string{
						strconv.FormatInt(v.ID, 10),
						v.State,
						v.Resolution,
						formatBytes(v.Size),
						filepath.Base(v.Path),
					})
				}
				fmt.Fprintln(out, renderTable("", []string{"ID", "State", "Res", "Size", "File"}, rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft}))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Filter by state (repeatable or comma separated)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of videos to list")
	return cmd
}

func newVideosShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one video with its quality-search candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVideoID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Video(cmd.Context(), id)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderVideo(resp))
				return nil
			})
		},
	}
}

func renderVideo(resp *api.VideoResponse) string {
	v := resp.Video
	var b strings.Builder
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%-14s %s\n", label+":", value)
		}
	}
	field("ID", strconv.FormatInt(v.ID, 10))
	field("Path", v.Path)
	field("State", v.State)
	field("Title", v.Title)
	if v.Season > 0 {
		field("Season", strconv.Itoa(v.Season))
	}
	field("Size", formatBytes(v.Size))
	if v.Bitrate > 0 {
		field("Bitrate", fmt.Sprintf("%.2f Mb/s", float64(v.Bitrate)/1e6))
	}
	if v.Width > 0 {
		field("Video", fmt.Sprintf("%dx%d %s %s", v.Width, v.Height, strings.Join(v.VideoCodecs, ","), v.HDR))
	}
	if len(v.AudioCodecs) > 0 {
		audio := fmt.Sprintf("%s (max %d ch)", strings.Join(v.AudioCodecs, ","), v.MaxAudioChannels)
		if v.Atmos {
			audio += " atmos"
		}
		field("Audio", audio)
	}
	if v.Service != "" {
		field("Service", v.Service+" "+v.ServiceID)
	}
	field("Updated", v.UpdatedAt)

	if len(resp.Candidates) > 0 {
		rows := make([][]string, 0, len(resp.Candidates))
		for _, c := range resp.Candidates {
			chosen := ""
			if c.Chosen {
				chosen = "*"
			}
			rows = append(rows, []string{
				chosen,
				strconv.FormatFloat(c.CRF, 'f', -1, 64),
				strconv.FormatFloat(c.Score, 'f', 2, 64),
				formatBytes(c.PredictedSize),
				strconv.FormatFloat(c.Percent, 'f', 0, 64) + "%",
				c.Preset,
			})
		}
		b.WriteString(renderTable("Candidates", []string{"", "CRF", "Score", "Predicted", "Of source", "Preset"}, rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft}))
		b.WriteString("\n")
	}
	if f := resp.LatestFailure; f != nil {
		fmt.Fprintf(&b, "Last failure:  [%s/%s] %s (resolved: %s)\n", f.Stage, f.Category, f.Message, yesNo(f.Resolved))
	}
	return b.String()
}

func newVideosFailuresCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "failures <id>",
		Short: "Show the failure history of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVideoID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *api.Client) error {
				failures, err := client.Failures(cmd.Context(), id)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, failures)
				}
				out := cmd.OutOrStdout()
				if len(failures) == 0 {
					fmt.Fprintln(out, "No failures recorded")
					return nil
				}
				rows := make([][]string, 0, len(failures))
				for _, f := range failures {
					rows = append(rows, []string{f.CreatedAt, f.Stage, f.Category, f.Code, yesNo(f.Resolved), f.Message})
				}
				fmt.Fprintln(out, renderTable("", []string{"When", "Stage", "Category", "Code", "Resolved", "Message"}, rows, nil))
				return nil
			})
		},
	}
}

type videoAction func(*api.Client, context.Context, int64) (*api.ActionResponse, error)

func newVideoActionCommand(ctx *commandContext, use, short string, action videoAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVideoID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *api.Client) error {
				resp, err := action(client, cmd.Context(), id)
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

func parseVideoID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid video id %q", raw)
	}
	return id, nil
}
