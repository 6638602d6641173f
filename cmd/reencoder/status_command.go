package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"reencoder/internal/api"
	"reencoder/internal/store"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, stage and library status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, status)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderStatus(status, shouldColorize(cmd.OutOrStdout())))
				return nil
			})
		},
	}
}

func renderStatus(status *api.DaemonStatus, colorize bool) string {
	var b strings.Builder
	line := func(s string) { b.WriteString(s + "\n") }

	line(renderSectionHeader("Daemon", colorize))
	if status.Running {
		line(renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d)", status.PID), colorize))
	} else {
		line(renderStatusLine("Daemon", statusWarn, "stopped", colorize))
	}
	line(renderStatusLine("Database", statusInfo, status.DatabasePath, colorize))

	line("")
	line(renderSectionHeader("Stages", colorize))
	health := make(map[string]api.StageHealth, len(status.StageHealth))
	for _, h := range status.StageHealth {
		health[h.Name] = h
	}
	rows := make([][]string, 0, len(status.Stages))
	for _, s := range status.Stages {
		state := "running"
		if s.Paused {
			state = "paused"
		}
		ready := "yes"
		if h, ok := health[s.Name]; ok && !h.Ready {
			ready = "no: " + h.Detail
		}
		rows = append(rows, []string{
			s.Name,
			state,
			strconv.Itoa(s.Demand),
			strconv.Itoa(s.InFlight),
			strconv.Itoa(s.Manual),
			fmt.Sprintf("%d/%d", s.Active, s.Workers),
			ready,
		})
	}
	line(renderTable("", []string{"Stage", "State", "Demand", "In flight", "Manual", "Workers", "Ready"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft}))

	line("")
	line(renderSectionHeader("Videos", colorize))
	for _, s := range store.AllStates() {
		count := status.Counts[string(s)]
		kind := statusInfo
		switch {
		case s == store.StateFailed && count > 0:
			kind = statusError
		case s == store.StateEncoded:
			kind = statusOK
		}
		line(renderStatusLine(string(s), kind, strconv.Itoa(count), colorize))
	}

	line("")
	line(renderSectionHeader("Dependencies", colorize))
	for _, dep := range status.Dependencies {
		line(renderDependency(dep, colorize))
	}
	return b.String()
}

func renderDependency(dep api.DependencyStatus, colorize bool) string {
	switch {
	case dep.Available:
		return renderStatusLine(dep.Name, statusOK, dep.Command, colorize)
	case dep.Optional:
		return renderStatusLine(dep.Name, statusWarn, strings.TrimSpace(dep.Command+" "+dep.Detail), colorize)
	default:
		return renderStatusLine(dep.Name, statusError, strings.TrimSpace(dep.Command+" "+dep.Detail), colorize)
	}
}
