package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolmux/toolmux/pkg/output"
	"github.com/toolmux/toolmux/pkg/state"
)

var statusName string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of gateways and upstreams",
	Long: `Displays recorded gateway instances and, for running ones, the
per-upstream connection status queried from the gateway API.

Use --name to filter by a specific gateway instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(statusName)
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusName, "name", "n", "", "Only show this gateway instance")
}

func runStatus(name string) error {
	printer := output.New()

	states, err := state.List()
	if err != nil && !os.IsNotExist(err) {
		printer.Warn("could not read state files", "error", err)
	}

	var filtered []state.GatewayState
	for _, st := range states {
		if name == "" || st.Name == name {
			filtered = append(filtered, st)
		}
	}
	if len(filtered) == 0 {
		printer.Info("No managed gateways found")
		return nil
	}

	var gateways []output.GatewaySummary
	for _, st := range filtered {
		status := "stopped"
		if state.IsRunning(&st) {
			status = "running"
		}
		gateways = append(gateways, output.GatewaySummary{
			Name:    st.Name,
			Listen:  st.Listen,
			PID:     st.PID,
			Status:  status,
			Started: formatDuration(time.Since(st.StartedAt)),
		})
	}
	printer.Gateways(gateways)

	for _, st := range filtered {
		if !state.IsRunning(&st) {
			continue
		}
		statuses, err := fetchServerStatuses(baseURL(st.Listen))
		if err != nil {
			printer.Warn("could not query gateway", "name", st.Name, "error", err)
			continue
		}
		printer.Upstreams(upstreamSummaries(statuses))
	}

	return nil
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	}
	return fmt.Sprintf("%d days ago", int(d.Hours()/24))
}
