package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolmux/toolmux/pkg/output"
	"github.com/toolmux/toolmux/pkg/state"
)

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a running gateway",
	Long: `Stops the named gateway daemon: SIGTERM first, SIGKILL if it does
not exit within five seconds. The state file is removed either way.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(args[0])
	},
}

func runStop(name string) error {
	printer := output.New()

	st, err := state.Load(name)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no gateway named '%s' found", name)
		}
		return fmt.Errorf("reading state: %w", err)
	}

	if !state.IsRunning(st) {
		printer.Info("Gateway not running, cleaning up state", "name", name)
		return state.Delete(name)
	}

	printer.Info("Stopping gateway", "name", name, "pid", st.PID)
	if err := state.Stop(st); err != nil {
		return err
	}
	// The daemon deletes its own state on graceful shutdown; this covers
	// the SIGKILL path.
	_ = state.Delete(name)
	printer.Info("Stopped", "name", name)
	return nil
}
