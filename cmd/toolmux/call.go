package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolmux/toolmux/pkg/mcp"
)

var (
	callAddr string
	callArgs string
)

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Invoke one aggregated tool",
	Long: `Invokes a tool through the gateway and prints its text content.
Tool names use the server__tool form, e.g. files__read.

Arguments are passed as a JSON object via --args.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(args[0])
	},
}

func init() {
	callCmd.Flags().StringVar(&callAddr, "addr", "", "Gateway address (default: first running instance)")
	callCmd.Flags().StringVar(&callArgs, "args", "{}", "Tool arguments as a JSON object")
}

func runCall(toolName string) error {
	addr, err := resolveAddr(callAddr)
	if err != nil {
		return err
	}

	var arguments map[string]any
	if err := json.Unmarshal([]byte(callArgs), &arguments); err != nil {
		return fmt.Errorf("invalid --args: %w", err)
	}

	params := mcp.ToolCallParams{Name: toolName, Arguments: arguments}
	var result mcp.ToolCallResult
	if err := rpcCall(addr, "tools/call", params, &result); err != nil {
		return err
	}

	for _, content := range result.Content {
		if content.Type == "text" {
			fmt.Println(content.Text)
		}
	}
	if result.IsError {
		os.Exit(1)
	}
	return nil
}
