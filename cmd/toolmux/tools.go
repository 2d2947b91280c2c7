package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/toolmux/toolmux/pkg/gateway"
	"github.com/toolmux/toolmux/pkg/mcp"
	"github.com/toolmux/toolmux/pkg/output"
)

var toolsAddr string

var toolsCmd = &cobra.Command{
	Use:   "tools [keyword...]",
	Short: "List or search aggregated tools",
	Long: `Lists every tool the gateway currently exposes. With keywords, only
tools whose name or description matches every keyword are shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTools(args)
	},
}

func init() {
	toolsCmd.Flags().StringVar(&toolsAddr, "addr", "", "Gateway address (default: first running instance)")
}

func runTools(keywords []string) error {
	printer := output.New()

	addr, err := resolveAddr(toolsAddr)
	if err != nil {
		return err
	}

	var tools []mcp.Tool
	if err := apiGet(addr+"/api/tools", &tools); err != nil {
		return err
	}

	var summaries []output.ToolSummary
	for _, tool := range tools {
		if !matchesKeywords(tool, keywords) {
			continue
		}
		server, _, ok := gateway.ParsePrefixedTool(tool.Name)
		if !ok {
			server = gateway.CoreServerName
		}
		summaries = append(summaries, output.ToolSummary{
			Name:        tool.Name,
			Server:      server,
			Description: tool.Description,
			Enabled:     true,
		})
	}

	if len(summaries) == 0 {
		printer.Info("No matching tools")
		return nil
	}
	printer.Tools(summaries)
	return nil
}

func matchesKeywords(tool mcp.Tool, keywords []string) bool {
	haystack := strings.ToLower(tool.Name + " " + tool.Description)
	for _, kw := range keywords {
		if !strings.Contains(haystack, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}
