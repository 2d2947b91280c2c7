package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "toolmux",
	Short: "MCP tool gateway",
	Long: `Toolmux is an MCP (Model Context Protocol) tool gateway.

It connects to many upstream MCP servers over stdio, SSE, WebSocket, or
streamable HTTP, supervises each connection with automatic reconnection,
and exposes every discovered tool through a single aggregated MCP server.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(callCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
