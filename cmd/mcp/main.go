// txfleet MCP server.
// Exposes fleet inspection and control tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	mcptools "github.com/gateway-fm/txfleet/internal/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	fleetURL := os.Getenv("TXFLEET_URL")
	if fleetURL == "" {
		fleetURL = "http://localhost:3001"
	}

	s := server.NewMCPServer(
		"txfleet",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(fleetURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
