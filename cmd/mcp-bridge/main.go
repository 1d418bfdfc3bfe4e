// uam-mcp-bridge exposes a UAM agent as MCP tools, allowing Claude Desktop
// and any MCP-compatible AI host to send and receive UAM messages.
//
// Add to Claude Desktop (~/.claude/claude_desktop_config.json):
//
//	{
//	  "mcpServers": {
//	    "uam": {
//	      "command": "/path/to/uam-mcp-bridge",
//	      "args": ["--name", "assistant", "--relay-domain", "relay.example.com"]
//	    }
//	  }
//	}
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/uam-network/uam-relay/internal/mcpbridge"
	"github.com/uam-network/uam-relay/internal/sdk"
	"github.com/uam-network/uam-relay/internal/sdk/config"
)

var (
	agentName   string
	relayDomain string
	dataDir     string
	trustPolicy string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "uam-mcp-bridge",
	Short: "MCP bridge for Universal Agent Messaging",
	Long: `uam-mcp-bridge is a stdio MCP server that exposes three UAM tools to any
MCP-compatible AI host (Claude Desktop, Claude API, etc.):

  uam_send          — send an end-to-end encrypted message to another agent
  uam_inbox         — read and decrypt waiting messages
  uam_contact_card  — return this agent's own signed contact card

The bridge runs in stdio mode (the MCP standard for local servers).
All logging goes to stderr so it does not interfere with the protocol.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&agentName, "name", "", "this agent's local name (required)")
	rootCmd.Flags().StringVar(&relayDomain, "relay-domain", "", "relay domain to connect through (required)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for keys and contact book (defaults to ~/.uam/<name>)")
	rootCmd.Flags().StringVar(&trustPolicy, "trust-policy", "auto-accept", "handshake policy: auto-accept, approval-required, allowlist-only, require_verify")
	_ = rootCmd.MarkFlagRequired("name")
	_ = rootCmd.MarkFlagRequired("relay-domain")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := log.New(os.Stderr, "[uam-mcp] ", log.LstdFlags)

	cfg, err := config.Default(agentName, relayDomain)
	if err != nil {
		return fmt.Errorf("build agent config: %w", err)
	}
	cfg.TrustPolicy = trustPolicy
	if dataDir != "" {
		cfg.DataDir = dataDir
		cfg.KeyDir = dataDir
	}

	agent, err := sdk.New(cfg)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if err := agent.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer agent.Close() //nolint:errcheck

	logger.Printf("connected as %s via %s", agent.Address(), relayDomain)

	tools := mcpbridge.NewToolRegistry(agent)
	server := mcpbridge.NewServer(os.Stdout, tools, logger)

	logger.Printf("UAM MCP bridge ready")
	logger.Printf("tools: uam_send, uam_inbox, uam_contact_card")

	return server.Serve(cmd.Context(), os.Stdin)
}
