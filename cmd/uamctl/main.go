package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/uam-network/uam-relay/internal/protocol/envelope"
	"github.com/uam-network/uam-relay/internal/sdk"
	"github.com/uam-network/uam-relay/internal/sdk/config"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile       string
	flagName      string
	flagRelay     string
	flagDataDir   string
	flagTrustPol  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "uamctl",
	Short: "Universal Agent Messaging CLI",
	Long: `uamctl is the command-line interface for Universal Agent Messaging.

It lets you generate an agent identity, send and read end-to-end
encrypted messages, manage pending handshakes and blocklists, and verify
a domain for a trusted contact.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.uam")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if flagName == "" {
			flagName = viper.GetString("name")
		}
		if flagRelay == "" {
			flagRelay = viper.GetString("relay_domain")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.uam/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", "", "this agent's local name")
	rootCmd.PersistentFlags().StringVar(&flagRelay, "relay-domain", "", "relay domain to connect through")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for keys and contact book (default ~/.uam/<name>)")
	rootCmd.PersistentFlags().StringVar(&flagTrustPol, "trust-policy", "auto-accept", "handshake policy: auto-accept, approval-required, allowlist-only, require_verify")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(verifyDomainCmd)
	rootCmd.AddCommand(versionCmd)
}

func requireIdentityFlags() error {
	if flagName == "" {
		return fmt.Errorf("--name is required (or set in ~/.uam/config.yaml)")
	}
	if flagRelay == "" {
		return fmt.Errorf("--relay-domain is required (or set in ~/.uam/config.yaml)")
	}
	return nil
}

func buildConfig() (config.Config, error) {
	cfg, err := config.Default(flagName, flagRelay)
	if err != nil {
		return config.Config{}, err
	}
	cfg.TrustPolicy = flagTrustPol
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
		cfg.KeyDir = flagDataDir
	}
	return cfg, nil
}

// connectedAgent builds and connects an Agent for commands that need a live
// relay session.
func connectedAgent(ctx context.Context) (*sdk.Agent, error) {
	if err := requireIdentityFlags(); err != nil {
		return nil, err
	}
	cfg, err := buildConfig()
	if err != nil {
		return nil, fmt.Errorf("build agent config: %w", err)
	}
	agent, err := sdk.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	if err := agent.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}
	return agent, nil
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate (or display) this agent's Ed25519 keypair",
	Long: `keygen generates an Ed25519 keypair under <data-dir>/<name>.key if one
does not already exist, and prints the agent's address and public key.
It does not contact the relay.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireIdentityFlags(); err != nil {
			return err
		}
		cfg, err := buildConfig()
		if err != nil {
			return err
		}
		agent, err := sdk.New(cfg)
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
		fmt.Printf("✓ Identity ready\n\n")
		fmt.Printf("  Address:    %s\n", agent.Address())
		fmt.Printf("  Public key: %s\n", agent.PublicKey())
		fmt.Printf("  Key dir:    %s\n", cfg.KeyDir)
		return nil
	},
}

// ── send ─────────────────────────────────────────────────────────────────────

var sendCmd = &cobra.Command{
	Use:   "send <to> <message>",
	Short: "Send an end-to-end encrypted message to another agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		agent, err := connectedAgent(ctx)
		if err != nil {
			return err
		}
		defer agent.Close() //nolint:errcheck

		messageID, err := agent.Send(ctx, args[0], args[1], envelope.CreateOptions{})
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		fmt.Printf("✓ sent to %s (message_id: %s)\n", args[0], messageID)
		return nil
	},
}

// ── inbox ────────────────────────────────────────────────────────────────────

var inboxLimit int

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Read and decrypt waiting messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		agent, err := connectedAgent(ctx)
		if err != nil {
			return err
		}
		defer agent.Close() //nolint:errcheck

		messages, err := agent.Inbox(ctx, inboxLimit)
		if err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
		if len(messages) == 0 {
			fmt.Println("No new messages.")
			return nil
		}
		for _, m := range messages {
			fmt.Printf("[%s] %s: %s\n", m.Timestamp, m.FromAddress, m.Content)
		}
		return nil
	},
}

func init() {
	inboxCmd.Flags().IntVar(&inboxLimit, "limit", 20, "maximum number of messages to return")
}

// ── pending / approve / deny ───────────────────────────────────────────────

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List handshake requests awaiting approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		agent, err := connectedAgent(ctx)
		if err != nil {
			return err
		}
		defer agent.Close() //nolint:errcheck

		entries, err := agent.Pending(ctx)
		if err != nil {
			return fmt.Errorf("pending: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No pending handshake requests.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  (received %s)\n", e.Address, e.ReceivedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <address>",
	Short: "Approve a pending handshake request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		agent, err := connectedAgent(ctx)
		if err != nil {
			return err
		}
		defer agent.Close() //nolint:errcheck

		if err := agent.Approve(ctx, args[0]); err != nil {
			return fmt.Errorf("approve: %w", err)
		}
		fmt.Printf("✓ approved %s\n", args[0])
		return nil
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <address>",
	Short: "Deny a pending handshake request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		agent, err := connectedAgent(ctx)
		if err != nil {
			return err
		}
		defer agent.Close() //nolint:errcheck

		if err := agent.Deny(ctx, args[0]); err != nil {
			return fmt.Errorf("deny: %w", err)
		}
		fmt.Printf("✓ denied %s\n", args[0])
		return nil
	},
}

// ── block / unblock ──────────────────────────────────────────────────────────

var blockCmd = &cobra.Command{
	Use:   "block <pattern>",
	Short: "Block a contact address or *::domain pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		agent, err := connectedAgent(ctx)
		if err != nil {
			return err
		}
		defer agent.Close() //nolint:errcheck

		if err := agent.Block(ctx, args[0]); err != nil {
			return fmt.Errorf("block: %w", err)
		}
		fmt.Printf("✓ blocked %s\n", args[0])
		return nil
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <pattern>",
	Short: "Remove a block pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		agent, err := connectedAgent(ctx)
		if err != nil {
			return err
		}
		defer agent.Close() //nolint:errcheck

		if err := agent.Unblock(ctx, args[0]); err != nil {
			return fmt.Errorf("unblock: %w", err)
		}
		fmt.Printf("✓ unblocked %s\n", args[0])
		return nil
	},
}

// ── verify-domain ────────────────────────────────────────────────────────────

var (
	verifyTimeout  time.Duration
	verifyInterval time.Duration
)

var verifyDomainCmd = &cobra.Command{
	Use:   "verify-domain <domain>",
	Short: "Poll the relay until a domain's ownership proof verifies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		agent, err := connectedAgent(ctx)
		if err != nil {
			return err
		}
		defer agent.Close() //nolint:errcheck

		verified, err := agent.VerifyDomain(ctx, args[0], verifyTimeout, verifyInterval)
		if err != nil {
			return fmt.Errorf("verify-domain: %w", err)
		}
		if verified {
			fmt.Printf("✓ %s verified\n", args[0])
			return nil
		}
		fmt.Printf("✗ %s did not verify within %s\n", args[0], verifyTimeout)
		return nil
	},
}

func init() {
	verifyDomainCmd.Flags().DurationVar(&verifyTimeout, "timeout", 10*time.Minute, "how long to poll before giving up")
	verifyDomainCmd.Flags().DurationVar(&verifyInterval, "interval", 15*time.Second, "polling interval")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print uamctl's version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(strings.TrimSpace(version))
		return nil
	},
}
