package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/VancouverCanada/openport/pkg/auth"
	"github.com/VancouverCanada/openport/pkg/mcpbridge"
)

var tokenPepper string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an agent token and print its prefix and digest",
	Long: "Mint a fresh agent token. The digest is what the gateway stores; it honours " +
		"OPENPORT_TOKEN_PEPPER so the printed digest matches the server's.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		hasher, err := auth.NewTokenHasher(tokenPepper)
		if err != nil {
			return err
		}
		token, prefix, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "token:  %s\n", token)
		fmt.Fprintf(out, "prefix: %s\n", prefix)
		fmt.Fprintf(out, "digest: %s\n", hasher.Hash(token))
		return nil
	},
}

var healthURL string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe a running gateway",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := mcpbridge.NewClient(healthURL, "").Health(ctx); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil
	},
}

var (
	mcpURL   string
	mcpToken string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the gateway to MCP clients over stdio",
	Long: "Run a Model Context Protocol server on stdin/stdout. Each tool call is forwarded " +
		"to the gateway with the agent token, so the gateway's policy applies per call.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if mcpToken == "" {
			return fmt.Errorf("an agent token is required (--token or OPENPORT_AGENT_TOKEN)")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return mcpbridge.Serve(ctx, mcpbridge.NewClient(mcpURL, mcpToken), Version)
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenPepper, "pepper", os.Getenv("OPENPORT_TOKEN_PEPPER"), "token pepper (defaults to OPENPORT_TOKEN_PEPPER)")
	healthCmd.Flags().StringVar(&healthURL, "url", "http://localhost:8080", "gateway base URL")
	mcpCmd.Flags().StringVar(&mcpURL, "url", envOr("OPENPORT_URL", "http://localhost:8080"), "gateway base URL")
	mcpCmd.Flags().StringVar(&mcpToken, "token", os.Getenv("OPENPORT_AGENT_TOKEN"), "agent bearer token")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
