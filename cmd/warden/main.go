// Package main provides the CLI entry point for the warden security
// operations assistant.
//
// Warden fronts a fleet of MCP tool servers (threat, recon, intel, gitops,
// scribe) with a supervisor that routes chat turns to the right specialist
// and returns a reply with a full tool trace.
//
// # Basic Usage
//
// Bring up the whole fleet plus the supervisor:
//
//	warden up --config warden.yaml
//
// Run a single process:
//
//	warden serve
//	warden specialist threat
//
// Stop a fleet started by another invocation:
//
//	warden stop
//
// # Environment Variables
//
//   - WARDEN_CONFIG: path to the configuration file (default: warden.yaml)
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: reply polish and compaction
//   - GITHUB_TOKEN: raises GitHub API rate limits for gitops and intel
//   - APPROVAL_SECRET: HMAC secret for destructive-tool approval tokens
//   - REDIS_URL / REDIS_ENABLED: external cache and session backends
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - security operations assistant",
		Long: `Warden answers security questions by orchestrating a fleet of MCP tool
servers: CVE risk scoring, network recon, advisory and dependency intel,
GitHub Actions operations, and Markdown reporting.

A deterministic intent router picks the specialist for each chat turn; the
supervisor runs the tool plan, records artifacts on the session, and
replies with a trace of every call.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSpecialistCmd(),
		buildUpCmd(),
		buildStopCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("WARDEN_CONFIG"); env != "" {
		return env
	}
	return "warden.yaml"
}
