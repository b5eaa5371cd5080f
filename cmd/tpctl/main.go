// Package main implements tpctl, the command-line client for the taskpilotd
// HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds the persistent flags shared by every command.
type cli struct {
	serverURL string
	output    string
	timeout   time.Duration
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "tpctl",
		Short: "CLI for the taskpilot agent daemon",
		Long: `tpctl talks to a running taskpilotd over HTTP.

It starts and stops tasks, inspects and restores checkpoints, manages
sessions and long-term facts, and checks server health.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if c.output != "text" && c.output != "json" {
				return fmt.Errorf("--output must be text or json, got %q", c.output)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.serverURL, "server", "http://localhost:9191", "taskpilotd server URL")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "text", "output format: text or json")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout for non-streaming calls")

	root.AddCommand(
		c.runCmd(),
		c.stopCmd(),
		c.checkpointsCmd(),
		c.sessionsCmd(),
		c.factsCmd(),
		c.statsCmd(),
		c.healthCmd(),
	)
	return root
}

func (c *cli) json() bool { return c.output == "json" }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check taskpilotd server health",
		Long: `Check the health status of the taskpilotd HTTP server.

Examples:
  # Check health
  tpctl health

  # Check health on a different server
  tpctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp healthResponse
			if err := c.do(cmd.Context(), "GET", "/health", nil, &resp); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
			return nil
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show run and memory statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats statsResponse
			if err := c.do(cmd.Context(), "GET", "/api/v1/stats", nil, &stats); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Active runs:    %d\n", stats.ActiveRuns)
			fmt.Fprintf(w, "Runs started:   %d\n", stats.RunsStarted)
			fmt.Fprintf(w, "Runs finished:  %d\n", stats.RunsFinished)
			fmt.Fprintf(w, "Threads:        %d\n", stats.ConversationThreads)
			fmt.Fprintf(w, "Messages:       %d\n", stats.ConversationMessages)
			fmt.Fprintf(w, "Facts:          %d\n", stats.Facts)
			return nil
		},
	}
}
