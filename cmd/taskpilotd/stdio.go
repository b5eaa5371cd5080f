package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/taskpilot/internal/logging"
	"github.com/fyrsmithlabs/taskpilot/internal/mcp"
)

// runStdio serves the MCP tools on stdin/stdout until the client
// disconnects or ctx is cancelled. Logs go to stderr.
func runStdio(ctx context.Context, deps *dependencies, logger *logging.Logger) error {
	logger.Info(ctx, "Starting taskpilotd in MCP stdio mode")

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "taskpilot",
		Version: version,
		Logger:  logger.Underlying().Named("mcp"),
	}, deps.agent)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
