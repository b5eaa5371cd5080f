// Package mcp exposes the engine as Model Context Protocol tools.
//
// The server wraps an agent.Service and registers task, checkpoint, session
// and memory tools using the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp).
// task_execute blocks until the run reaches a terminal state and returns a
// summary; callers that need step events use the HTTP API instead.
package mcp
