package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/taskpilot/internal/agent"
	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/events"
)

var errInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidInput, fmt.Sprintf(format, args...))
}

func parseMode(s string) (engine.Mode, error) {
	if s == "" {
		return "", nil
	}
	m, err := engine.ParseMode(s)
	if err != nil {
		return "", invalid("%v", err)
	}
	return m, nil
}

type taskExecuteInput struct {
	Goal            string `json:"goal" jsonschema:"What the agent should accomplish, or the answer to a pending question when continuing"`
	ThreadID        string `json:"thread_id,omitempty" jsonschema:"Thread to run on; generated when empty"`
	ContinueSession bool   `json:"continue_session,omitempty" jsonschema:"Resume the thread from its head checkpoint instead of starting fresh"`
	Mode            string `json:"mode,omitempty" jsonschema:"linear (default) or graph"`
}

type taskExecuteOutput struct {
	ThreadID        string `json:"thread_id" jsonschema:"Thread identifier"`
	RunID           string `json:"run_id" jsonschema:"Run identifier"`
	Status          string `json:"status" jsonschema:"Terminal status: complete, error or stopped"`
	Result          string `json:"result,omitempty" jsonschema:"Final message"`
	Error           string `json:"error,omitempty" jsonschema:"Failure reason when status is error"`
	PendingQuestion string `json:"pending_question,omitempty" jsonschema:"Question the agent needs answered to continue"`
	Iterations      int    `json:"iterations" jsonschema:"Actions taken"`
	Steps           int    `json:"steps" jsonschema:"Step events emitted"`
	CheckpointID    string `json:"checkpoint_id,omitempty" jsonschema:"Last checkpoint written"`
}

type taskStopInput struct {
	ThreadID string `json:"thread_id" jsonschema:"Thread whose run should stop"`
}

type taskStopOutput struct {
	ThreadID string `json:"thread_id" jsonschema:"Thread identifier"`
	Stopping bool   `json:"stopping" jsonschema:"The run will stop at its next step boundary"`
}

func (s *Server) registerTaskTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "task_execute",
		Description: "Run the agent on a goal until it completes, fails or is stopped, and return a summary",
	}, instrument(s, "task_execute", func(ctx context.Context, _ *mcp.CallToolRequest, args taskExecuteInput) (*mcp.CallToolResult, taskExecuteOutput, error) {
		mode, err := parseMode(args.Mode)
		if err != nil {
			return nil, taskExecuteOutput{}, err
		}
		run, err := s.agent.ExecuteTask(ctx, agent.Request{
			Goal:            args.Goal,
			ThreadID:        args.ThreadID,
			ContinueSession: args.ContinueSession,
			Mode:            mode,
		})
		if err != nil {
			return nil, taskExecuteOutput{}, err
		}

		out := taskExecuteOutput{ThreadID: run.ThreadID, RunID: run.ID}
		var last events.Event
		for ev := range run.Events() {
			last = ev
			out.Steps++
		}
		st, err := run.Wait()
		if err != nil {
			return nil, out, fmt.Errorf("run aborted: %w", err)
		}
		out.Status = string(st.Status)
		out.Result = st.Result
		out.Error = st.Error
		out.PendingQuestion = st.PendingQuestion
		out.Iterations = st.IterationCount
		out.CheckpointID = last.CheckpointID

		if st.PendingQuestion != "" {
			return text("Agent needs input on thread %s: %s", out.ThreadID, st.PendingQuestion), out, nil
		}
		return text("Task %s on thread %s: %s", out.Status, out.ThreadID, st.Result), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "task_stop",
		Description: "Stop the active run of a thread at its next step boundary",
	}, instrument(s, "task_stop", func(_ context.Context, _ *mcp.CallToolRequest, args taskStopInput) (*mcp.CallToolResult, taskStopOutput, error) {
		if args.ThreadID == "" {
			return nil, taskStopOutput{}, invalid("thread_id is required")
		}
		if err := s.agent.StopTask(args.ThreadID); err != nil {
			return nil, taskStopOutput{}, err
		}
		return text("Stopping thread %s", args.ThreadID), taskStopOutput{ThreadID: args.ThreadID, Stopping: true}, nil
	}))
}

type checkpointListInput struct {
	ThreadID string `json:"thread_id" jsonschema:"Thread to list"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results, newest first (default: 20)"`
}

type checkpointSummary struct {
	ID             string `json:"id" jsonschema:"Checkpoint ID"`
	ParentID       string `json:"parent_id,omitempty" jsonschema:"Parent checkpoint ID"`
	Sequence       int64  `json:"sequence" jsonschema:"Per-thread sequence number"`
	StepIndex      int    `json:"step_index" jsonschema:"Depth below the root checkpoint"`
	SourceNode     string `json:"source_node" jsonschema:"Step that produced the checkpoint"`
	Preview        string `json:"preview,omitempty" jsonschema:"Last message, truncated"`
	UserOriginated bool   `json:"user_originated" jsonschema:"Written right after user input"`
	CreatedAt      string `json:"created_at" jsonschema:"RFC 3339 timestamp"`
}

type checkpointListOutput struct {
	Checkpoints []checkpointSummary `json:"checkpoints" jsonschema:"Checkpoints, newest first"`
	Count       int                 `json:"count" jsonschema:"Number of checkpoints returned"`
}

type checkpointRestoreInput struct {
	ThreadID     string `json:"thread_id" jsonschema:"Thread identifier"`
	CheckpointID string `json:"checkpoint_id" jsonschema:"Checkpoint to restore"`
}

type checkpointRestoreOutput struct {
	ThreadID     string `json:"thread_id" jsonschema:"Thread identifier"`
	CheckpointID string `json:"checkpoint_id" jsonschema:"Restored checkpoint"`
	Status       string `json:"status" jsonschema:"Status captured by the checkpoint"`
	Goal         string `json:"goal" jsonschema:"Goal captured by the checkpoint"`
	Messages     int    `json:"messages" jsonschema:"Number of messages in the restored history"`
}

const defaultCheckpointLimit = 20

func summarize(cp *checkpoint.Checkpoint) checkpointSummary {
	return checkpointSummary{
		ID:             cp.ID,
		ParentID:       cp.ParentID,
		Sequence:       cp.Sequence,
		StepIndex:      cp.StepIndex,
		SourceNode:     cp.SourceNode,
		Preview:        cp.MessagePreview,
		UserOriginated: cp.IsUserOriginated,
		CreatedAt:      cp.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) registerCheckpointTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "checkpoint_list",
		Description: "List the checkpoints of a thread, newest first",
	}, instrument(s, "checkpoint_list", func(ctx context.Context, _ *mcp.CallToolRequest, args checkpointListInput) (*mcp.CallToolResult, checkpointListOutput, error) {
		if args.ThreadID == "" {
			return nil, checkpointListOutput{}, invalid("thread_id is required")
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultCheckpointLimit
		}
		cps, err := s.agent.ListCheckpoints(ctx, args.ThreadID, limit)
		if err != nil {
			return nil, checkpointListOutput{}, err
		}
		out := checkpointListOutput{Checkpoints: make([]checkpointSummary, 0, len(cps))}
		for _, cp := range cps {
			out.Checkpoints = append(out.Checkpoints, summarize(cp))
		}
		out.Count = len(out.Checkpoints)
		return text("Found %d checkpoints", out.Count), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "checkpoint_restore",
		Description: "Move a thread back to a checkpoint; the next continued task branches from it",
	}, instrument(s, "checkpoint_restore", func(ctx context.Context, _ *mcp.CallToolRequest, args checkpointRestoreInput) (*mcp.CallToolResult, checkpointRestoreOutput, error) {
		if args.ThreadID == "" || args.CheckpointID == "" {
			return nil, checkpointRestoreOutput{}, invalid("thread_id and checkpoint_id are required")
		}
		st, err := s.agent.RestoreCheckpoint(ctx, args.ThreadID, args.CheckpointID)
		if err != nil {
			return nil, checkpointRestoreOutput{}, err
		}
		out := checkpointRestoreOutput{
			ThreadID:     args.ThreadID,
			CheckpointID: args.CheckpointID,
			Status:       string(st.Status),
			Goal:         st.Goal,
			Messages:     len(st.Messages),
		}
		return text("Restored thread %s to %s", args.ThreadID, args.CheckpointID), out, nil
	}))
}
