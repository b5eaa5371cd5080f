package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/memory"
)

type sessionCreateInput struct {
	ID    string `json:"id,omitempty" jsonschema:"Session ID, also the thread ID; generated when empty"`
	Title string `json:"title,omitempty" jsonschema:"Display title"`
	Mode  string `json:"mode,omitempty" jsonschema:"linear (default) or graph"`
}

type sessionSummary struct {
	ID               string `json:"id" jsonschema:"Session ID"`
	Title            string `json:"title" jsonschema:"Display title"`
	Goal             string `json:"goal,omitempty" jsonschema:"Goal of the first run"`
	Mode             string `json:"mode" jsonschema:"Execution mode"`
	Status           string `json:"status,omitempty" jsonschema:"Status at the head checkpoint"`
	HeadCheckpointID string `json:"head_checkpoint_id,omitempty" jsonschema:"Checkpoint the next continued task starts from"`
	UpdatedAt        string `json:"updated_at" jsonschema:"RFC 3339 timestamp"`
}

type sessionListInput struct{}

type sessionListOutput struct {
	Sessions []sessionSummary `json:"sessions" jsonschema:"All sessions"`
	Count    int              `json:"count" jsonschema:"Number of sessions"`
}

type sessionDeleteInput struct {
	ID string `json:"id" jsonschema:"Session to delete with its checkpoints"`
}

type sessionDeleteOutput struct {
	ID      string `json:"id" jsonschema:"Session ID"`
	Deleted bool   `json:"deleted" jsonschema:"Deletion succeeded"`
}

type factSaveInput struct {
	Content    string   `json:"content" jsonschema:"Fact to remember"`
	Source     string   `json:"source,omitempty" jsonschema:"Where the fact came from (default: user)"`
	Confidence *float64 `json:"confidence,omitempty" jsonschema:"Confidence between 0 and 1 (default: 1)"`
}

type factSaveOutput struct {
	ID       string `json:"id" jsonschema:"Fact ID"`
	Created  bool   `json:"created" jsonschema:"False when the content was already known"`
	UseCount int    `json:"use_count" jsonschema:"Times the fact was saved or recalled"`
}

type factListInput struct {
	Query string `json:"query,omitempty" jsonschema:"Return the facts most related to this text"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 20)"`
}

type factSummary struct {
	ID         string  `json:"id" jsonschema:"Fact ID"`
	Content    string  `json:"content" jsonschema:"Fact text"`
	Source     string  `json:"source" jsonschema:"Origin"`
	Confidence float64 `json:"confidence" jsonschema:"Confidence between 0 and 1"`
	UseCount   int     `json:"use_count" jsonschema:"Times saved or recalled"`
}

type factListOutput struct {
	Facts []factSummary `json:"facts" jsonschema:"Matching facts"`
	Count int           `json:"count" jsonschema:"Number of facts returned"`
}

type memoryStatsInput struct{}

type memoryStatsOutput struct {
	ActiveRuns           int   `json:"active_runs" jsonschema:"Runs in progress"`
	RunsStarted          int64 `json:"runs_started" jsonschema:"Runs started since process start"`
	RunsFinished         int64 `json:"runs_finished" jsonschema:"Runs finished since process start"`
	ConversationThreads  int   `json:"conversation_threads" jsonschema:"Threads with cached history"`
	ConversationMessages int   `json:"conversation_messages" jsonschema:"Messages across cached threads"`
	Facts                int   `json:"facts" jsonschema:"Stored facts"`
}

const defaultFactLimit = 20

func sessionView(sess *checkpoint.Session) sessionSummary {
	return sessionSummary{
		ID:               sess.ID,
		Title:            sess.Title,
		Goal:             sess.Goal,
		Mode:             string(sess.Mode),
		Status:           string(sess.Status),
		HeadCheckpointID: sess.HeadCheckpointID,
		UpdatedAt:        sess.UpdatedAt.Format(time.RFC3339),
	}
}

func factView(f memory.Fact) factSummary {
	return factSummary{
		ID:         f.ID,
		Content:    f.Content,
		Source:     f.Source,
		Confidence: f.Confidence,
		UseCount:   f.UseCount,
	}
}

func (s *Server) registerSessionTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_create",
		Description: "Create an empty session; continue it with task_execute",
	}, instrument(s, "session_create", func(ctx context.Context, _ *mcp.CallToolRequest, args sessionCreateInput) (*mcp.CallToolResult, sessionSummary, error) {
		mode, err := parseMode(args.Mode)
		if err != nil {
			return nil, sessionSummary{}, err
		}
		sess, err := s.agent.CreateSession(ctx, args.ID, args.Title, mode)
		if err != nil {
			return nil, sessionSummary{}, err
		}
		return text("Created session %s", sess.ID), sessionView(sess), nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_list",
		Description: "List sessions",
	}, instrument(s, "session_list", func(ctx context.Context, _ *mcp.CallToolRequest, _ sessionListInput) (*mcp.CallToolResult, sessionListOutput, error) {
		list, err := s.agent.ListSessions(ctx)
		if err != nil {
			return nil, sessionListOutput{}, err
		}
		out := sessionListOutput{Sessions: make([]sessionSummary, 0, len(list))}
		for _, sess := range list {
			out.Sessions = append(out.Sessions, sessionView(sess))
		}
		out.Count = len(out.Sessions)
		return text("Found %d sessions", out.Count), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_delete",
		Description: "Delete a session and all of its checkpoints",
	}, instrument(s, "session_delete", func(ctx context.Context, _ *mcp.CallToolRequest, args sessionDeleteInput) (*mcp.CallToolResult, sessionDeleteOutput, error) {
		if args.ID == "" {
			return nil, sessionDeleteOutput{}, invalid("id is required")
		}
		if err := s.agent.DeleteSession(ctx, args.ID); err != nil {
			return nil, sessionDeleteOutput{}, err
		}
		return text("Deleted session %s", args.ID), sessionDeleteOutput{ID: args.ID, Deleted: true}, nil
	}))
}

func (s *Server) registerMemoryTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "fact_save",
		Description: "Remember a fact; the planner recalls relevant facts when it plans",
	}, instrument(s, "fact_save", func(ctx context.Context, _ *mcp.CallToolRequest, args factSaveInput) (*mcp.CallToolResult, factSaveOutput, error) {
		conf := 1.0
		if args.Confidence != nil {
			conf = *args.Confidence
		}
		f, created, err := s.agent.SaveFact(ctx, args.Content, args.Source, conf)
		if err != nil {
			return nil, factSaveOutput{}, err
		}
		return text("Saved fact %s", f.ID), factSaveOutput{ID: f.ID, Created: created, UseCount: f.UseCount}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "fact_list",
		Description: "List remembered facts, or recall those related to a query",
	}, instrument(s, "fact_list", func(ctx context.Context, _ *mcp.CallToolRequest, args factListInput) (*mcp.CallToolResult, factListOutput, error) {
		limit := args.Limit
		if limit <= 0 {
			limit = defaultFactLimit
		}
		var facts []memory.Fact
		if args.Query != "" {
			var err error
			if facts, err = s.agent.RecallFacts(ctx, args.Query, limit); err != nil {
				return nil, factListOutput{}, err
			}
		} else {
			facts = s.agent.GetFacts(limit)
		}
		out := factListOutput{Facts: make([]factSummary, 0, len(facts))}
		for _, f := range facts {
			out.Facts = append(out.Facts, factView(f))
		}
		out.Count = len(out.Facts)
		return text("Found %d facts", out.Count), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_stats",
		Description: "Report run, conversation and fact counters",
	}, instrument(s, "memory_stats", func(_ context.Context, _ *mcp.CallToolRequest, _ memoryStatsInput) (*mcp.CallToolResult, memoryStatsOutput, error) {
		st := s.agent.GetStats()
		out := memoryStatsOutput{
			ActiveRuns:           st.ActiveRuns,
			RunsStarted:          st.RunsStarted,
			RunsFinished:         st.RunsFinished,
			ConversationThreads:  st.ConversationThreads,
			ConversationMessages: st.ConversationMessages,
			Facts:                st.Facts,
		}
		return text("%d facts, %d active runs", out.Facts, out.ActiveRuns), out, nil
	}))
}
