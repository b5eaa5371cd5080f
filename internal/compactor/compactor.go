// Package compactor assembles the bounded, layered context handed to the
// planner and folds older history into a rolling summary.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

// OperatingRules is the fixed L0 layer.
const OperatingRules = `You are an autonomous agent working toward the user's goal.
Work in small, verifiable steps. Give exactly one next instruction at a time.
Declare completion only when the goal is met, and say what was achieved.
Ask a clarifying question only when the goal cannot be pursued without an answer.
Never repeat an instruction that already failed without changing the approach.`

// Defaults used when Config leaves a field at zero.
const (
	DefaultMaxRecentMessages = 6
	DefaultSummaryThreshold  = 10
	maxFrameOutput           = 400
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid compactor config")

// Config bounds the context.
type Config struct {
	MaxRecentMessages int `koanf:"max_recent_messages"`
	SummaryThreshold  int `koanf:"summary_threshold"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.MaxRecentMessages <= 0 {
		c.MaxRecentMessages = DefaultMaxRecentMessages
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = DefaultSummaryThreshold
	}
}

// Validate checks the window fits under the threshold.
func (c Config) Validate() error {
	if c.MaxRecentMessages > c.SummaryThreshold {
		return fmt.Errorf("%w: max_recent_messages (%d) exceeds summary_threshold (%d)",
			ErrInvalidConfig, c.MaxRecentMessages, c.SummaryThreshold)
	}
	return nil
}

// Context is the four-layer planner input.
type Context struct {
	Rules   string           // L0
	Summary string           // L1
	Frame   string           // L2
	Recent  []engine.Message // L3
}

// Render formats the layers as prompt text.
func (c *Context) Render() string {
	var b strings.Builder
	b.WriteString("## Operating rules\n")
	b.WriteString(c.Rules)
	b.WriteString("\n\n")
	if c.Summary != "" {
		b.WriteString("## Earlier conversation (summary)\n")
		b.WriteString(c.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("## Current frame\n")
	b.WriteString(c.Frame)
	b.WriteString("\n\n## Recent messages\n")
	for _, m := range c.Recent {
		b.WriteString(formatMessage(m))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatMessage(m engine.Message) string {
	switch v := m.(type) {
	case engine.AgentMessage:
		if v.Thought != "" {
			return fmt.Sprintf("[agent] %s (thought: %s)", v.Content, v.Thought)
		}
		return "[agent] " + v.Content
	case engine.SystemMessage:
		return fmt.Sprintf("[system/%s] %s", v.Kind, v.Content)
	default:
		return fmt.Sprintf("[%s] %s", m.Role(), m.Text())
	}
}

// Compactor builds planner context and triggers summarization.
type Compactor struct {
	cfg        Config
	summarizer Summarizer
	fallback   Summarizer
	logger     *zap.Logger
}

// New creates a Compactor. A nil summarizer uses RuleSummarizer.
func New(cfg Config, summarizer Summarizer, logger *zap.Logger) (*Compactor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rule := RuleSummarizer{}
	if summarizer == nil {
		summarizer = rule
	}
	return &Compactor{cfg: cfg, summarizer: summarizer, fallback: rule, logger: logger}, nil
}

// Compact assembles the context for st. When the history exceeds the
// threshold, messages older than the window that are not yet summarized are
// folded into the rolling summary and the counters on st are updated.
// notes are extra frame lines such as working-memory items or facts.
func (c *Compactor) Compact(ctx context.Context, st *engine.State, notes ...string) (*Context, error) {
	n := len(st.Messages)
	start := n - c.cfg.MaxRecentMessages
	if start < 0 {
		start = 0
	}

	if n > c.cfg.SummaryThreshold && start > st.SummaryMessageCount {
		pending := st.Messages[st.SummaryMessageCount:start]
		summary, err := c.summarizer.Summarize(ctx, st.ConversationSummary, pending)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("summarizer failed, using rule-based fallback",
				zap.String("thread_id", st.ThreadID), zap.Error(err))
			summary, _ = c.fallback.Summarize(ctx, st.ConversationSummary, pending)
		}
		st.ConversationSummary = summary
		st.SummarizedMessageCount = len(pending)
		st.SummaryMessageCount = start
		compactionsTotal.Inc()
		summarizedMessagesTotal.Add(float64(len(pending)))
		c.logger.Debug("history compacted",
			zap.String("thread_id", st.ThreadID),
			zap.Int("summarized", len(pending)),
			zap.Int("summarized_total", start))
	}

	recent := make([]engine.Message, n-start)
	copy(recent, st.Messages[start:])

	return &Context{
		Rules:   OperatingRules,
		Summary: st.ConversationSummary,
		Frame:   buildFrame(st, notes),
		Recent:  recent,
	}, nil
}

func buildFrame(st *engine.State, notes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", st.Goal)
	fmt.Fprintf(&b, "Iteration: %d, consecutive failures: %d\n", st.IterationCount, st.ConsecutiveFailures)

	if last := st.LastAction(); last != nil {
		if last.Success {
			fmt.Fprintf(&b, "Last action: %q succeeded", last.Instruction)
			if len(last.Data) > 0 {
				fmt.Fprintf(&b, " with output %s", truncate(string(last.Data), maxFrameOutput))
			}
		} else {
			fmt.Fprintf(&b, "Last action: %q failed after %d attempt(s): %s",
				last.Instruction, last.Attempts, truncate(last.Error, maxFrameOutput))
		}
		b.WriteByte('\n')
	} else {
		b.WriteString("Last action: none yet\n")
	}

	if st.StepError != "" {
		fmt.Fprintf(&b, "Previous step error: %s\n", truncate(st.StepError, maxFrameOutput))
	}
	if g := st.Graph; g != nil && g.Decomposed {
		fmt.Fprintf(&b, "Tasks: %d/%d complete, %d ready\n", g.CompletedCount, g.TaskCount, len(g.ReadyTaskIDs))
	}
	for _, note := range notes {
		fmt.Fprintf(&b, "- %s\n", note)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
