package compactor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

// Summarizer folds messages into an existing summary. Implementations must
// keep what previous captured when given their own output back, subject to
// their size bound.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, msgs []engine.Message) (string, error)
}

const (
	maxLineLen = 160

	// DefaultMaxSummaryLines bounds a RuleSummarizer summary.
	DefaultMaxSummaryLines = 60

	foldPrefix = "- ("
	foldSuffix = " earlier points folded)"
)

// RuleSummarizer extracts one bullet per message (its first sentence) and
// merges the bullets with the previous summary, dropping exact duplicates.
//
// The summary holds at most MaxLines lines. Past that, the oldest bullets
// are replaced by a single "- (N earlier points folded)" line whose count
// carries over between calls. Folded bullets are gone from the prompt; the
// full history stays in the thread's checkpoints.
type RuleSummarizer struct {
	// MaxLines defaults to DefaultMaxSummaryLines.
	MaxLines int
}

// Summarize implements Summarizer.
func (r RuleSummarizer) Summarize(_ context.Context, previous string, msgs []engine.Message) (string, error) {
	lines := make([]string, 0, len(msgs)+8)
	seen := make(map[string]struct{})
	folded := 0
	add := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		if n, ok := foldCount(line); ok {
			folded += n
			return
		}
		if _, ok := seen[line]; ok {
			return
		}
		seen[line] = struct{}{}
		lines = append(lines, line)
	}

	for _, line := range strings.Split(previous, "\n") {
		add(line)
	}
	for _, m := range msgs {
		s := firstSentence(m.Text())
		if s == "" {
			continue
		}
		add(fmt.Sprintf("- %s: %s", label(m), s))
	}

	limit := r.MaxLines
	if limit <= 0 {
		limit = DefaultMaxSummaryLines
	}
	if folded > 0 || len(lines) > limit {
		// one line goes to the fold marker
		keep := max(limit-1, 0)
		if len(lines) > keep {
			folded += len(lines) - keep
			lines = lines[len(lines)-keep:]
		}
		lines = append([]string{foldPrefix + strconv.Itoa(folded) + foldSuffix}, lines...)
	}
	return strings.Join(lines, "\n"), nil
}

func foldCount(line string) (int, bool) {
	if !strings.HasPrefix(line, foldPrefix) || !strings.HasSuffix(line, foldSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, foldPrefix), foldSuffix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func label(m engine.Message) string {
	if sm, ok := m.(engine.SystemMessage); ok && sm.Kind != "" {
		return string(sm.Kind)
	}
	return string(m.Role())
}

func firstSentence(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	for i, r := range text {
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(text) || unicode.IsSpace(rune(text[i+1]))) {
			text = text[:i+1]
			break
		}
	}
	if r := []rune(text); len(r) > maxLineLen {
		text = strings.TrimSpace(string(r[:maxLineLen])) + "..."
	}
	return text
}

// LLMSummarizer asks a language model to merge the summary. Lines of the
// previous summary the model drops are re-appended.
type LLMSummarizer struct {
	model     llms.Model
	maxTokens int
}

// NewLLMSummarizer wraps model.
func NewLLMSummarizer(model llms.Model, maxTokens int) *LLMSummarizer {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMSummarizer{model: model, maxTokens: maxTokens}
}

const summarizePrompt = `Update the running summary of an agent conversation.
Keep every fact, decision, identifier and error from the existing summary.
Add what is new in the messages. Use short "- " bullet lines only.

Existing summary:
%s

New messages:
%s

Updated summary:`

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, previous string, msgs []engine.Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(formatMessage(m))
		b.WriteByte('\n')
	}
	prev := previous
	if prev == "" {
		prev = "(none)"
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, s.model,
		fmt.Sprintf(summarizePrompt, prev, b.String()),
		llms.WithTemperature(0), llms.WithMaxTokens(s.maxTokens))
	if err != nil {
		return "", fmt.Errorf("generating summary: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("generating summary: empty response")
	}

	// Keep the composition property even when the model paraphrases.
	merged, _ := RuleSummarizer{}.Summarize(ctx, previous, nil)
	if merged == "" {
		return out, nil
	}
	for _, line := range strings.Split(merged, "\n") {
		if !strings.Contains(out, line) {
			out += "\n" + line
		}
	}
	return out, nil
}
