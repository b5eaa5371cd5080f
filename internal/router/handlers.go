package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/taskpilot/internal/executor"
)

// ExecutorHandler runs action and code units through the retry-bounded
// executor.
type ExecutorHandler struct {
	exec *executor.Executor
}

// NewExecutorHandler wraps exec.
func NewExecutorHandler(exec *executor.Executor) *ExecutorHandler {
	return &ExecutorHandler{exec: exec}
}

func (h *ExecutorHandler) Name() string       { return "executor" }
func (h *ExecutorHandler) Accepts() []string  { return []string{KindAction, KindCode} }
func (h *ExecutorHandler) Produces() []string { return []string{"result"} }
func (h *ExecutorHandler) Priority() int      { return 10 }

// Handle implements Handler.
func (h *ExecutorHandler) Handle(ctx context.Context, req Request) (*Response, error) {
	out, err := h.exec.Execute(ctx, req.Goal, req.Instruction)
	if err != nil {
		return nil, err
	}
	rec := out.Record
	resp := &Response{
		Success:         out.Err == nil,
		Data:            rec.Data,
		Duration:        time.Duration(rec.DurationMs) * time.Millisecond,
		Attempts:        rec.Attempts,
		GeneratedAction: rec.GeneratedAction,
	}
	if out.Err != nil {
		resp.Output = out.Err.Error()
		return resp, nil
	}
	resp.Output = "action succeeded"
	if len(rec.Data) > 0 {
		resp.Output = string(rec.Data)
		resp.Artifacts = []Artifact{{Type: "result", Content: string(rec.Data)}}
	}
	h.exec.SaveFacts(ctx, rec.Data)
	return resp, nil
}

const llmHandlerPrompt = `You are a sub-agent working on one part of a larger goal.

Overall goal: %s

Your task:
%s
%s
Answer with the finished work only.`

// LLMHandler answers text, research and analysis units with a language
// model.
type LLMHandler struct {
	model     llms.Model
	maxTokens int
}

// NewLLMHandler wraps model. maxTokens <= 0 leaves the provider default.
func NewLLMHandler(model llms.Model, maxTokens int) *LLMHandler {
	return &LLMHandler{model: model, maxTokens: maxTokens}
}

func (h *LLMHandler) Name() string { return "llm" }
func (h *LLMHandler) Accepts() []string {
	return []string{KindText, KindResearch, KindAnalysis}
}
func (h *LLMHandler) Produces() []string { return []string{KindText} }
func (h *LLMHandler) Priority() int      { return 5 }

// Handle implements Handler.
func (h *LLMHandler) Handle(ctx context.Context, req Request) (*Response, error) {
	var vars strings.Builder
	if len(req.Variables) > 0 {
		keys := make([]string, 0, len(req.Variables))
		for k := range req.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vars.WriteString("\nShared variables:\n")
		for _, k := range keys {
			fmt.Fprintf(&vars, "- %s: %s\n", k, req.Variables[k])
		}
	}

	var opts []llms.CallOption
	if h.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(h.maxTokens))
	}
	text, err := llms.GenerateFromSinglePrompt(ctx, h.model,
		fmt.Sprintf(llmHandlerPrompt, req.Goal, req.Instruction, vars.String()), opts...)
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &Response{Success: false, Output: "model returned an empty answer"}, nil
	}
	return &Response{
		Success:   true,
		Output:    text,
		Artifacts: []Artifact{{Type: KindText, Content: text}},
	}, nil
}
