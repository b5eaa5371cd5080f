package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms/fake"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "Sure:\n```json\n{\"a\":{\"b\":\"}\"}}\n```", `{"a":{"b":"}"}}`},
		{"skips invalid", `{not json} then {"ok":true}`, `{"ok":true}`},
		{"escaped quote", `{"s":"say \"hi\" {"}`, `{"s":"say \"hi\" {"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := extractJSON("no braces here")
	assert.ErrorIs(t, err, errNoJSON)
}

func TestParsePlan(t *testing.T) {
	p, err := ParsePlan(`{"thought":"t","nextInstruction":"  open the page ","isComplete":false}`)
	require.NoError(t, err)
	assert.Equal(t, "open the page", p.NextInstruction)

	_, err = ParsePlan(`{"thought":"t","needsMoreInfo":true}`)
	assert.True(t, engine.IsParseError(err))

	_, err = ParsePlan(`{"isComplete":"yes"}`)
	var pe *engine.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "plan", pe.Stage)
	assert.Equal(t, `{"isComplete":"yes"}`, pe.Raw)
}

func TestParseAct(t *testing.T) {
	a, err := ParseAct(`{"thought":"list","action":{"type":"shell","code":"ls"}}`)
	require.NoError(t, err)
	assert.Equal(t, "ls", a.Action.Code)

	_, err = ParseAct(`{"thought":"nothing","action":{}}`)
	assert.True(t, engine.IsParseError(err))
}

func TestParseDecomposition(t *testing.T) {
	d, err := ParseDecomposition(`{"epicTitle":"E","tasks":[{"title":"A"},{"title":"B","dependsOnIndices":[0],"mergeable":true}]}`)
	require.NoError(t, err)
	require.Len(t, d.Tasks, 2)
	assert.Equal(t, []int{0}, d.Tasks[1].DependsOn)
	assert.True(t, d.Tasks[1].Mergeable)

	_, err = ParseDecomposition(`{"epicTitle":"E","tasks":[{"title":""}]}`)
	assert.True(t, engine.IsParseError(err))
}

func TestLLMService_Plan(t *testing.T) {
	llm := fake.NewFakeLLM([]string{`Here you go: {"thought":"start","nextInstruction":"search flights","isComplete":false}`})
	svc := NewLLMService(llm, WithRateLimit(0, 0))

	p, err := svc.Plan(context.Background(), PlanRequest{Goal: "book a flight"})
	require.NoError(t, err)
	assert.Equal(t, "search flights", p.NextInstruction)
	assert.Equal(t, "start", p.Thought)
}

func TestLLMService_ActParseErrorIsTyped(t *testing.T) {
	llm := fake.NewFakeLLM([]string{"I cannot do that"})
	svc := NewLLMService(llm, WithRateLimit(0, 0))

	_, err := svc.Act(context.Background(), ActRequest{Instruction: "x", Prior: &PriorAttempt{Attempt: 1, Action: "{}"}})
	var pe *engine.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "I cannot do that", pe.Raw)
}

func TestLLMService_DecomposeDefaultsEpicTitle(t *testing.T) {
	llm := fake.NewFakeLLM([]string{`{"tasks":[{"title":"A"}]}`})
	svc := NewLLMService(llm, WithRateLimit(0, 0))

	d, err := svc.Decompose(context.Background(), "launch")
	require.NoError(t, err)
	assert.Equal(t, "launch", d.EpicTitle)
}

func TestLLMService_ModelErrorIsNotParseError(t *testing.T) {
	llm := fake.NewFakeLLM(nil)
	svc := NewLLMService(llm, WithRateLimit(0, 0))

	_, err := svc.Plan(context.Background(), PlanRequest{Goal: "g"})
	require.Error(t, err)
	assert.False(t, engine.IsParseError(err))
}

func TestLLMService_RateLimiterHonorsContext(t *testing.T) {
	llm := fake.NewFakeLLM([]string{`{"thought":"t","isComplete":true,"completionMessage":"done"}`})
	svc := NewLLMService(llm, WithRateLimit(0.001, 1))

	_, err := svc.Plan(context.Background(), PlanRequest{Goal: "g"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Plan(ctx, PlanRequest{Goal: "g"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewModel_MissingKeyIsConfigurationError(t *testing.T) {
	for _, provider := range []string{"anthropic", "openai", ""} {
		_, err := NewModel(ModelConfig{Provider: provider})
		assert.True(t, engine.IsConfigurationError(err), provider)
	}
	_, err := NewModel(ModelConfig{Provider: "mystery", APIKey: "k"})
	assert.Error(t, err)
	assert.False(t, engine.IsConfigurationError(err))
}

func TestNewModel_WithKey(t *testing.T) {
	m, err := NewModel(ModelConfig{Provider: "anthropic", APIKey: "test-key"})
	require.NoError(t, err)
	assert.NotNil(t, m)

	m, err = NewModel(ModelConfig{Provider: "openai", APIKey: "test-key", BaseURL: "http://127.0.0.1:1/v1"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestActPrompt_IncludesPriorDiagnostics(t *testing.T) {
	p := actPrompt(ActRequest{
		Goal:        "g",
		Instruction: "run tests",
		Prior: &PriorAttempt{Attempt: 2, Action: `{"type":"shell"}`, Diagnostics: engine.Diagnostics{
			Message: "exit 1", Kind: "ExitError", FailingLine: 7, LogTail: "FAIL pkg",
		}},
	})
	assert.Contains(t, p, "Attempt 2 failed.")
	assert.Contains(t, p, "Failing line: 7")
	assert.Contains(t, p, "FAIL pkg")
}
