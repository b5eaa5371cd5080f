package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{850 * time.Millisecond, "850ms"},
		{4200 * time.Millisecond, "4.2s"},
		{3*time.Minute + 5*time.Second, "3m 05s"},
		{time.Hour + 2*time.Minute, "1h 02m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatElapsed(tt.d))
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", Describe(nil))
	assert.Equal(t, "error: boom", Describe(&engine.State{Error: "boom", CurrentInstruction: "x"}))
	assert.Equal(t, "question: which one?", Describe(&engine.State{PendingQuestion: "which one?"}))
	assert.Equal(t, "complete", Describe(&engine.State{IsComplete: true}))
	assert.Equal(t, "-> click", Describe(&engine.State{CurrentInstruction: "click"}))
	assert.Equal(t, "retrying: timeout", Describe(&engine.State{StepError: "timeout"}))
	assert.Equal(t, "planning", Describe(&engine.State{Status: engine.StatusPlanning}))
}

func TestProgress(t *testing.T) {
	assert.Zero(t, Progress(nil, 50))
	assert.Equal(t, 1.0, Progress(&engine.State{IsComplete: true}, 50))
	assert.InDelta(t, 0.2, Progress(&engine.State{IterationCount: 10}, 50), 1e-9)
	assert.Equal(t, 1.0, Progress(&engine.State{IterationCount: 80}, 50))
	assert.InDelta(t, 0.5, Progress(&engine.State{
		IterationCount: 1,
		Graph:          &engine.GraphState{TaskCount: 4, CompletedCount: 2},
	}, 50), 1e-9)
	assert.Zero(t, Progress(&engine.State{IterationCount: 3}, 0))
}
