package monitor

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

// FormatElapsed formats a duration as "850ms", "4.2s", "3m 05s" or "1h 02m".
func FormatElapsed(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// Describe summarizes what a step left the state doing.
func Describe(st *engine.State) string {
	switch {
	case st == nil:
		return ""
	case st.Error != "":
		return "error: " + st.Error
	case st.PendingQuestion != "":
		return "question: " + st.PendingQuestion
	case st.IsComplete:
		return "complete"
	case st.CurrentInstruction != "":
		return "-> " + st.CurrentInstruction
	case st.StepError != "":
		return "retrying: " + st.StepError
	default:
		return string(st.Status)
	}
}

// Progress returns the completed fraction of a run: tasks done out of the
// graph for graph runs, iterations out of maxIterations otherwise.
func Progress(st *engine.State, maxIterations int) float64 {
	if st == nil {
		return 0
	}
	if st.IsComplete {
		return 1
	}
	var f float64
	switch {
	case st.Graph != nil && st.Graph.TaskCount > 0:
		f = float64(st.Graph.CompletedCount) / float64(st.Graph.TaskCount)
	case maxIterations > 0:
		f = float64(st.IterationCount) / float64(maxIterations)
	}
	return min(max(f, 0), 1)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
