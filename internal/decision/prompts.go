package decision

import (
	"fmt"
	"strings"
)

const planTemplate = `You are the planner of a task agent. Decide the single next instruction
that moves the goal forward, or declare the goal complete.

%s

Respond with one JSON object and nothing else:
{"thought": "...", "nextInstruction": "...", "isComplete": false,
 "completionMessage": "...", "needsMoreInfo": false, "question": "..."}
Set isComplete with a completionMessage when the goal is achieved.
Set needsMoreInfo with a question only when the user must answer before any progress is possible.`

func planPrompt(req PlanRequest) string {
	ctx := req.Context
	if ctx == "" {
		ctx = "Goal: " + req.Goal
	}
	return fmt.Sprintf(planTemplate, ctx)
}

const actTemplate = `You are the executor of a task agent. Produce one concrete action that
carries out the instruction.

Goal: %s
Instruction: %s
%s
Respond with one JSON object and nothing else:
{"thought": "...", "action": {"type": "shell|http|browser|script", "code": "...", "input": {}}}`

func actPrompt(req ActRequest) string {
	var prior strings.Builder
	if p := req.Prior; p != nil {
		fmt.Fprintf(&prior, "\nAttempt %d failed.\nAction: %s\nError: %s\n", p.Attempt, p.Action, p.Diagnostics.Message)
		if p.Diagnostics.Kind != "" {
			fmt.Fprintf(&prior, "Error kind: %s\n", p.Diagnostics.Kind)
		}
		if p.Diagnostics.FailingLine > 0 {
			fmt.Fprintf(&prior, "Failing line: %d\n", p.Diagnostics.FailingLine)
		}
		if p.Diagnostics.Stack != "" {
			fmt.Fprintf(&prior, "Stack:\n%s\n", p.Diagnostics.Stack)
		}
		if p.Diagnostics.LogTail != "" {
			fmt.Fprintf(&prior, "Log tail:\n%s\n", p.Diagnostics.LogTail)
		}
		prior.WriteString("Fix the cause before retrying.\n")
	}
	return fmt.Sprintf(actTemplate, req.Goal, req.Instruction, prior.String())
}

const decomposeTemplate = `Split the goal into an epic and an ordered list of tasks.

Goal: %s

Respond with one JSON object and nothing else:
{"epicTitle": "...", "tasks": [{"title": "...", "dependsOnIndices": [0], "mergeable": false, "type": "action|code|text|research|analysis"}]}
dependsOnIndices may only name earlier tasks. Mark small independent tasks mergeable.`

func decomposePrompt(goal string) string {
	return fmt.Sprintf(decomposeTemplate, goal)
}
