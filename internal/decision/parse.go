package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

var errNoJSON = errors.New("no JSON object in response")

// extractJSON returns the first balanced JSON object in text. Code fences
// and surrounding prose are ignored.
func extractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, nil
					}
					i = len(text)
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", errNoJSON
}

// decodeStrict extracts the first object and decodes it into v. Type
// mismatches fail; extra fields are ignored.
func decodeStrict(stage, raw string, v any) error {
	obj, err := extractJSON(raw)
	if err != nil {
		return &engine.ParseError{Stage: stage, Raw: raw, Err: err}
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return &engine.ParseError{Stage: stage, Raw: raw, Err: err}
	}
	return nil
}

// ParsePlan decodes a planner response.
func ParsePlan(raw string) (*Plan, error) {
	var p Plan
	if err := decodeStrict("plan", raw, &p); err != nil {
		return nil, err
	}
	p.NextInstruction = strings.TrimSpace(p.NextInstruction)
	if p.NeedsMoreInfo && strings.TrimSpace(p.Question) == "" {
		return nil, &engine.ParseError{Stage: "plan", Raw: raw, Err: errors.New("needsMoreInfo without question")}
	}
	return &p, nil
}

// ParseAct decodes an executor response.
func ParseAct(raw string) (*Act, error) {
	var a Act
	if err := decodeStrict("act", raw, &a); err != nil {
		return nil, err
	}
	if err := a.Action.Validate(); err != nil {
		return nil, &engine.ParseError{Stage: "act", Raw: raw, Err: err}
	}
	return &a, nil
}

// ParseDecomposition decodes a scheduler response. Index validation is the
// scheduler's job; only the shape is checked here.
func ParseDecomposition(raw string) (*Decomposition, error) {
	var d Decomposition
	if err := decodeStrict("decompose", raw, &d); err != nil {
		return nil, err
	}
	for i, t := range d.Tasks {
		if strings.TrimSpace(t.Title) == "" {
			return nil, &engine.ParseError{Stage: "decompose", Raw: raw,
				Err: fmt.Errorf("task %d has no title", i)}
		}
	}
	return &d, nil
}
