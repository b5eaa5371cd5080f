package router

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskpilot/internal/ledger"
)

// Unit is the work handed to one dispatch: a single task, or a run of
// adjacent mergeable tasks of the same kind.
type Unit struct {
	Kind  string
	Tasks []*ledger.Task
}

// TaskIDs returns the ids of the unit's tasks.
func (u Unit) TaskIDs() []string {
	ids := make([]string, len(u.Tasks))
	for i, t := range u.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Instruction renders the unit as a single instruction.
func (u Unit) Instruction() string {
	if len(u.Tasks) == 1 {
		return u.Tasks[0].Title
	}
	var b strings.Builder
	b.WriteString("Complete each of the following:\n")
	for i, t := range u.Tasks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t.Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

// KindOf returns the content kind recorded on t, defaulting to action.
func KindOf(t *ledger.Task) string {
	if k := strings.ToLower(strings.TrimSpace(t.Metadata[ledger.MetaType])); k != "" {
		return k
	}
	return KindAction
}

func mergeable(t *ledger.Task) bool {
	return t.Metadata[ledger.MetaMergeable] == "true"
}

// Batch groups ordered ready tasks into units. A task joins the previous unit
// only when both are mergeable, share a kind and no dependency edge links it
// to any task already in the unit.
func Batch(ready []*ledger.Task) []Unit {
	var units []Unit
	for _, t := range ready {
		kind := KindOf(t)
		if n := len(units); n > 0 {
			last := &units[n-1]
			if canJoin(*last, t, kind) {
				last.Tasks = append(last.Tasks, t)
				continue
			}
		}
		units = append(units, Unit{Kind: kind, Tasks: []*ledger.Task{t}})
	}
	return units
}

func canJoin(u Unit, t *ledger.Task, kind string) bool {
	if u.Kind != kind || !mergeable(t) {
		return false
	}
	for _, member := range u.Tasks {
		if !mergeable(member) || linked(member, t) {
			return false
		}
	}
	return true
}

func linked(a, b *ledger.Task) bool {
	for _, id := range a.BlockedBy {
		if id == b.ID {
			return true
		}
	}
	for _, id := range b.BlockedBy {
		if id == a.ID {
			return true
		}
	}
	return false
}
