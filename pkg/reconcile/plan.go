// Package reconcile computes the changes that turn the current grid into the
// goal grid and applies them through the execution engine.
package reconcile

import (
	"context"
	"fmt"

	"github.com/Sternrassler/gridsync/pkg/engine"
	"github.com/Sternrassler/gridsync/pkg/grid"
)

// Action is the kind of change an Op makes.
type Action string

const (
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
)

// Op is one cell change.
type Op struct {
	Action Action
	Row    int
	Col    int
	Entity grid.Entity
}

// String renders the op for logs, e.g. "create RED_SOLOON at (2,5)".
func (o Op) String() string {
	return fmt.Sprintf("%s %s at (%d,%d)", o.Action, o.Entity.Token(), o.Row, o.Col)
}

// Task binds the op to a remote grid.
func (o Op) Task(remote Remote) engine.Task {
	return func(ctx context.Context) error {
		var err error
		if o.Action == ActionDelete {
			err = remote.DeleteEntity(ctx, o.Entity.Kind, o.Row, o.Col)
		} else {
			err = remote.CreateEntity(ctx, o.Row, o.Col, o.Entity)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", o, err)
		}
		return nil
	}
}

// Plan diffs goal against current. A cell whose current entity differs from
// the goal is deleted, and a goal entity missing from current is created, so
// a replaced cell yields one op of each. Current cells outside the goal's
// bounds are deleted. Matching grids yield no ops.
func Plan(goal, current grid.Grid) (deletes, creates []Op) {
	for r, row := range current {
		for c, have := range row {
			if have != nil && !grid.Equal(have, goal.At(r, c)) {
				deletes = append(deletes, Op{Action: ActionDelete, Row: r, Col: c, Entity: *have})
			}
		}
	}

	for r, row := range goal {
		for c, want := range row {
			if want != nil && !grid.Equal(want, current.At(r, c)) {
				creates = append(creates, Op{Action: ActionCreate, Row: r, Col: c, Entity: *want})
			}
		}
	}

	return deletes, creates
}

// Tasks converts ops to engine tasks against remote.
func Tasks(ops []Op, remote Remote) []engine.Task {
	tasks := make([]engine.Task, len(ops))
	for i, op := range ops {
		tasks[i] = op.Task(remote)
	}
	return tasks
}
