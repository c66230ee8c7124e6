// Package grid models the two dimensional task space a harvest run walks,
// the durable cursor that lets a run resume after interruption, and the
// lifecycle of a single run.
package grid

import (
	"fmt"
	"iter"
)

// Coordinate addresses one task in the grid. Dim1 is the outer, slowest
// varying index.
type Coordinate struct {
	Dim1 int `json:"dim1_index"`
	Dim2 int `json:"dim2_index"`
}

// String renders the coordinate as "dim1/dim2".
func (c Coordinate) String() string { return fmt.Sprintf("%d/%d", c.Dim1, c.Dim2) }

// Less reports whether c comes strictly before other in row-major order.
func (c Coordinate) Less(other Coordinate) bool {
	if c.Dim1 != other.Dim1 {
		return c.Dim1 < other.Dim1
	}
	return c.Dim2 < other.Dim2
}

// Dimension is one labelled axis of the grid, e.g. the keyword list or the
// area list.
type Dimension struct {
	Name   string
	Values []string
}

// Task is an immutable unit of acquisition work: a coordinate together with
// the labels it resolves to.
type Task struct {
	coord   Coordinate
	dim1    string
	dim2    string
	ordinal int
}

// Coordinate returns the task's position in the grid.
func (t Task) Coordinate() Coordinate { return t.coord }

// Dim1 returns the label of the outer dimension value, e.g. the keyword.
func (t Task) Dim1() string { return t.dim1 }

// Dim2 returns the label of the inner dimension value, e.g. the area.
func (t Task) Dim2() string { return t.dim2 }

// Ordinal is the zero based row-major position of the task.
func (t Task) Ordinal() int { return t.ordinal }

// String renders the task for logs.
func (t Task) String() string { return fmt.Sprintf("(%s,%s)", t.dim1, t.dim2) }

// Grid is the Cartesian product of two dimensions enumerated in row-major
// order.
type Grid struct {
	dim1 Dimension
	dim2 Dimension
}

// New builds a grid. Both dimensions must be non-empty.
func New(dim1, dim2 Dimension) (*Grid, error) {
	if len(dim1.Values) == 0 || len(dim2.Values) == 0 {
		return nil, newEmptyGridError(dim1.Name, dim2.Name)
	}
	return &Grid{dim1: dim1, dim2: dim2}, nil
}

// Dim1 returns the outer dimension.
func (g *Grid) Dim1() Dimension { return g.dim1 }

// Dim2 returns the inner dimension.
func (g *Grid) Dim2() Dimension { return g.dim2 }

// Size is the total number of tasks.
func (g *Grid) Size() int { return len(g.dim1.Values) * len(g.dim2.Values) }

// Contains reports whether c lies inside the grid.
func (g *Grid) Contains(c Coordinate) bool {
	return c.Dim1 >= 0 && c.Dim1 < len(g.dim1.Values) &&
		c.Dim2 >= 0 && c.Dim2 < len(g.dim2.Values)
}

// Task resolves a coordinate into a Task.
func (g *Grid) Task(c Coordinate) (Task, error) {
	if !g.Contains(c) {
		return Task{}, newOutOfRangeError(c)
	}
	return Task{
		coord:   c,
		dim1:    g.dim1.Values[c.Dim1],
		dim2:    g.dim2.Values[c.Dim2],
		ordinal: c.Dim1*len(g.dim2.Values) + c.Dim2,
	}, nil
}

// Successor returns the coordinate immediately after c in row-major order.
// The second result is false when c is the last coordinate.
func (g *Grid) Successor(c Coordinate) (Coordinate, bool) {
	next := Coordinate{Dim1: c.Dim1, Dim2: c.Dim2 + 1}
	if next.Dim2 >= len(g.dim2.Values) {
		next = Coordinate{Dim1: c.Dim1 + 1, Dim2: 0}
	}
	if next.Dim1 >= len(g.dim1.Values) {
		return Coordinate{}, false
	}
	return next, true
}

// Predecessor returns the coordinate immediately before c. The second result
// is false for the origin.
func (g *Grid) Predecessor(c Coordinate) (Coordinate, bool) {
	if c.Dim2 > 0 {
		return Coordinate{Dim1: c.Dim1, Dim2: c.Dim2 - 1}, true
	}
	if c.Dim1 > 0 {
		return Coordinate{Dim1: c.Dim1 - 1, Dim2: len(g.dim2.Values) - 1}, true
	}
	return Coordinate{}, false
}

// ResumeFrom computes where a run starts given the last completed
// coordinate. A nil checkpoint starts at the origin. done is true when the
// checkpoint already names the final task.
func (g *Grid) ResumeFrom(cp *Checkpoint) (start Coordinate, done bool, err error) {
	if cp == nil {
		return Coordinate{}, false, nil
	}
	last := cp.Coordinate()
	if !g.Contains(last) {
		return Coordinate{}, false, newOutOfRangeError(last)
	}
	next, ok := g.Successor(last)
	if !ok {
		return Coordinate{}, true, nil
	}
	return next, false, nil
}

// Tasks yields every task from start onward in row-major order. Coordinates
// before start are never produced.
func (g *Grid) Tasks(start Coordinate) iter.Seq[Task] {
	return func(yield func(Task) bool) {
		if !g.Contains(start) {
			return
		}
		c := start
		for {
			t, _ := g.Task(c)
			if !yield(t) {
				return
			}
			next, ok := g.Successor(c)
			if !ok {
				return
			}
			c = next
		}
	}
}
