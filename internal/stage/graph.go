// Package stage decides which pipeline stages must run.
//
// Stages form a chain PREPROCESS → TRAIN → TEST → GAPFILL. Forcing a stage
// forces its whole downstream closure, and a stage's cached output is trusted
// only when every upstream stage is also trusted.
package stage

import (
	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"

	"fluxweaver/internal/core"
)

// Graph is the stage dependency graph.
type Graph struct {
	g     graph.Graph[core.Stage, core.Stage]
	order []core.Stage
}

func stageHash(s core.Stage) core.Stage { return s }

// NewGraph builds the pipeline chain and caches its topological order.
func NewGraph() (*Graph, error) {
	g := graph.New(stageHash, graph.Directed(), graph.Acyclic(), graph.PreventCycles())

	stages := core.AllStages()
	for _, s := range stages {
		if err := g.AddVertex(s); err != nil {
			return nil, errors.Wrapf(err, "add stage %s", s)
		}
	}
	for i := 1; i < len(stages); i++ {
		if err := g.AddEdge(stages[i-1], stages[i]); err != nil {
			return nil, errors.Wrapf(err, "add edge %s -> %s", stages[i-1], stages[i])
		}
	}

	order, err := graph.StableTopologicalSort(g, func(a, b core.Stage) bool { return a < b })
	if err != nil {
		return nil, errors.Wrap(err, "ordering stages")
	}
	return &Graph{g: g, order: order}, nil
}

// Order returns every stage in execution order.
func (g *Graph) Order() []core.Stage {
	return append([]core.Stage(nil), g.order...)
}

// Downstream returns from and every stage reachable from it, in execution order.
func (g *Graph) Downstream(from core.Stage) ([]core.Stage, error) {
	reached := make(map[core.Stage]struct{})
	err := graph.BFS(g.g, from, func(s core.Stage) bool {
		reached[s] = struct{}{}
		return false
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking from %s", from)
	}
	return g.sorted(reached), nil
}

// Closure returns the union of the downstream closures of forced, in
// execution order.
func (g *Graph) Closure(forced ...core.Stage) ([]core.Stage, error) {
	reached := make(map[core.Stage]struct{})
	for _, s := range forced {
		ds, err := g.Downstream(s)
		if err != nil {
			return nil, err
		}
		for _, d := range ds {
			reached[d] = struct{}{}
		}
	}
	return g.sorted(reached), nil
}

func (g *Graph) sorted(set map[core.Stage]struct{}) []core.Stage {
	out := make([]core.Stage, 0, len(set))
	for _, s := range g.order {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
