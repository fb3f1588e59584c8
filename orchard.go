// Package orchard is the driver-facing surface of the task graph engine.
//
// A driver builds a graph of nodes whose inputs and outputs are opaque
// blobs, wires dependencies between them, lets the engine assign each
// output a storage class, and executes the graph against a manager that
// owns a fleet of workers:
//
//	g, err := orchard.NewGraph(mgr)
//	g.SetProxyLibraryName("mylib")
//	g.SetProxyFunctionName("compute")
//	g.AddNode("fetch", false)
//	g.AddNode("report", true)
//	g.AddDependency("fetch", "report")
//	g.ComputeTopologyMetrics()
//	stats, err := orchard.Execute(ctx, g)
//	path, err := g.NodeLocalOutfileSource("report")
//	g.Delete()
//
// The heavy lifting lives in the pkg tree: pkg/graph (topology and
// output-class assignment), pkg/dispatch (priorities and task
// correlation), pkg/prune (incremental reclamation of intermediates), and
// pkg/engine (the drain loop).
package orchard

import (
	"context"

	"github.com/dagstack/orchard/pkg/engine"
	"github.com/dagstack/orchard/pkg/graph"
	"github.com/dagstack/orchard/pkg/manager"
)

// NewGraph creates an empty task graph bound to a manager.
func NewGraph(m manager.Manager) (*graph.Graph, error) {
	return graph.New(m)
}

// Execute drives the graph to completion and returns the run statistics.
// It blocks until every node has completed, the run is interrupted, or a
// task fails with no retries left.
func Execute(ctx context.Context, g *graph.Graph, opts ...engine.Option) (engine.Stats, error) {
	e := engine.New(g, opts...)
	err := e.Execute(ctx)
	return e.Stats(), err
}
