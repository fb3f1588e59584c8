package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/dagstack/orchard/pkg/graph"
	"github.com/dagstack/orchard/pkg/manager"
	"github.com/dagstack/orchard/pkg/managertest"
	"github.com/dagstack/orchard/pkg/types"
)

func buildDiamond(t *testing.T) (*graph.Graph, *managertest.Sim) {
	t.Helper()
	sim := managertest.NewSim(2)
	g, err := graph.New(sim)
	if err != nil {
		t.Fatalf("graph.New() error = %v", err)
	}
	g.SetProxyLibraryName("lib")
	g.SetProxyFunctionName("fn")
	if err := g.Tune(types.TuneOutputDir, t.TempDir()); err != nil {
		t.Fatalf("Tune(output-dir) error = %v", err)
	}
	for _, key := range []string{"a", "b", "c", "d"} {
		if _, err := g.AddNode(key, key == "d"); err != nil {
			t.Fatalf("AddNode(%s) error = %v", key, err)
		}
	}
	for _, edge := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if err := g.AddDependency(edge[0], edge[1]); err != nil {
			t.Fatalf("AddDependency error = %v", err)
		}
	}
	if err := g.ComputeTopologyMetrics(); err != nil {
		t.Fatalf("ComputeTopologyMetrics() error = %v", err)
	}
	return g, sim
}

func tune(t *testing.T, g *graph.Graph, key, value string) {
	t.Helper()
	if err := g.Tune(key, value); err != nil {
		t.Fatalf("Tune(%s) error = %v", key, err)
	}
}

func TestPriority_Modes(t *testing.T) {
	g, _ := buildDiamond(t)
	d := New(g, nil)
	nodeA := g.NodeByKey("a")
	nodeD := g.NodeByKey("d")

	tune(t, g, types.TuneTaskPriorityMode, "random")
	if p := d.Priority(nodeA); p < 0 || p >= 1 {
		t.Errorf("random priority = %v, want in [0, 1)", p)
	}

	tune(t, g, types.TuneTaskPriorityMode, "depth-first")
	if p := d.Priority(nodeD); p != 2 {
		t.Errorf("depth-first priority of d = %v, want 2", p)
	}

	tune(t, g, types.TuneTaskPriorityMode, "breadth-first")
	if p := d.Priority(nodeD); p != -2 {
		t.Errorf("breadth-first priority of d = %v, want -2", p)
	}

	tune(t, g, types.TuneTaskPriorityMode, "fifo")
	if p := d.Priority(nodeA); p >= 0 {
		t.Errorf("fifo priority = %v, want negative", p)
	}

	tune(t, g, types.TuneTaskPriorityMode, "lifo")
	if p := d.Priority(nodeA); p <= 0 {
		t.Errorf("lifo priority = %v, want positive", p)
	}
}

func TestPriority_SkipsUnmaterializedParents(t *testing.T) {
	// Shared-class parents carry no tracked file object; the input-size
	// sums must ignore them instead of crashing or miscounting.
	sim := managertest.NewSim(1)
	g, err := graph.New(sim)
	if err != nil {
		t.Fatalf("graph.New() error = %v", err)
	}
	g.SetProxyLibraryName("lib")
	g.SetProxyFunctionName("fn")
	tune(t, g, types.TuneOutputDir, t.TempDir())
	tune(t, g, types.TuneCheckpointDir, t.TempDir())
	tune(t, g, types.TuneCheckpointFraction, "1.0")
	for _, key := range []string{"p", "q"} {
		if _, err := g.AddNode(key, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.AddDependency("p", "q"); err != nil {
		t.Fatal(err)
	}
	if err := g.ComputeTopologyMetrics(); err != nil {
		t.Fatal(err)
	}

	d := New(g, nil)
	tune(t, g, types.TuneTaskPriorityMode, "largest-input-first")
	if p := d.Priority(g.NodeByKey("q")); p != 0 {
		t.Errorf("largest-input-first over shared parent = %v, want 0", p)
	}
	tune(t, g, types.TuneTaskPriorityMode, "largest-storage-footprint-first")
	if p := d.Priority(g.NodeByKey("q")); p != 0 {
		t.Errorf("largest-storage-footprint-first over shared parent = %v, want 0", p)
	}
}

func TestSubmit_RecordsTaskMapping(t *testing.T) {
	g, _ := buildDiamond(t)
	d := New(g, nil)
	nodeA := g.NodeByKey("a")

	if err := d.Submit(context.Background(), nodeA); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !nodeA.Submitted {
		t.Error("Submit() did not mark the node submitted")
	}
	if got := g.NodeByTaskID(nodeA.Task.ID); got != nodeA {
		t.Errorf("NodeByTaskID(%d) = %v, want node a", nodeA.Task.ID, got)
	}
}

func TestActivateChildren(t *testing.T) {
	g, _ := buildDiamond(t)
	d := New(g, nil)
	ctx := context.Background()

	for _, node := range g.Nodes() {
		node.PendingParents.Clear()
		for _, parentKey := range node.Parents {
			node.PendingParents.Add(parentKey)
		}
	}

	nodeA := g.NodeByKey("a")
	if err := d.ActivateChildren(ctx, nodeA); err != nil {
		t.Fatalf("ActivateChildren(a) error = %v", err)
	}
	// b and c had a single pending parent each: both submitted now.
	for _, key := range []string{"b", "c"} {
		if !g.NodeByKey(key).Submitted {
			t.Errorf("node %s not submitted after parent completed", key)
		}
	}
	// d still waits for b and c.
	if g.NodeByKey("d").Submitted {
		t.Error("node d submitted before both parents completed")
	}

	if err := d.ActivateChildren(ctx, g.NodeByKey("b")); err != nil {
		t.Fatalf("ActivateChildren(b) error = %v", err)
	}
	if g.NodeByKey("d").Submitted {
		t.Error("node d submitted after only one parent completed")
	}
	if err := d.ActivateChildren(ctx, g.NodeByKey("c")); err != nil {
		t.Fatalf("ActivateChildren(c) error = %v", err)
	}
	if !g.NodeByKey("d").Submitted {
		t.Error("node d not submitted after both parents completed")
	}
}

func TestActivateChildren_DoubleFireIsFatal(t *testing.T) {
	g, _ := buildDiamond(t)
	d := New(g, nil)
	ctx := context.Background()

	for _, node := range g.Nodes() {
		node.PendingParents.Clear()
		for _, parentKey := range node.Parents {
			node.PendingParents.Add(parentKey)
		}
	}

	if err := d.ActivateChildren(ctx, g.NodeByKey("a")); err != nil {
		t.Fatalf("first ActivateChildren(a) error = %v", err)
	}
	err := d.ActivateChildren(ctx, g.NodeByKey("a"))
	if !errors.Is(err, ErrEdgeAlreadyFired) {
		t.Fatalf("second ActivateChildren(a) error = %v, want ErrEdgeAlreadyFired", err)
	}
}

func TestResolve(t *testing.T) {
	g, _ := buildDiamond(t)
	d := New(g, nil)
	ctx := context.Background()

	nodeA := g.NodeByKey("a")
	if err := d.Submit(ctx, nodeA); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Standard task: task-id map.
	node, recovery, err := d.Resolve(nodeA.Task)
	if err != nil {
		t.Fatalf("Resolve(standard) error = %v", err)
	}
	if node != nodeA || recovery {
		t.Errorf("Resolve(standard) = (%v, %t), want (a, false)", node, recovery)
	}

	// Recovery task: never in the task map, resolved by scanning output
	// bindings for a known cached name.
	recoveryTask := manager.NewTask("fn")
	recoveryTask.ID = 9999
	recoveryTask.Recovery = true
	recoveryTask.Outputs = nodeA.Task.Outputs
	node, recovery, err = d.Resolve(recoveryTask)
	if err != nil {
		t.Fatalf("Resolve(recovery) error = %v", err)
	}
	if node != nodeA || !recovery {
		t.Errorf("Resolve(recovery) = (%v, %t), want (a, true)", node, recovery)
	}

	// A task resolving neither way is a protocol bug.
	stray := manager.NewTask("fn")
	stray.ID = 12345
	if _, _, err := d.Resolve(stray); !errors.Is(err, ErrUnresolvedTask) {
		t.Errorf("Resolve(stray) error = %v, want ErrUnresolvedTask", err)
	}
}
