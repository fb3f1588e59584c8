// Package dispatch turns ready graph nodes into submitted manager tasks,
// chooses per-task priorities, activates children as parents complete, and
// correlates returned tasks (including manager-synthesized recovery
// tasks) back to their originating nodes.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/dagstack/orchard/pkg/graph"
	"github.com/dagstack/orchard/pkg/manager"
	"github.com/dagstack/orchard/pkg/observer"
	"github.com/dagstack/orchard/pkg/types"
)

// Dispatcher submits nodes and resolves completions for one graph.
type Dispatcher struct {
	graph     *graph.Graph
	mgr       manager.Manager
	observers *observer.Manager
}

// New creates a dispatcher for the graph. The observer manager may be nil.
func New(g *graph.Graph, observers *observer.Manager) *Dispatcher {
	if observers == nil {
		observers = observer.NewManager()
	}
	return &Dispatcher{
		graph:     g,
		mgr:       g.Manager(),
		observers: observers,
	}
}

// Priority computes the scheduling priority of a node under the graph's
// configured mode. Larger runs first. Input-size sums skip parents whose
// output is not materialized: Shared-class parents have no tracked file
// object.
func (d *Dispatcher) Priority(node *graph.Node) float64 {
	switch d.graph.Config().TaskPriorityMode {
	case types.PriorityRandom:
		return rand.Float64()
	case types.PriorityDepthFirst:
		return float64(node.Depth)
	case types.PriorityBreadthFirst:
		return -float64(node.Depth)
	case types.PriorityFifo:
		return -float64(time.Now().UnixMicro())
	case types.PriorityLifo:
		return float64(time.Now().UnixMicro())
	case types.PriorityLargestInputFirst:
		sum := 0.0
		for _, parentKey := range node.Parents {
			parent := d.graph.NodeByKey(parentKey)
			if parent == nil || parent.Outfile == nil {
				continue
			}
			sum += float64(parent.Outfile.Size())
		}
		return sum
	case types.PriorityLargestStorageFootprintFirst:
		sum := 0.0
		for _, parentKey := range node.Parents {
			parent := d.graph.NodeByKey(parentKey)
			if parent == nil || parent.Outfile == nil {
				continue
			}
			sum += float64(parent.Outfile.Size()) * parent.LastExecutionTime.Seconds()
		}
		return sum
	default:
		return 0
	}
}

// Submit computes the node's priority, hands its task to the manager, and
// records the task-id → node mapping used when the completion comes back.
func (d *Dispatcher) Submit(ctx context.Context, node *graph.Node) error {
	task := node.Task
	task.SetPriority(d.Priority(node))

	taskID, err := d.mgr.Submit(task)
	if err != nil {
		return fmt.Errorf("submit node %s: %w", node.Key, err)
	}

	d.graph.BindTask(taskID, node)
	node.Submitted = true
	node.Timing.Submission = time.Now()

	d.observers.Notify(ctx, observer.Event{
		Type:        observer.EventNodeSubmitted,
		GraphID:     d.graph.ID,
		NodeKey:     node.Key,
		TaskID:      taskID,
		OutputClass: node.OutfileClass,
	})
	return nil
}

// Resubmit resets a failed task's transient state and submits it again
// under a fresh task identifier.
func (d *Dispatcher) Resubmit(ctx context.Context, node *graph.Node) error {
	d.graph.UnbindTask(node.Task.ID)
	node.Task.Reset()

	d.observers.Notify(ctx, observer.Event{
		Type:    observer.EventNodeRetried,
		GraphID: d.graph.ID,
		NodeKey: node.Key,
	})
	return d.Submit(ctx, node)
}

// ActivateChildren removes the completed parent from each child's pending
// set and submits children whose pending set drains. A parent absent from
// a child's pending set means the edge fired twice, which is a protocol
// violation.
func (d *Dispatcher) ActivateChildren(ctx context.Context, node *graph.Node) error {
	for _, childKey := range node.Children {
		child := d.graph.NodeByKey(childKey)
		if child == nil {
			return fmt.Errorf("%w: child %s of %s", ErrUnknownChild, childKey, node.Key)
		}
		if !child.PendingParents.Contains(node.Key) {
			return fmt.Errorf("%w: parent %s absent from pending set of %s\n%s",
				ErrEdgeAlreadyFired, node.Key, childKey, d.graph.DebugString(child))
		}
		child.PendingParents.Remove(node.Key)
		if child.RemainingParents() == 0 {
			if err := d.Submit(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resolve maps a returned task back to its node. A standard task resolves
// through the task-id map. A recovery task was never submitted by the
// core, so it misses the map; it is resolved by scanning its output
// bindings for a cached name the graph knows. A task that resolves
// neither way indicates a protocol bug and is fatal.
func (d *Dispatcher) Resolve(task *manager.Task) (node *graph.Node, recovery bool, err error) {
	if node := d.graph.NodeByTaskID(task.ID); node != nil {
		return node, false, nil
	}
	for _, binding := range task.Outputs {
		if binding.File == nil {
			continue
		}
		if node := d.graph.NodeByOutfileCachedName(binding.File.CachedName()); node != nil {
			return node, true, nil
		}
	}
	return nil, false, fmt.Errorf("%w: task %d (%s, result %s)",
		ErrUnresolvedTask, task.ID, task.FunctionName, task.Result)
}
