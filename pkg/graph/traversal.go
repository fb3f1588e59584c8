package graph

import (
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/dagstack/orchard/pkg/types"
)

// UpdateCriticalTime sets node's critical time to the maximum critical
// time over its parents plus its own execution time. Instrumentation only.
func (g *Graph) UpdateCriticalTime(node *Node, executionTime time.Duration) {
	var maxParent time.Duration
	for _, parentKey := range node.Parents {
		if parent := g.nodes[parentKey]; parent.CriticalTime > maxParent {
			maxParent = parent.CriticalTime
		}
	}
	node.CriticalTime = maxParent + executionTime
}

// ParentsAtDepth returns the ancestors exactly depth levels up the parent
// relation. Depth zero returns the node itself. The visited set keeps
// diamond topologies from being walked twice.
func (g *Graph) ParentsAtDepth(node *Node, depth int) []*Node {
	if node == nil || depth < 0 {
		return nil
	}

	visited := mapset.NewThreadUnsafeSet[string]()
	var result []*Node

	var dfs func(n *Node, remaining int)
	dfs = func(n *Node, remaining int) {
		if n == nil || visited.Contains(n.Key) {
			return
		}
		visited.Add(n.Key)
		if remaining == 0 {
			result = append(result, n)
			return
		}
		for _, parentKey := range n.Parents {
			dfs(g.nodes[parentKey], remaining-1)
		}
	}
	dfs(node, depth)
	return result
}

// SafeAncestors returns the ancestors of start (excluding start itself)
// whose outputs can never be needed again.
//
// The walk is a reverse breadth-first search that enters a parent only
// when every child of that parent outside the already-visited subgraph is
// completed with a persisted output and is not unsafely pruned. A parent
// already marked Safe is a sealed boundary: nothing to do there, and
// nothing behind it either, which keeps the amortized cost linear across
// the workflow lifetime.
func (g *Graph) SafeAncestors(start *Node) []*Node {
	if start == nil {
		return nil
	}

	visited := mapset.NewThreadUnsafeSet[string]()
	visited.Add(start.Key)
	queue := []*Node{start}
	var result []*Node

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, parentKey := range current.Parents {
			parent := g.nodes[parentKey]
			if visited.Contains(parent.Key) {
				continue
			}
			if parent.PruneStatus == types.PruneSafe {
				continue
			}

			allChildrenSafe := true
			for _, childKey := range parent.Children {
				child := g.nodes[childKey]
				if visited.Contains(child.Key) {
					continue
				}
				if !child.OutfilePersisted() {
					allChildrenSafe = false
					break
				}
				if child.PruneStatus == types.PruneUnsafe {
					allChildrenSafe = false
					break
				}
			}
			if !allChildrenSafe {
				continue
			}

			visited.Add(parent.Key)
			queue = append(queue, parent)
			result = append(result, parent)
		}
	}
	return result
}

// DebugString renders a deterministic human-readable dump of a node.
// Workflows at this scale are debugged largely from logs.
func (g *Graph) DebugString(node *Node) string {
	if node == nil {
		return "(nil node)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "---------------- Node Info ----------------\n")
	fmt.Fprintf(&b, "key: %s\n", node.Key)
	if node.Task != nil {
		fmt.Fprintf(&b, "task_id: %d\n", node.Task.ID)
	}
	fmt.Fprintf(&b, "is_target: %t\n", node.IsTarget)
	fmt.Fprintf(&b, "outfile_class: %s\n", node.OutfileClass)
	fmt.Fprintf(&b, "outfile_remote_name: %s\n", node.OutfileRemoteName)
	if node.Outfile != nil {
		fmt.Fprintf(&b, "outfile_cached_name: %s\n", node.Outfile.CachedName())
	}
	fmt.Fprintf(&b, "outfile_size_bytes: %d\n", node.OutfileSizeBytes)
	fmt.Fprintf(&b, "prune_status: %s\n", node.PruneStatus)
	fmt.Fprintf(&b, "completed: %t submitted: %t retries_left: %d\n", node.Completed, node.Submitted, node.RetryAttemptsLeft)
	fmt.Fprintf(&b, "depth: %d height: %d fan_in: %d fan_out: %d\n", node.Depth, node.Height, node.FanIn, node.FanOut)
	fmt.Fprintf(&b, "upstream: %d downstream: %d heavy_score: %.6f\n", node.UpstreamSubgraphSize, node.DownstreamSubgraphSize, node.HeavyScore)
	fmt.Fprintf(&b, "critical_time_us: %d\n", node.CriticalTime.Microseconds())
	fmt.Fprintf(&b, "parents: [%s]\n", strings.Join(node.Parents, ", "))
	fmt.Fprintf(&b, "children: [%s]\n", strings.Join(node.Children, ", "))
	fmt.Fprintf(&b, "pending_parents: %d\n", node.RemainingParents())
	fmt.Fprintf(&b, "-------------------------------------------")
	return b.String()
}
