package graph

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/emirpasic/gods/queues/priorityqueue"

	"github.com/dagstack/orchard/pkg/manager"
	"github.com/dagstack/orchard/pkg/types"
)

// lexPriority derives a deterministic ordering score from the first bytes
// of a node key. Used to break topological-order ties so two runs of the
// same graph analyze nodes in the same order.
func lexPriority(key string) float64 {
	score := 0.0
	factor := 1.0
	for i := 0; i < 8 && i < len(key); i++ {
		score += float64(key[i]) * factor
		factor *= 0.01
	}
	return -score
}

// topoOrdering dequeues the node with the highest lexicographic priority
// first; creation order settles exact ties.
func topoOrdering(a, b interface{}) int {
	na := a.(*Node)
	nb := b.(*Node)
	pa := lexPriority(na.Key)
	pb := lexPriority(nb.Key)
	switch {
	case pa > pb:
		return -1
	case pa < pb:
		return 1
	}
	return na.Ordinal - nb.Ordinal
}

// topologicalOrder produces a deterministic topological order of all
// nodes. The count of visited nodes must equal the node-set size; anything
// less means the dependency relation has a cycle, which is a fatal
// configuration error.
func (g *Graph) topologicalOrder() ([]*Node, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, node := range g.order {
		inDegree[node.Key] = len(node.Parents)
	}

	pq := priorityqueue.NewWith(topoOrdering)
	for _, node := range g.order {
		if inDegree[node.Key] == 0 {
			pq.Enqueue(node)
		}
	}

	order := make([]*Node, 0, len(g.order))
	for !pq.Empty() {
		v, _ := pq.Dequeue()
		node := v.(*Node)
		order = append(order, node)
		for _, childKey := range node.Children {
			inDegree[childKey]--
			if inDegree[childKey] == 0 {
				pq.Enqueue(g.nodes[childKey])
			}
		}
	}

	if len(order) != len(g.order) {
		stuck := make([]string, 0)
		for key, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, key)
			}
		}
		sort.Strings(stuck)
		if len(stuck) > 20 {
			stuck = append(stuck[:20], "...")
		}
		return nil, fmt.Errorf("%w: visited %d of %d nodes, blocked on [%s]",
			ErrCycleDetected, len(order), len(g.order), strings.Join(stuck, ", "))
	}
	return order, nil
}

// ComputeTopologyMetrics analyzes the finished graph structure and assigns
// every node its output storage class. MUST be called after all nodes and
// edges are added and before execution.
//
// Metric computation is idempotent: a second call recomputes equal values.
// The output-class assignment happens exactly once; later calls leave the
// classes untouched.
func (g *Graph) ComputeTopologyMetrics() error {
	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}

	// Depth in forward order: 1 + max over parents, 0 for roots.
	for _, node := range order {
		node.Depth = 0
		for _, parentKey := range node.Parents {
			if d := g.nodes[parentKey].Depth + 1; d > node.Depth {
				node.Depth = d
			}
		}
	}

	// Height in reverse order: 1 + max over children, 0 for leaves.
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		node.Height = 0
		for _, childKey := range node.Children {
			if h := g.nodes[childKey].Height + 1; h > node.Height {
				node.Height = h
			}
		}
	}

	// Transitive ancestor sets in forward order.
	upstream := make(map[string]mapset.Set[string], len(order))
	for _, node := range order {
		set := mapset.NewThreadUnsafeSet[string]()
		for _, parentKey := range node.Parents {
			set.Add(parentKey)
			set = set.Union(upstream[parentKey])
		}
		upstream[node.Key] = set
		node.UpstreamSubgraphSize = set.Cardinality()
	}

	// Transitive descendant sets in reverse order.
	downstream := make(map[string]mapset.Set[string], len(order))
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		set := mapset.NewThreadUnsafeSet[string]()
		for _, childKey := range node.Children {
			set.Add(childKey)
			set = set.Union(downstream[childKey])
		}
		downstream[node.Key] = set
		node.DownstreamSubgraphSize = set.Cardinality()
	}

	// Fan-in, fan-out, heavy score. The +1 keeps leaves finite.
	for _, node := range order {
		node.FanIn = len(node.Parents)
		node.FanOut = len(node.Children)
		numerator := float64(node.Depth) * float64(node.UpstreamSubgraphSize) * float64(node.FanIn)
		denominator := float64(node.Height)*float64(node.DownstreamSubgraphSize)*float64(node.FanOut) + 1
		node.HeavyScore = numerator / denominator
	}

	g.metricsComputed = true

	if g.classesAssigned {
		return nil
	}
	return g.assignOutputClasses()
}

// MetricsComputed reports whether ComputeTopologyMetrics has run.
func (g *Graph) MetricsComputed() bool {
	return g.metricsComputed
}

// assignOutputClasses walks nodes in descending heavy-score order and
// decides where each output lives. Targets always persist locally;
// checkpoint slots go to the heaviest intermediates, whose outputs sit on
// many paths and pay off both for pruning upstream and for recovery after
// worker loss; everything else stays ephemeral on the workers.
func (g *Graph) assignOutputClasses() error {
	total := len(g.order)
	targets := len(g.targets)
	checkpointCount := int(math.Floor(float64(total-targets) * g.config.CheckpointFraction))

	if checkpointCount > 0 && g.config.CheckpointDir == "" {
		return ErrNoCheckpointDir
	}

	ranked := make([]*Node, len(g.order))
	copy(ranked, g.order)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].HeavyScore != ranked[j].HeavyScore {
			return ranked[i].HeavyScore > ranked[j].HeavyScore
		}
		return ranked[i].Ordinal < ranked[j].Ordinal
	})

	assigned := 0
	for _, node := range ranked {
		switch {
		case node.IsTarget:
			node.OutfileClass = types.OutputLocal
			path := filepath.Join(g.config.OutputDir, node.OutfileRemoteName)
			outfile, err := g.mgr.DeclareFile(path, manager.CacheLevelWorkflow, manager.FlagNone)
			if err != nil {
				return fmt.Errorf("declare local output for node %s: %w", node.Key, err)
			}
			node.Outfile = outfile
			node.Task.AddOutput(outfile, node.OutfileRemoteName, manager.TransferAlways)
			g.RegisterOutfileCachedName(outfile.CachedName(), node)

		case assigned < checkpointCount:
			node.OutfileClass = types.OutputShared
			// The worker writes straight into the shared filesystem; the
			// manager tracks no file object for it.
			node.OutfileRemoteName = filepath.Join(g.config.CheckpointDir, node.OutfileRemoteName)
			assigned++

		default:
			node.OutfileClass = types.OutputTemp
			outfile, err := g.mgr.DeclareTemp()
			if err != nil {
				return fmt.Errorf("declare temp output for node %s: %w", node.Key, err)
			}
			node.Outfile = outfile
			node.Task.AddOutput(outfile, node.OutfileRemoteName, manager.TransferAlways)
			g.RegisterOutfileCachedName(outfile.CachedName(), node)
		}
	}

	g.classesAssigned = true
	return nil
}
