package graph

import (
	"sort"
	"testing"
	"time"

	"github.com/dagstack/orchard/pkg/types"
)

func keysOf(nodes []*Node) []string {
	keys := make([]string, 0, len(nodes))
	for _, node := range nodes {
		keys = append(keys, node.Key)
	}
	sort.Strings(keys)
	return keys
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestParentsAtDepth(t *testing.T) {
	g := buildDiamond(t)
	d := g.NodeByKey("d")

	tests := []struct {
		name  string
		depth int
		want  []string
	}{
		{"depth zero is the node itself", 0, []string{"d"}},
		{"immediate parents", 1, []string{"b", "c"}},
		{"grandparents visited once in a diamond", 2, []string{"a"}},
		{"past the roots", 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keysOf(g.ParentsAtDepth(d, tt.depth))
			if !equalKeys(got, tt.want) {
				t.Errorf("ParentsAtDepth(d, %d) = %v, want %v", tt.depth, got, tt.want)
			}
		})
	}

	if got := g.ParentsAtDepth(d, -1); got != nil {
		t.Errorf("ParentsAtDepth(d, -1) = %v, want nil", got)
	}
}

// buildChain creates n0 → n1 → ... → n{len-1}, last node as target.
func buildChain(t *testing.T, keys ...string) *Graph {
	t.Helper()
	g := newTestGraph(t)
	for i, key := range keys {
		mustAddNode(t, g, key, i == len(keys)-1)
	}
	for i := 1; i < len(keys); i++ {
		mustAddDependency(t, g, keys[i-1], keys[i])
	}
	if err := g.ComputeTopologyMetrics(); err != nil {
		t.Fatalf("ComputeTopologyMetrics() error = %v", err)
	}
	return g
}

func completeAll(g *Graph) {
	for _, node := range g.Nodes() {
		node.Completed = true
	}
}

func TestSafeAncestors_Chain(t *testing.T) {
	g := buildChain(t, "n0", "n1", "n2", "n3")
	completeAll(g)

	got := g.SafeAncestors(g.NodeByKey("n3"))
	wantOrder := []string{"n2", "n1", "n0"}
	if len(got) != len(wantOrder) {
		t.Fatalf("SafeAncestors() = %v, want %v", keysOf(got), wantOrder)
	}
	for i, want := range wantOrder {
		if got[i].Key != want {
			t.Errorf("SafeAncestors()[%d] = %s, want %s", i, got[i].Key, want)
		}
	}
}

func TestSafeAncestors_SealedBoundary(t *testing.T) {
	g := buildChain(t, "n0", "n1", "n2", "n3")
	completeAll(g)
	// n1 already safely pruned: the walk must not traverse through it.
	g.NodeByKey("n1").PruneStatus = types.PruneSafe

	got := keysOf(g.SafeAncestors(g.NodeByKey("n3")))
	if !equalKeys(got, []string{"n2"}) {
		t.Errorf("SafeAncestors() = %v, want [n2]", got)
	}
}

func TestSafeAncestors_OutsideChildBlocks(t *testing.T) {
	// a → b → d and a → c; c incomplete. The walk from d may take b, but
	// must refuse a because its outside child c is not persisted.
	g := newTestGraph(t)
	mustAddNode(t, g, "a", false)
	mustAddNode(t, g, "b", false)
	mustAddNode(t, g, "c", true)
	mustAddNode(t, g, "d", true)
	mustAddDependency(t, g, "a", "b")
	mustAddDependency(t, g, "a", "c")
	mustAddDependency(t, g, "b", "d")
	if err := g.ComputeTopologyMetrics(); err != nil {
		t.Fatalf("ComputeTopologyMetrics() error = %v", err)
	}

	for _, key := range []string{"a", "b", "d"} {
		g.NodeByKey(key).Completed = true
	}

	got := keysOf(g.SafeAncestors(g.NodeByKey("d")))
	if !equalKeys(got, []string{"b"}) {
		t.Errorf("SafeAncestors() = %v, want [b]", got)
	}

	// Once c completes (persisted target), a becomes reclaimable too.
	g.NodeByKey("c").Completed = true
	got = keysOf(g.SafeAncestors(g.NodeByKey("d")))
	if !equalKeys(got, []string{"a", "b"}) {
		t.Errorf("SafeAncestors() after c completes = %v, want [a b]", got)
	}
}

func TestSafeAncestors_UnsafeAncestorReclaimed(t *testing.T) {
	// a → {b, c} → d with b unsafely pruned. The walk from d absorbs b
	// and c (their only child is the visited start), after which a's
	// children are all inside the visited set, so a is reclaimable and
	// the previously Unsafe b transitions to Safe.
	g := buildDiamond(t)
	if err := g.ComputeTopologyMetrics(); err != nil {
		t.Fatalf("ComputeTopologyMetrics() error = %v", err)
	}
	completeAll(g)
	g.NodeByKey("b").PruneStatus = types.PruneUnsafe

	// b and c enter (their only child d is the visited start); a enters
	// as well because both its children are then inside the visited set.
	got := keysOf(g.SafeAncestors(g.NodeByKey("d")))
	if !equalKeys(got, []string{"a", "b", "c"}) {
		t.Errorf("SafeAncestors() = %v, want [a b c]", got)
	}
}

func TestUpdateCriticalTime(t *testing.T) {
	g := buildChain(t, "n0", "n1", "n2")
	g.NodeByKey("n0").CriticalTime = 10 * time.Millisecond
	g.NodeByKey("n1").CriticalTime = 25 * time.Millisecond

	g.UpdateCriticalTime(g.NodeByKey("n2"), 5*time.Millisecond)
	if got := g.NodeByKey("n2").CriticalTime; got != 30*time.Millisecond {
		t.Errorf("CriticalTime = %v, want 30ms", got)
	}

	// Roots accumulate from zero.
	root := g.NodeByKey("n0")
	g.UpdateCriticalTime(root, 7*time.Millisecond)
	if root.CriticalTime != 7*time.Millisecond {
		t.Errorf("root CriticalTime = %v, want 7ms", root.CriticalTime)
	}
}
