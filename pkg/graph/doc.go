// Package graph owns the strategic orchestration graph: the nodes of a
// task DAG, their dependency relation, the topology metrics derived from
// it, and the assignment of an output storage class to every node.
//
// # Arena Representation
//
// Nodes live in a central arena keyed by node key, and parent/child links
// are stored as keys rather than pointers. Every traversal is a key→node
// lookup through the graph. The bidirectional parent/child relation never
// forms an ownership cycle, and retries and pruning stay easy to reason
// about.
//
// # Lifecycle
//
//  1. Build: AddNode, SetTarget, AddDependency, SetProxyFunctionName,
//     Tune.
//  2. Analyze: ComputeTopologyMetrics derives the topological order,
//     depth, height, transitive subgraph sizes, fan-in/out, and heavy
//     score, then makes the final output-class assignment.
//  3. Execute: the engine package drives tasks through the manager.
//  4. Tear down: Delete prunes and undeclares every file.
//
// # Output-Class Assignment
//
// Let N be the node count and T the target count. The heaviest
// ⌊(N−T)·checkpoint_fraction⌋ non-target nodes are checkpointed to the
// shared filesystem; targets are always persisted to the manager-local
// output directory; everything else stays ephemeral on workers. The heavy
// score (depth·upstream·fan_in)/(height·downstream·fan_out+1)
// approximates how much downstream work still depends on preserving a
// node's output: high-scored nodes sit on many paths, so persisting them
// pays off both for pruning upstream and for recovery after worker loss.
//
// # Determinism
//
// Topological ordering breaks ties with a lexicographic score over the
// first bytes of the node key, then creation order. Two runs of the same
// graph produce identical metrics and identical class assignments.
package graph
