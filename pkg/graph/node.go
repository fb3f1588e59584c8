package graph

import (
	"encoding/json"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/dagstack/orchard/pkg/manager"
	"github.com/dagstack/orchard/pkg/types"
)

// NodeTiming accumulates the per-node timers reported in the time-metrics
// CSV at shutdown.
type NodeTiming struct {
	// Submission is the wall-clock time of the (last) submission.
	Submission time.Time
	// Scheduling is the time between submission and commit to a worker.
	Scheduling time.Duration
	// Commit is the input staging time.
	Commit time.Duration
	// Execution is the on-worker run time.
	Execution time.Duration
	// Retrieval is the output retrieval time.
	Retrieval time.Duration
	// Postprocessing is the time the core spent handling the completion,
	// pruning included.
	Postprocessing time.Duration
}

// Node is one logical computation in the task graph. Parent and child
// links are node keys, never pointers: every traversal goes through the
// graph's arena, which keeps the bidirectional relation free of ownership
// cycles.
type Node struct {
	// Key is the stable application-chosen identifier.
	Key string

	// Ordinal is the creation index, used to break ordering ties
	// deterministically.
	Ordinal int

	// IsTarget marks nodes whose output the driver retrieves.
	IsTarget bool

	// OutfileRemoteName is the filename the worker produces. Generated as
	// a UUID at creation; rewritten to a checkpoint-directory path when
	// the node is assigned the Shared class.
	OutfileRemoteName string

	// OutfileClass is assigned exactly once by ComputeTopologyMetrics and
	// never changes.
	OutfileClass types.OutputClass

	// Task is the manager task that executes this node.
	Task *manager.Task

	// Infile is the task-scoped buffer holding the JSON arguments blob.
	Infile manager.File

	// Outfile is the tracked output file. Nil for Shared-class nodes: the
	// worker writes those directly into the shared filesystem and the
	// manager tracks no file object.
	Outfile manager.File

	// OutfileSizeBytes is recorded when the completion is observed.
	OutfileSizeBytes int64

	// Parents and Children are the ordered dependency lists, by key.
	Parents  []string
	Children []string

	// PendingParents tracks which parents have not yet been observed
	// complete. A node is submitted when this set drains. Each edge
	// removes its parent exactly once; a second removal is a protocol
	// violation.
	PendingParents mapset.Set[string]

	// Submitted flips when the task is first handed to the manager.
	Submitted bool

	// Completed flips 0→1 exactly once, on successful retrieval of the
	// primary output.
	Completed bool

	// PruneStatus records what the prune engine has done to the output.
	PruneStatus types.PruneStatus

	// RetryAttemptsLeft is the remaining retry budget.
	RetryAttemptsLeft int

	// Cached topology metrics, valid after ComputeTopologyMetrics.
	Depth                  int
	Height                 int
	UpstreamSubgraphSize   int
	DownstreamSubgraphSize int
	FanIn                  int
	FanOut                 int
	HeavyScore             float64

	// CriticalTime is the cumulative longest execution-time path through
	// the DAG terminating at this node. Instrumentation only.
	CriticalTime time.Duration

	// LastExecutionTime is the on-worker run time of the successful
	// attempt.
	LastExecutionTime time.Duration

	// Timing feeds the per-run CSV.
	Timing NodeTiming

	// Prune-path timers. Postprocessing already spans this time, so the
	// timing CSV does not add them again.
	TimeSpentUnlinking      time.Duration
	TimeSpentPruneTemp      time.Duration
	TimeSpentPrunePersisted time.Duration
}

// taskArgumentsDoc is the JSON document shipped to the proxy function.
type taskArgumentsDoc struct {
	FnArgs   []string       `json:"fn_args"`
	FnKwargs map[string]any `json:"fn_kwargs"`
}

// TaskArguments produces the input-arguments blob the worker receives as
// the "infile" of the task: {"fn_args":[key],"fn_kwargs":{}}.
func (n *Node) TaskArguments() ([]byte, error) {
	doc := taskArgumentsDoc{
		FnArgs:   []string{n.Key},
		FnKwargs: map[string]any{},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments for node %s: %w", n.Key, err)
	}
	return data, nil
}

// OutfilePersisted reports whether the node has completed with a durable
// output. Temp outputs are never persisted; a worker crash can lose them.
func (n *Node) OutfilePersisted() bool {
	return n.Completed && n.OutfileClass.Persisted()
}

// RemainingParents returns the number of parents not yet observed complete.
func (n *Node) RemainingParents() int {
	return n.PendingParents.Cardinality()
}
