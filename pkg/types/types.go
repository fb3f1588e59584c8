package types

import (
	"fmt"
	"time"
)

// OutputClass describes where a node's output file lives once the task
// producing it has completed.
type OutputClass int

const (
	// OutputUnassigned means topology metrics have not been computed yet.
	OutputUnassigned OutputClass = iota

	// OutputLocal is persisted on the manager host. Target nodes always
	// produce Local outputs; they are the only ones the driver can retrieve
	// through the standard file-return path.
	OutputLocal

	// OutputShared is written by the worker directly into a shared
	// filesystem path under the checkpoint directory. The manager tracks no
	// file object for it.
	OutputShared

	// OutputTemp is ephemeral: it lives only on worker nodes and may be
	// lost when a worker fails. The manager recovers lost temp outputs by
	// synthesizing recovery tasks.
	OutputTemp
)

// String returns the human-readable name of the output class.
func (c OutputClass) String() string {
	switch c {
	case OutputUnassigned:
		return "unassigned"
	case OutputLocal:
		return "local"
	case OutputShared:
		return "shared"
	case OutputTemp:
		return "temp"
	default:
		return fmt.Sprintf("OutputClass(%d)", int(c))
	}
}

// Persisted reports whether outputs of this class survive worker failures.
func (c OutputClass) Persisted() bool {
	return c == OutputLocal || c == OutputShared
}

// PruneStatus records what the prune engine has done to a node's output.
type PruneStatus int

const (
	// PruneNotPruned means the output exists and no deletion has been
	// initiated.
	PruneNotPruned PruneStatus = iota

	// PruneSafe means the output has been deleted and will never need to
	// come back: all downstream consumers are complete and persisted,
	// transitively. Safe is terminal.
	PruneSafe

	// PruneUnsafe means the output has been deleted but the manager may
	// still resurrect it via a recovery task, because a downstream
	// ephemeral consumer could itself fail.
	PruneUnsafe
)

// String returns the human-readable name of the prune status.
func (s PruneStatus) String() string {
	switch s {
	case PruneNotPruned:
		return "not-pruned"
	case PruneSafe:
		return "safe"
	case PruneUnsafe:
		return "unsafe"
	default:
		return fmt.Sprintf("PruneStatus(%d)", int(s))
	}
}

// PriorityMode selects the priority algorithm used when submitting tasks.
type PriorityMode int

const (
	// PriorityRandom assigns a uniform random priority to each task.
	PriorityRandom PriorityMode = iota
	// PriorityDepthFirst prioritizes deeper tasks first.
	PriorityDepthFirst
	// PriorityBreadthFirst prioritizes shallower tasks first.
	PriorityBreadthFirst
	// PriorityFifo submits in first-in, first-out order.
	PriorityFifo
	// PriorityLifo submits in last-in, first-out order.
	PriorityLifo
	// PriorityLargestInputFirst prioritizes tasks whose materialized inputs
	// are largest.
	PriorityLargestInputFirst
	// PriorityLargestStorageFootprintFirst prioritizes tasks whose inputs
	// have the largest size-times-residency footprint.
	PriorityLargestStorageFootprintFirst
)

// priorityModeNames maps the tuning-value strings to priority modes.
var priorityModeNames = map[string]PriorityMode{
	"random":                          PriorityRandom,
	"depth-first":                     PriorityDepthFirst,
	"breadth-first":                   PriorityBreadthFirst,
	"fifo":                            PriorityFifo,
	"lifo":                            PriorityLifo,
	"largest-input-first":             PriorityLargestInputFirst,
	"largest-storage-footprint-first": PriorityLargestStorageFootprintFirst,
}

// ParsePriorityMode maps a tuning-value string to a PriorityMode.
func ParsePriorityMode(s string) (PriorityMode, error) {
	mode, ok := priorityModeNames[s]
	if !ok {
		return PriorityRandom, fmt.Errorf("%w: %q", ErrUnknownPriorityMode, s)
	}
	return mode, nil
}

// String returns the tuning-value string for the priority mode.
func (m PriorityMode) String() string {
	for name, mode := range priorityModeNames {
		if mode == m {
			return name
		}
	}
	return fmt.Sprintf("PriorityMode(%d)", int(m))
}

// Tuning keys accepted by Graph.Tune.
const (
	TuneFailureInjectionStepPercent = "failure-injection-step-percent"
	TuneTaskPriorityMode            = "task-priority-mode"
	TuneOutputDir                   = "output-dir"
	TunePruneDepth                  = "prune-depth"
	TuneCheckpointFraction          = "checkpoint-fraction"
	TuneCheckpointDir               = "checkpoint-dir"
	TuneProgressBarUpdateInterval   = "progress-bar-update-interval-sec"
	TuneTimeMetricsFilename         = "time-metrics-filename"
	TuneEnableDebugLog              = "enable-debug-log"
	TuneMaxRetryAttempts            = "max-retry-attempts"
	TuneRetryInterval               = "retry-interval-sec"
)

// Config holds the tunable parameters of a task graph.
type Config struct {
	// PruneDepth controls the pruning strategy: 0 disables pruning, 1 is
	// the most aggressive.
	PruneDepth int

	// CheckpointFraction is the fraction of non-target nodes whose outputs
	// are checkpointed to the shared filesystem, in [0, 1].
	CheckpointFraction float64

	// TaskPriorityMode selects the scheduling priority algorithm.
	TaskPriorityMode PriorityMode

	// FailureInjectionStepPercent evicts one random worker every time the
	// completion fraction crosses a multiple of this percentage. Test only;
	// 0 disables injection.
	FailureInjectionStepPercent float64

	// OutputDir receives the outputs of target nodes.
	OutputDir string

	// CheckpointDir is the shared filesystem directory that receives
	// checkpointed intermediate outputs.
	CheckpointDir string

	// ProgressBarUpdateInterval throttles progress bar redraws.
	ProgressBarUpdateInterval time.Duration

	// TimeMetricsFilename, when set, receives a per-node timing CSV on
	// shutdown.
	TimeMetricsFilename string

	// EnableDebugLog raises the log level to debug.
	EnableDebugLog bool

	// MaxRetryAttempts is the per-node retry budget for failed tasks.
	MaxRetryAttempts int

	// RetryInterval is an optional pause before resubmitting a failed task.
	RetryInterval time.Duration

	// WaitTimeout bounds each call to the manager's wait primitive so the
	// loop can repaint progress and observe recovery activity.
	WaitTimeout time.Duration
}

// DefaultConfig returns the default task graph configuration.
func DefaultConfig() Config {
	return Config{
		PruneDepth:                  1,
		CheckpointFraction:          0,
		TaskPriorityMode:            PriorityRandom,
		FailureInjectionStepPercent: 0,
		OutputDir:                   "orchard-output",
		CheckpointDir:               "",
		ProgressBarUpdateInterval:   time.Second,
		TimeMetricsFilename:         "",
		EnableDebugLog:              false,
		MaxRetryAttempts:            1,
		RetryInterval:               0,
		WaitTimeout:                 time.Second,
	}
}

// Validate checks configuration values for consistency.
func (c Config) Validate() error {
	if c.PruneDepth < 0 {
		return ErrInvalidPruneDepth
	}
	if c.CheckpointFraction < 0 || c.CheckpointFraction > 1 {
		return ErrInvalidCheckpointFraction
	}
	if c.FailureInjectionStepPercent < 0 || c.FailureInjectionStepPercent > 100 {
		return ErrInvalidFailureInjection
	}
	if c.MaxRetryAttempts < 0 {
		return ErrInvalidRetryAttempts
	}
	if c.WaitTimeout <= 0 {
		return ErrInvalidWaitTimeout
	}
	return nil
}
