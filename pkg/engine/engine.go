// Package engine drives a task graph to completion against the external
// manager.
//
// The engine is single-threaded and cooperative: the manager's wait
// primitive is the only suspension point, and every state transition for
// a node (complete, prune, activate children) runs to completion before
// the next wait.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dagstack/orchard/pkg/dispatch"
	"github.com/dagstack/orchard/pkg/graph"
	"github.com/dagstack/orchard/pkg/logging"
	"github.com/dagstack/orchard/pkg/manager"
	"github.com/dagstack/orchard/pkg/observer"
	"github.com/dagstack/orchard/pkg/progress"
	"github.com/dagstack/orchard/pkg/prune"
	"github.com/dagstack/orchard/pkg/storage"
	"github.com/dagstack/orchard/pkg/telemetry"
	"github.com/dagstack/orchard/pkg/types"
)

// interrupted is process-wide signal state. The interrupt handler sets
// it; the loop polls it at the top of every iteration.
var interrupted atomic.Bool

// Stats summarizes a finished (or interrupted) run.
type Stats struct {
	// RegularCompleted counts completed regular tasks. Equals the node
	// count on normal termination.
	RegularCompleted int

	// RecoveryObserved counts recovery-task completions the loop saw.
	RecoveryObserved int

	// Retries counts resubmissions after failed attempts.
	Retries int

	// WorkersEvicted counts failure-injection evictions.
	WorkersEvicted int

	// ReplicasPruned counts worker replicas removed by the prune engine.
	ReplicasPruned int
}

// Engine executes one graph.
type Engine struct {
	graph      *graph.Graph
	mgr        manager.Manager
	dispatcher *dispatch.Dispatcher
	pruner     *prune.Engine
	observers  *observer.Manager
	logger     *logging.Logger
	metrics    *telemetry.Provider

	progressOut  io.Writer
	showProgress bool

	started bool
	stats   Stats
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver registers an execution observer.
func WithObserver(o observer.Observer) Option {
	return func(e *Engine) {
		e.observers.Register(o)
	}
}

// WithTelemetry attaches a telemetry provider.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(e *Engine) {
		e.metrics = p
	}
}

// WithProgressOutput redirects the progress bar. Passing nil disables it.
func WithProgressOutput(w io.Writer) Option {
	return func(e *Engine) {
		e.progressOut = w
		e.showProgress = w != nil
	}
}

// New creates an engine for the graph.
func New(g *graph.Graph, opts ...Option) *Engine {
	e := &Engine{
		graph:        g,
		mgr:          g.Manager(),
		observers:    observer.NewManager(),
		logger:       g.Logger(),
		progressOut:  os.Stdout,
		showProgress: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics != nil {
		e.observers.Register(submissionRecorder{provider: e.metrics})
	}
	e.dispatcher = dispatch.New(g, e.observers)
	e.pruner = prune.New(g, e.observers)
	return e
}

// submissionRecorder bridges submission and prune events into telemetry,
// so child activations deep inside the dispatcher and ancestors reclaimed
// by the prune engine are counted too.
type submissionRecorder struct {
	provider *telemetry.Provider
}

func (r submissionRecorder) OnEvent(ctx context.Context, event observer.Event) {
	switch event.Type {
	case observer.EventNodeSubmitted:
		r.provider.RecordSubmission(ctx, event.OutputClass)
	case observer.EventNodePruned:
		r.provider.RecordPrune(ctx, event.PruneStatus, event.PrunedReplicas)
	}
}

// Stats returns the run statistics.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Execute drives the graph until every regular node has completed, the
// run is interrupted, or a task fails with no retries left. The graph
// either drives to full completion or terminates with an error naming
// the offending node.
func (e *Engine) Execute(ctx context.Context) error {
	if e.started {
		return ErrAlreadyExecuted
	}
	e.started = true

	cfg := e.graph.Config()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !e.graph.MetricsComputed() {
		return ErrMetricsNotComputed
	}
	if e.graph.ProxyFunctionName() == "" {
		return ErrNoProxyFunction
	}
	if e.graph.ProxyLibraryName() == "" {
		return ErrNoProxyLibrary
	}

	layout, err := storage.NewLayout(cfg.OutputDir, cfg.CheckpointDir)
	if err != nil {
		return err
	}
	defer layout.Close()

	interrupted.Store(false)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go func() {
		for range sigCh {
			interrupted.Store(true)
		}
	}()

	// Let the loop observe recovery tasks so progress stays honest.
	e.mgr.EnableReturnRecoveryTasks()

	e.prepareNodes(cfg)

	var bar *progress.Bar
	var regularPart, recoveryPart *progress.Part
	if e.showProgress {
		bar = progress.New("tasks", e.progressOut, cfg.ProgressBarUpdateInterval)
		regularPart = bar.NewPart("done", uint64(e.graph.NodeCount()))
		recoveryPart = bar.NewPart("recovered", 0)
	}

	e.observers.Notify(ctx, observer.Event{Type: observer.EventGraphStart, GraphID: e.graph.ID})
	runStart := time.Now()

	// Seed every node with no pending parents.
	for _, node := range e.graph.Nodes() {
		if node.RemainingParents() == 0 {
			if err := e.dispatcher.Submit(ctx, node); err != nil {
				return err
			}
		}
	}

	total := e.graph.NodeCount()
	nextInjectionThreshold := cfg.FailureInjectionStepPercent

	var loopErr error
	for e.stats.RegularCompleted < total {
		if interrupted.Load() {
			e.logger.Warn("interrupted, stopping drain loop")
			loopErr = ErrInterrupted
			break
		}
		if ctx.Err() != nil {
			loopErr = ctx.Err()
			break
		}

		task, err := e.mgr.Wait(cfg.WaitTimeout)
		if err != nil {
			loopErr = fmt.Errorf("manager wait: %w", err)
			break
		}

		if bar != nil {
			bar.SetPartTotal(recoveryPart, uint64(e.mgr.RecoveryTaskCount()))
		}
		if task == nil {
			if bar != nil {
				bar.Refresh()
			}
			continue
		}

		node, isRecovery, err := e.dispatcher.Resolve(task)
		if err != nil {
			// Protocol bug: a completion that maps to nothing is fatal.
			loopErr = err
			break
		}

		nextThreshold, err := e.handleReturnedTask(ctx, node, task, isRecovery, bar, regularPart, recoveryPart, nextInjectionThreshold)
		if err != nil {
			loopErr = err
			break
		}
		nextInjectionThreshold = nextThreshold
	}

	if bar != nil {
		bar.Finish()
	}
	e.observers.Notify(ctx, observer.Event{Type: observer.EventGraphEnd, GraphID: e.graph.ID})
	if e.metrics != nil {
		e.metrics.RecordGraphExecution(ctx, time.Since(runStart), total, loopErr == nil)
	}

	if cfg.TimeMetricsFilename != "" {
		if err := e.writeTimeMetrics(cfg.TimeMetricsFilename); err != nil {
			e.logger.WithError(err).Warn("failed to write time metrics")
		}
	}

	return loopErr
}

// prepareNodes wires cross-edge inputs, pending-parents sets, and retry
// budgets before the first submission.
func (e *Engine) prepareNodes(cfg types.Config) {
	for _, node := range e.graph.Nodes() {
		node.RetryAttemptsLeft = cfg.MaxRetryAttempts
		node.PendingParents.Clear()
		for _, parentKey := range node.Parents {
			node.PendingParents.Add(parentKey)
		}
	}
	// Declare each parent output as an input of each child task, which is
	// what lets the manager stage files between workers. Shared parents
	// have no file object; the worker reads the shared path itself.
	for _, parent := range e.graph.Nodes() {
		if parent.Outfile == nil {
			continue
		}
		for _, childKey := range parent.Children {
			child := e.graph.NodeByKey(childKey)
			child.Task.AddInput(parent.Outfile, parent.OutfileRemoteName, manager.TransferAlways)
		}
	}
}

// handleReturnedTask processes one completion from the manager and
// returns the updated failure-injection threshold.
func (e *Engine) handleReturnedTask(
	ctx context.Context,
	node *graph.Node,
	task *manager.Task,
	isRecovery bool,
	bar *progress.Bar,
	regularPart, recoveryPart *progress.Part,
	injectionThreshold float64,
) (float64, error) {
	cfg := e.graph.Config()
	postStart := time.Now()

	if task.Result != manager.ResultSuccess || task.ExitCode != 0 {
		return injectionThreshold, e.handleFailure(ctx, node, task, isRecovery)
	}

	// Confirm and measure the output. A Shared output that fails to stat
	// despite a successful result is treated as a task failure.
	switch {
	case node.OutfileClass == types.OutputShared:
		size, err := storage.StatSize(node.OutfileRemoteName)
		if err != nil {
			e.logger.WithNodeKey(node.Key).WithError(err).Warn("shared output missing after success")
			return injectionThreshold, e.handleFailure(ctx, node, task, isRecovery)
		}
		node.OutfileSizeBytes = size
	case node.Outfile != nil:
		node.OutfileSizeBytes = node.Outfile.Size()
	}

	if isRecovery {
		// A recovery task restores a lost temp output. Count it for
		// honest progress, but it contributes nothing else: the node
		// stays completed, children were already activated, and pruning
		// never runs on recovery completions.
		e.stats.RecoveryObserved++
		if bar != nil {
			bar.UpdatePart(recoveryPart, 1)
		}
		e.observers.Notify(ctx, observer.Event{
			Type:    observer.EventRecoveryObserved,
			GraphID: e.graph.ID,
			NodeKey: node.Key,
			TaskID:  task.ID,
		})
		if e.metrics != nil {
			e.metrics.RecordCompletion(ctx, node.OutfileClass, task.Timing.ExecutionTime(), true)
		}
		return injectionThreshold, nil
	}

	if node.Completed {
		return injectionThreshold, fmt.Errorf("%w: node %s completed twice\n%s",
			ErrDuplicateCompletion, node.Key, e.graph.DebugString(node))
	}
	node.Completed = true
	node.LastExecutionTime = task.Timing.ExecutionTime()
	node.Timing.Scheduling = task.Timing.SchedulingTime()
	node.Timing.Commit = task.Timing.CommitTime()
	node.Timing.Execution = task.Timing.ExecutionTime()
	node.Timing.Retrieval = task.Timing.RetrievalTime()

	if e.stats.RegularCompleted == 0 {
		// Anchor the makespan and the progress display to the first
		// commit rather than to engine construction.
		e.graph.RecordFirstDispatch(task.Timing.CommitStart)
		if bar != nil {
			bar.SetStartTime(task.Timing.CommitStart)
		}
	}
	e.graph.RecordLastRetrieved(task.Timing.Retrieved)

	replicas, err := e.pruner.AfterCompletion(ctx, node)
	if err != nil {
		return injectionThreshold, err
	}
	e.stats.ReplicasPruned += replicas
	if e.metrics != nil && node.PruneStatus != types.PruneNotPruned {
		e.metrics.RecordPrune(ctx, node.PruneStatus, replicas)
	}

	e.stats.RegularCompleted++
	if bar != nil {
		bar.UpdatePart(regularPart, 1)
	}
	e.observers.Notify(ctx, observer.Event{
		Type:        observer.EventNodeCompleted,
		GraphID:     e.graph.ID,
		NodeKey:     node.Key,
		TaskID:      task.ID,
		OutputClass: node.OutfileClass,
	})
	if e.metrics != nil {
		e.metrics.RecordCompletion(ctx, node.OutfileClass, node.LastExecutionTime, false)
	}

	e.graph.UpdateCriticalTime(node, node.LastExecutionTime)

	if cfg.FailureInjectionStepPercent > 0 {
		progressPct := float64(e.stats.RegularCompleted) / float64(e.graph.NodeCount()) * 100
		if progressPct >= injectionThreshold {
			if worker, evictErr := e.mgr.EvictRandomWorker(); evictErr == nil {
				e.stats.WorkersEvicted++
				e.observers.Notify(ctx, observer.Event{
					Type:     observer.EventWorkerEvicted,
					GraphID:  e.graph.ID,
					Metadata: map[string]interface{}{"worker": worker},
				})
				e.logger.WithWorker(worker).Warn("failure injection evicted worker")
			}
			injectionThreshold += cfg.FailureInjectionStepPercent
		}
	}

	if node.OutfileClass == types.OutputTemp && node.Outfile != nil {
		if err := e.mgr.TempReplicateFileLater(node.Outfile); err != nil {
			e.logger.WithNodeKey(node.Key).WithError(err).Warn("temp replication failed")
		}
	}

	if err := e.dispatcher.ActivateChildren(ctx, node); err != nil {
		return injectionThreshold, err
	}

	node.Timing.Postprocessing += time.Since(postStart)
	return injectionThreshold, nil
}

// handleFailure applies the retry policy to a failed attempt. Fatal when
// the retry budget is exhausted.
func (e *Engine) handleFailure(ctx context.Context, node *graph.Node, task *manager.Task, isRecovery bool) error {
	if isRecovery {
		// The manager owns its recovery path and will retry on its own.
		e.logger.WithNodeKey(node.Key).WithTaskID(task.ID).Warn("recovery task failed, left to the manager")
		return nil
	}

	e.observers.Notify(ctx, observer.Event{
		Type:    observer.EventNodeFailed,
		GraphID: e.graph.ID,
		NodeKey: node.Key,
		TaskID:  task.ID,
		Err:     fmt.Errorf("result %s, exit code %d", task.Result, task.ExitCode),
	})

	if node.RetryAttemptsLeft > 0 {
		node.RetryAttemptsLeft--
		e.stats.Retries++
		if e.metrics != nil {
			e.metrics.RecordFailure(ctx, task.Result.String(), true)
		}
		cfg := e.graph.Config()
		if cfg.RetryInterval > 0 {
			time.Sleep(cfg.RetryInterval)
		}
		e.logger.WithNodeKey(node.Key).Warnf("retrying, %d attempts left", node.RetryAttemptsLeft)
		return e.dispatcher.Resubmit(ctx, node)
	}

	if e.metrics != nil {
		e.metrics.RecordFailure(ctx, task.Result.String(), false)
	}
	return fmt.Errorf("%w: node %s, result %s, exit code %d\n%s",
		ErrTaskFailed, node.Key, task.Result, task.ExitCode, e.graph.DebugString(node))
}

// writeTimeMetrics dumps the per-node timers to the configured CSV.
// Postprocessing already spans the prune paths measured separately on the
// node.
func (e *Engine) writeTimeMetrics(path string) error {
	nodes := e.graph.Nodes()
	rows := make([]storage.TimeMetricsRow, 0, len(nodes))
	for _, node := range nodes {
		post := node.Timing.Postprocessing
		var submissionUS int64
		if !node.Timing.Submission.IsZero() {
			submissionUS = node.Timing.Submission.UnixMicro()
		}
		rows = append(rows, storage.TimeMetricsRow{
			NodeID:           node.Key,
			SubmissionUS:     submissionUS,
			SchedulingUS:     node.Timing.Scheduling.Microseconds(),
			CommitUS:         node.Timing.Commit.Microseconds(),
			ExecutionUS:      node.Timing.Execution.Microseconds(),
			RetrievalUS:      node.Timing.Retrieval.Microseconds(),
			PostprocessingUS: post.Microseconds(),
		})
	}
	return storage.WriteTimeMetricsCSV(path, rows)
}
