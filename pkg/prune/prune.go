// Package prune implements incremental reclamation of intermediate
// outputs while preserving the ability to recover from worker loss.
//
// Pruning distinguishes two durability classes. Persisted outputs (Local
// or Shared) survive worker crashes; once one completes, every ancestor
// whose other consumers are also safely past can never be needed again
// and is reclaimed transitively (Safe). Ephemeral outputs (Temp) may be
// lost with their worker, so an ephemeral completion only releases temp
// ancestors at a fixed depth and marks them Unsafe: deleted, but the
// manager may ask for them again through a recovery task.
package prune

import (
	"context"
	"time"

	"github.com/dagstack/orchard/pkg/graph"
	"github.com/dagstack/orchard/pkg/logging"
	"github.com/dagstack/orchard/pkg/manager"
	"github.com/dagstack/orchard/pkg/observer"
	"github.com/dagstack/orchard/pkg/storage"
	"github.com/dagstack/orchard/pkg/types"
)

// Engine reclaims upstream outputs after completions.
type Engine struct {
	graph     *graph.Graph
	mgr       manager.Manager
	observers *observer.Manager
	logger    *logging.Logger
}

// New creates a prune engine for the graph. The observer manager may be
// nil.
func New(g *graph.Graph, observers *observer.Manager) *Engine {
	if observers == nil {
		observers = observer.NewManager()
	}
	return &Engine{
		graph:     g,
		mgr:       g.Manager(),
		observers: observers,
		logger:    g.Logger(),
	}
}

// AfterCompletion runs the prune protocol for a node that has just been
// marked completed, once its output size has been recorded. Invoked
// exactly once per regular completion; recovery tasks never trigger
// pruning. Returns the number of replicas removed.
func (e *Engine) AfterCompletion(ctx context.Context, node *graph.Node) (int, error) {
	if e.graph.Config().PruneDepth <= 0 {
		return 0, nil
	}
	if node.OutfileClass.Persisted() {
		return e.pruneAncestorsOfPersisted(ctx, node)
	}
	return e.pruneAncestorsOfTemp(ctx, node)
}

// pruneAncestorsOfTemp releases storage pressure after an ephemeral
// completion without creating recoverability landmines. Only temp
// ancestors exactly prune-depth hops away are candidates; Shared and
// Local files are never touched on the basis of an ephemeral completion,
// because a temp output is not proof this subtree is persisted.
func (e *Engine) pruneAncestorsOfTemp(ctx context.Context, node *graph.Node) (int, error) {
	if node.Outfile == nil {
		return 0, nil
	}
	cfg := e.graph.Config()

	start := time.Now()
	prunedReplicas := 0

	for _, parent := range e.graph.ParentsAtDepth(node, cfg.PruneDepth) {
		// skip if the parent produces a shared filesystem file
		if parent.Outfile == nil {
			continue
		}
		// skip if the parent produces a non-temp file
		if parent.OutfileClass != types.OutputTemp {
			continue
		}
		// skip if the parent was already pruned: Safe is terminal, and an
		// Unsafe parent has no replicas left to remove.
		if parent.PruneStatus != types.PruneNotPruned {
			continue
		}

		// A parent is prunable only when no child can still need its
		// outfile: every child has completed, and no completed temp child
		// has a recovery task mid-flight. A live recovery task may need
		// the parent as input.
		if !e.childrenAllowTempPrune(parent) {
			continue
		}

		removed, err := e.mgr.PruneFile(parent.Outfile)
		if err != nil {
			return prunedReplicas, err
		}
		prunedReplicas += removed

		// Unsafe: deleted, but the manager may submit a recovery task to
		// bring it back after a worker failure.
		parent.PruneStatus = types.PruneUnsafe

		e.observers.Notify(ctx, observer.Event{
			Type:           observer.EventNodePruned,
			GraphID:        e.graph.ID,
			NodeKey:        parent.Key,
			OutputClass:    parent.OutfileClass,
			PruneStatus:    types.PruneUnsafe,
			PrunedReplicas: removed,
		})
		e.logger.WithNodeKey(parent.Key).Debugf("pruned unsafe, %d replicas removed", removed)
	}

	node.TimeSpentPruneTemp += time.Since(start)
	return prunedReplicas, nil
}

// childrenAllowTempPrune reports whether every child of parent is
// completed and no completed temp child has a recovery task mid-flight.
func (e *Engine) childrenAllowTempPrune(parent *graph.Node) bool {
	for _, childKey := range parent.Children {
		child := e.graph.NodeByKey(childKey)
		if child == nil || !child.Completed {
			return false
		}
		if child.Outfile != nil && child.OutfileClass == types.OutputTemp {
			if state, ok := child.Outfile.RecoveryTaskState(); ok {
				if state != manager.StateInitial && state != manager.StateDone {
					return false
				}
			}
		}
	}
	return true
}

// pruneAncestorsOfPersisted reclaims every ancestor whose outputs are no
// longer needed, after a persisted completion. The safe-ancestors walk
// refuses to cross a parent any of whose outside children are not
// persisted, so everything it returns can never be needed again.
func (e *Engine) pruneAncestorsOfPersisted(ctx context.Context, node *graph.Node) (int, error) {
	start := time.Now()
	prunedReplicas := 0

	for _, ancestor := range e.graph.SafeAncestors(node) {
		removed := 0
		switch ancestor.OutfileClass {
		case types.OutputShared:
			unlinkStart := time.Now()
			if err := storage.UnlinkShared(ancestor.OutfileRemoteName); err != nil {
				return prunedReplicas, err
			}
			node.TimeSpentUnlinking += time.Since(unlinkStart)
			e.logger.WithNodeKey(ancestor.Key).Debugf("unlinked %s size: %d bytes",
				ancestor.OutfileRemoteName, ancestor.OutfileSizeBytes)

		case types.OutputTemp:
			var err error
			removed, err = e.mgr.PruneFile(ancestor.Outfile)
			if err != nil {
				return prunedReplicas, err
			}
			prunedReplicas += removed

		case types.OutputLocal:
			// leave the file in place, it is the driver's to consume
		}

		ancestor.PruneStatus = types.PruneSafe

		e.observers.Notify(ctx, observer.Event{
			Type:           observer.EventNodePruned,
			GraphID:        e.graph.ID,
			NodeKey:        ancestor.Key,
			OutputClass:    ancestor.OutfileClass,
			PruneStatus:    types.PruneSafe,
			PrunedReplicas: removed,
		})
	}

	node.TimeSpentPrunePersisted += time.Since(start)
	return prunedReplicas, nil
}
