// Package observer provides an event-driven observer pattern for task
// graph execution.
//
// # Overview
//
// The observer package lets library consumers monitor, log, and react to
// execution events without coupling to the engine implementation. The
// engine, dispatcher, and prune engine all publish through one Manager;
// consumers register as many observers as they need before execution
// starts.
//
// # Events
//
// Graph level:
//   - EventGraphStart / EventGraphEnd: the run begins and finishes
//
// Node level:
//   - EventNodeSubmitted: a task was handed to the manager
//   - EventNodeCompleted: a regular completion was retrieved
//   - EventNodeFailed: an attempt returned a failure
//   - EventNodeRetried: a failed attempt is being resubmitted
//   - EventNodePruned: the prune engine reclaimed an output (the event
//     carries the resulting prune status and the replicas removed)
//
// Resilience:
//   - EventRecoveryObserved: a manager-synthesized recovery task completed
//   - EventWorkerEvicted: failure injection disconnected a worker
//
// # Usage
//
//	type auditor struct{}
//
//	func (auditor) OnEvent(ctx context.Context, event observer.Event) {
//	    if event.Type == observer.EventNodePruned {
//	        fmt.Printf("reclaimed %s (%d replicas)\n", event.NodeKey, event.PrunedReplicas)
//	    }
//	}
//
//	e := engine.New(g, engine.WithObserver(auditor{}))
//
// # Delivery Semantics
//
// Notify delivers synchronously, in registration order, on the engine's
// single thread. A panicking observer is isolated so it cannot take the
// run down or starve observers registered after it. Events without a
// timestamp are stamped at delivery.
//
// # Built-in Observers
//
//   - NoOpObserver: discards everything
//   - LoggingObserver: writes events to a structured logger, failures,
//     retries, and evictions at warn, everything else at debug
package observer
