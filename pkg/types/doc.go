// Package types defines the shared vocabulary of the orchard engine.
//
// # Output Classes
//
// Every node produces exactly one output file, and the class of that file
// decides both where it lives and how the prune engine may reclaim it:
//
//   - OutputLocal: persisted on the manager host; always used for targets
//   - OutputShared: written directly to the shared filesystem checkpoint dir
//   - OutputTemp: ephemeral, held only on workers, recoverable on loss
//
// Local and Shared outputs are durable; Temp outputs are not. The
// distinction drives the two prune paths: a persisted completion can
// trigger transitive Safe pruning of its ancestors, while an ephemeral
// completion may only Unsafe-prune temp ancestors at a fixed depth.
//
// # Prune Statuses
//
//	NotPruned ──(temp descendant completes)──▶ Unsafe
//	    │                                         │
//	    └──(persisted descendant completes)─▶ Safe ◀┘
//
// Safe is terminal: once a node's output is safely pruned it is never
// needed again.
//
// # Configuration
//
// Config carries every knob accepted by Graph.Tune. The Tune* constants
// are the accepted key strings; DefaultConfig returns the defaults used
// when the driver never tunes anything.
package types
