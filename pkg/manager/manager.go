// Package manager declares the contract between the orchard core and the
// external manager that owns workers, connections, and file transport.
//
// The core is single-threaded and interacts with the manager only through
// the operations declared here; the manager owns all concurrency.
package manager

import "time"

// CacheLevel controls how long the manager keeps a declared file cached.
type CacheLevel int

const (
	// CacheLevelTask keeps the file only for the lifetime of one task.
	CacheLevelTask CacheLevel = iota
	// CacheLevelWorkflow keeps the file for the lifetime of the workflow.
	CacheLevelWorkflow
	// CacheLevelWorker keeps the file as long as the holding worker lives.
	CacheLevelWorker
)

// Flags modify file declarations.
type Flags int

const (
	// FlagNone declares a file with default behavior.
	FlagNone Flags = 0
	// FlagUnlinkWhenDone asks the worker to unlink the file once the task
	// consuming it is done. Used for task-scoped input buffers.
	FlagUnlinkWhenDone Flags = 1 << iota
)

// TransferMode controls how a file moves between manager and workers.
type TransferMode int

const (
	// TransferAlways stages the file to the worker before execution and
	// retrieves outputs eagerly.
	TransferAlways TransferMode = iota
	// TransferOnDemand leaves the file where it is until something needs it.
	TransferOnDemand
)

// FileType discriminates the kinds of files the manager tracks.
type FileType int

const (
	// FileTypeFile is a regular file on the manager host.
	FileTypeFile FileType = iota
	// FileTypeBuffer is an in-memory byte buffer shipped as a file.
	FileTypeBuffer
	// FileTypeTemp is an ephemeral file that lives only on workers.
	FileTypeTemp
)

// TaskState is the lifecycle state of a task inside the manager.
type TaskState int

const (
	// StateInitial: created but not yet submitted.
	StateInitial TaskState = iota
	// StateReady: submitted and waiting for a worker.
	StateReady
	// StateRunning: dispatched to a worker.
	StateRunning
	// StateWaitingRetrieval: finished on the worker, outputs not yet pulled.
	StateWaitingRetrieval
	// StateRetrieved: outputs pulled, waiting to be returned by Wait.
	StateRetrieved
	// StateDone: returned to the caller.
	StateDone
)

// Result is the manager's verdict on a returned task.
type Result int

const (
	// ResultSuccess means the task ran and its outputs were retrieved.
	ResultSuccess Result = iota
	// ResultInputMissing means a required input could not be staged.
	ResultInputMissing
	// ResultOutputMissing means a declared output was not produced.
	ResultOutputMissing
	// ResultWorkerFailure means the executing worker was lost.
	ResultWorkerFailure
	// ResultUnknown covers any other failure.
	ResultUnknown
)

// String returns the human-readable name of the result.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultInputMissing:
		return "input missing"
	case ResultOutputMissing:
		return "output missing"
	case ResultWorkerFailure:
		return "worker failure"
	default:
		return "unknown"
	}
}

// File is a handle to a file tracked by the manager. Shared-filesystem
// outputs have no File handle at all: the core stats them directly.
type File interface {
	// Type reports the kind of file.
	Type() FileType

	// CachedName is the stable worker-side cache name of the file. Unique
	// per declared file; recovery tasks reuse the cached name of the file
	// they recompute.
	CachedName() string

	// Source is the manager-local path for FileTypeFile, empty otherwise.
	Source() string

	// Size is the measured size in bytes, zero until the file has been
	// produced or measured.
	Size() int64

	// RecoveryTaskState reports the state of the recovery task currently
	// associated with this file. ok is false when no recovery task exists.
	RecoveryTaskState() (state TaskState, ok bool)
}

// Manager is the single external collaborator of the orchard core.
//
// Implementations own all sockets, worker lifecycles, and transfer
// machinery. Wait is the core's only suspension point.
type Manager interface {
	// DeclareFile registers a manager-local file at path.
	DeclareFile(path string, cache CacheLevel, flags Flags) (File, error)

	// DeclareTemp registers an ephemeral worker-side file.
	DeclareTemp() (File, error)

	// DeclareBuffer registers an in-memory buffer shipped to workers as a
	// file.
	DeclareBuffer(data []byte, cache CacheLevel, flags Flags) (File, error)

	// Undeclare removes a file from the manager's file table. Replicas
	// should already have been pruned.
	Undeclare(f File) error

	// Submit hands a task to the manager and returns its task identifier.
	Submit(t *Task) (int, error)

	// Wait blocks up to timeout for a completed task. Returns (nil, nil)
	// when the timeout elapses with nothing to report.
	Wait(timeout time.Duration) (*Task, error)

	// EnableReturnRecoveryTasks makes Wait return manager-synthesized
	// recovery tasks in addition to regular ones, so the caller can
	// observe recovery activity.
	EnableReturnRecoveryTasks()

	// PruneFile removes every cached replica of f across all workers and
	// returns the number of replicas removed. Removing an absent replica
	// is not an error.
	PruneFile(f File) (int, error)

	// RemoveWorkerFile removes a single cached file from one worker.
	RemoveWorkerFile(worker string, cachedName string) error

	// EvictRandomWorker forcibly disconnects one worker, dropping its
	// cached replicas. Test hook for exercising the recovery path.
	EvictRandomWorker() (string, error)

	// TempReplicateFileLater schedules background replication of a temp
	// file to additional workers to increase durability.
	TempReplicateFileLater(f File) error

	// RecoveryTaskCount returns the number of recovery tasks the manager
	// has synthesized so far.
	RecoveryTaskCount() int
}
