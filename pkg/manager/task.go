package manager

import "time"

// Binding attaches a file to a task under a remote name inside the task
// sandbox.
type Binding struct {
	File       File
	RemoteName string
	Transfer   TransferMode
}

// Timing carries the lifecycle timestamps the manager stamps on a task.
// Zero values mean the corresponding stage has not happened.
type Timing struct {
	Submitted      time.Time
	CommitStart    time.Time
	CommitEnd      time.Time
	ExecutionStart time.Time
	ExecutionEnd   time.Time
	Retrieved      time.Time
	Done           time.Time
}

// ExecutionTime returns how long the task ran on its worker.
func (t Timing) ExecutionTime() time.Duration {
	if t.ExecutionStart.IsZero() || t.ExecutionEnd.IsZero() {
		return 0
	}
	return t.ExecutionEnd.Sub(t.ExecutionStart)
}

// SchedulingTime returns how long the task waited between submission and
// commit to a worker.
func (t Timing) SchedulingTime() time.Duration {
	if t.Submitted.IsZero() || t.CommitStart.IsZero() {
		return 0
	}
	return t.CommitStart.Sub(t.Submitted)
}

// CommitTime returns how long input staging took.
func (t Timing) CommitTime() time.Duration {
	if t.CommitStart.IsZero() || t.CommitEnd.IsZero() {
		return 0
	}
	return t.CommitEnd.Sub(t.CommitStart)
}

// RetrievalTime returns how long output retrieval took.
func (t Timing) RetrievalTime() time.Duration {
	if t.ExecutionEnd.IsZero() || t.Retrieved.IsZero() {
		return 0
	}
	return t.Retrieved.Sub(t.ExecutionEnd)
}

// Task is one unit of work handed to the manager. The core creates a task
// per graph node; the manager additionally synthesizes recovery tasks to
// recompute lost temp outputs.
type Task struct {
	// ID is assigned by the manager at submission, zero before that.
	ID int

	// FunctionName is the preloaded proxy function the worker invokes.
	FunctionName string

	// LibraryName is the library host process the function lives in.
	LibraryName string

	// Priority orders tasks inside the manager's ready queue; larger runs
	// first.
	Priority float64

	// State is maintained by the manager.
	State TaskState

	// Result and ExitCode are valid once the task has been returned.
	Result   Result
	ExitCode int

	// Recovery marks tasks the manager synthesized to recompute a lost
	// temp output. The core never submits recovery tasks itself.
	Recovery bool

	// Worker is the name of the worker the task last ran on.
	Worker string

	// Inputs and Outputs bind files into the task sandbox.
	Inputs  []Binding
	Outputs []Binding

	// Timing is stamped by the manager as the task moves through its
	// lifecycle.
	Timing Timing

	refs int
}

// NewTask creates a task that invokes the named proxy function.
func NewTask(functionName string) *Task {
	return &Task{
		FunctionName: functionName,
		State:        StateInitial,
	}
}

// SetLibraryRequired records the library host the function needs.
func (t *Task) SetLibraryRequired(name string) {
	t.LibraryName = name
}

// AddRef takes a reference on the task so the manager does not reclaim it
// while the core still holds it.
func (t *Task) AddRef() {
	t.refs++
}

// Release drops a reference.
func (t *Task) Release() {
	if t.refs > 0 {
		t.refs--
	}
}

// AddInput binds a file into the task sandbox under remoteName.
func (t *Task) AddInput(f File, remoteName string, mode TransferMode) {
	t.Inputs = append(t.Inputs, Binding{File: f, RemoteName: remoteName, Transfer: mode})
}

// AddOutput declares a file the task will produce under remoteName.
func (t *Task) AddOutput(f File, remoteName string, mode TransferMode) {
	t.Outputs = append(t.Outputs, Binding{File: f, RemoteName: remoteName, Transfer: mode})
}

// SetPriority attaches a scheduling priority; larger runs first.
func (t *Task) SetPriority(p float64) {
	t.Priority = p
}

// Reset clears the transient execution state so the task can be submitted
// again after a failure. Bindings, function and library survive; the task
// ID, state, result, exit code, worker, and timing do not.
func (t *Task) Reset() {
	t.ID = 0
	t.State = StateInitial
	t.Result = ResultSuccess
	t.ExitCode = 0
	t.Worker = ""
	t.Timing = Timing{}
}
