// Package managertest provides an in-process implementation of the
// manager contract for tests and examples.
//
// The simulated manager is synchronous: Wait executes the
// highest-priority pending task on a simulated worker and returns it.
// Temp outputs are tracked as per-worker replicas; evicting a worker
// drops its replicas, and a pending task whose temp input has lost every
// replica causes the manager to synthesize a recovery task that re-runs
// the original producer, exactly like the real recovery path.
package managertest

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/google/uuid"

	"github.com/dagstack/orchard/pkg/manager"
)

// ProxyFunc is a registered stand-in for a worker-side proxy function. It
// receives the task's JSON arguments blob and returns the bytes of the
// task's output.
type ProxyFunc func(args []byte) ([]byte, error)

// simFile implements manager.File.
type simFile struct {
	fileType   manager.FileType
	cachedName string
	source     string
	content    []byte
	size       int64

	// replicas is the set of workers holding a cached copy. Only
	// meaningful for temp files.
	replicas map[string]struct{}

	// producer is the task that first produced this file, reused to
	// synthesize recovery tasks.
	producer *manager.Task

	// recoveryTask is the most recent recovery task for this file.
	recoveryTask *manager.Task
}

func (f *simFile) Type() manager.FileType { return f.fileType }
func (f *simFile) CachedName() string     { return f.cachedName }
func (f *simFile) Source() string         { return f.source }
func (f *simFile) Size() int64            { return f.size }

func (f *simFile) RecoveryTaskState() (manager.TaskState, bool) {
	if f.recoveryTask == nil {
		return manager.StateInitial, false
	}
	return f.recoveryTask.State, true
}

// pendingEntry orders submitted tasks: priority first, submission order
// second.
type pendingEntry struct {
	task *manager.Task
	seq  int
}

func byTaskPriority(a, b interface{}) int {
	ea := a.(*pendingEntry)
	eb := b.(*pendingEntry)
	switch {
	case ea.task.Priority > eb.task.Priority:
		return -1
	case ea.task.Priority < eb.task.Priority:
		return 1
	}
	return ea.seq - eb.seq
}

// Sim is the simulated manager.
type Sim struct {
	functions map[string]ProxyFunc
	files     map[string]*simFile
	workers   map[string]map[string]*simFile
	workerSeq []string

	pending *priorityqueue.Queue
	ready   []*manager.Task

	returnRecovery bool
	recoveryCount  int

	nextTaskID   int
	nextSeq      int
	nextWorkerID int
	execCount    int

	rng *rand.Rand

	// ReplaceEvicted controls whether an evicted worker is replaced by a
	// fresh one, as a production pool would refill. Defaults to true.
	ReplaceEvicted bool
}

var _ manager.Manager = (*Sim)(nil)

// NewSim creates a simulated manager with the given number of workers.
func NewSim(workerCount int) *Sim {
	s := &Sim{
		functions:      make(map[string]ProxyFunc),
		files:          make(map[string]*simFile),
		workers:        make(map[string]map[string]*simFile),
		pending:        priorityqueue.NewWith(byTaskPriority),
		rng:            rand.New(rand.NewSource(1)),
		ReplaceEvicted: true,
	}
	for i := 0; i < workerCount; i++ {
		s.addWorker()
	}
	return s
}

func (s *Sim) addWorker() string {
	s.nextWorkerID++
	name := fmt.Sprintf("worker-%d", s.nextWorkerID)
	s.workers[name] = make(map[string]*simFile)
	s.workerSeq = append(s.workerSeq, name)
	return name
}

// Register installs a proxy function under its function name.
func (s *Sim) Register(functionName string, fn ProxyFunc) {
	s.functions[functionName] = fn
}

// Workers returns the names of the live workers.
func (s *Sim) Workers() []string {
	out := make([]string, len(s.workerSeq))
	copy(out, s.workerSeq)
	return out
}

// ReplicaCount returns how many workers hold a cached copy of f.
func (s *Sim) ReplicaCount(f manager.File) int {
	sf, ok := f.(*simFile)
	if !ok {
		return 0
	}
	return len(sf.replicas)
}

// ForceRecoveryInFlight attaches a running recovery task to a file. Test
// helper for exercising the prune engine's recovery guard.
func (s *Sim) ForceRecoveryInFlight(f manager.File) {
	if sf, ok := f.(*simFile); ok {
		sf.recoveryTask = &manager.Task{State: manager.StateRunning, Recovery: true}
	}
}

// SettleRecovery marks a file's recovery task as done. Test helper.
func (s *Sim) SettleRecovery(f manager.File) {
	if sf, ok := f.(*simFile); ok && sf.recoveryTask != nil {
		sf.recoveryTask.State = manager.StateDone
	}
}

// ArgsKey extracts fn_args[0] from a task arguments blob. Test helper.
func ArgsKey(args []byte) (string, error) {
	var doc struct {
		FnArgs []string `json:"fn_args"`
	}
	if err := json.Unmarshal(args, &doc); err != nil {
		return "", err
	}
	if len(doc.FnArgs) == 0 {
		return "", fmt.Errorf("arguments blob has no fn_args")
	}
	return doc.FnArgs[0], nil
}

// DeclareFile registers a manager-local file at path.
func (s *Sim) DeclareFile(path string, _ manager.CacheLevel, _ manager.Flags) (manager.File, error) {
	f := &simFile{
		fileType:   manager.FileTypeFile,
		cachedName: "file-" + uuid.New().String(),
		source:     path,
		replicas:   make(map[string]struct{}),
	}
	if info, err := os.Stat(path); err == nil {
		f.size = info.Size()
	}
	s.files[f.cachedName] = f
	return f, nil
}

// DeclareTemp registers an ephemeral worker-side file.
func (s *Sim) DeclareTemp() (manager.File, error) {
	f := &simFile{
		fileType:   manager.FileTypeTemp,
		cachedName: "temp-" + uuid.New().String(),
		replicas:   make(map[string]struct{}),
	}
	s.files[f.cachedName] = f
	return f, nil
}

// DeclareBuffer registers an in-memory buffer shipped to workers as a
// file.
func (s *Sim) DeclareBuffer(data []byte, _ manager.CacheLevel, _ manager.Flags) (manager.File, error) {
	f := &simFile{
		fileType:   manager.FileTypeBuffer,
		cachedName: "buffer-" + uuid.New().String(),
		content:    data,
		size:       int64(len(data)),
		replicas:   make(map[string]struct{}),
	}
	s.files[f.cachedName] = f
	return f, nil
}

// Undeclare removes a file from the file table.
func (s *Sim) Undeclare(f manager.File) error {
	sf, ok := f.(*simFile)
	if !ok {
		return ErrForeignFile
	}
	delete(s.files, sf.cachedName)
	return nil
}

// Submit assigns a task identifier and queues the task for execution.
func (s *Sim) Submit(t *manager.Task) (int, error) {
	if t == nil {
		return 0, ErrNilTask
	}
	s.nextTaskID++
	t.ID = s.nextTaskID
	t.State = manager.StateReady
	t.Timing.Submitted = time.Now()
	s.nextSeq++
	s.pending.Enqueue(&pendingEntry{task: t, seq: s.nextSeq})
	return t.ID, nil
}

// EnableReturnRecoveryTasks makes Wait return synthesized recovery tasks.
func (s *Sim) EnableReturnRecoveryTasks() {
	s.returnRecovery = true
}

// Wait returns the next completed task, executing pending work as needed.
// Returns (nil, nil) when nothing is pending.
func (s *Sim) Wait(_ time.Duration) (*manager.Task, error) {
	if len(s.ready) > 0 {
		t := s.ready[0]
		s.ready = s.ready[1:]
		return t, nil
	}
	if s.pending.Empty() || len(s.workerSeq) == 0 {
		return nil, nil
	}
	v, _ := s.pending.Dequeue()
	task := v.(*pendingEntry).task
	s.runTask(task)
	// Recovery tasks synthesized while staging inputs are returned before
	// the task that needed them, the order the real recovery path yields.
	s.ready = append(s.ready, task)
	t := s.ready[0]
	s.ready = s.ready[1:]
	return t, nil
}

// RecoveryTaskCount returns how many recovery tasks have been synthesized.
func (s *Sim) RecoveryTaskCount() int {
	return s.recoveryCount
}

// runTask executes a task, first recovering any temp input that has lost
// every replica. Recovery completions queue up for later Wait calls when
// return-recovery is enabled.
func (s *Sim) runTask(task *manager.Task) {
	for {
		missing := s.missingTempInput(task)
		if missing == nil {
			break
		}
		if missing.producer == nil {
			s.failTask(task, manager.ResultInputMissing)
			return
		}
		recovery := s.synthesizeRecovery(missing)
		s.runTask(recovery)
		if s.returnRecovery {
			s.ready = append(s.ready, recovery)
		}
	}
	s.executeNow(task)
}

// missingTempInput returns the first temp input of task with zero
// replicas, or nil.
func (s *Sim) missingTempInput(task *manager.Task) *simFile {
	for _, binding := range task.Inputs {
		sf, ok := binding.File.(*simFile)
		if !ok {
			continue
		}
		if sf.fileType == manager.FileTypeTemp && len(sf.replicas) == 0 {
			return sf
		}
	}
	return nil
}

// synthesizeRecovery clones the producer of a lost temp file into a
// recovery task.
func (s *Sim) synthesizeRecovery(f *simFile) *manager.Task {
	recovery := manager.NewTask(f.producer.FunctionName)
	recovery.SetLibraryRequired(f.producer.LibraryName)
	recovery.Recovery = true
	recovery.Inputs = f.producer.Inputs
	recovery.Outputs = f.producer.Outputs
	s.nextTaskID++
	recovery.ID = s.nextTaskID
	recovery.State = manager.StateReady
	recovery.Timing.Submitted = time.Now()
	f.recoveryTask = recovery
	s.recoveryCount++
	return recovery
}

// executeNow runs the task's proxy function and materializes its outputs.
func (s *Sim) executeNow(task *manager.Task) {
	worker := s.workerSeq[s.execCount%len(s.workerSeq)]
	s.execCount++
	now := time.Now()

	task.Worker = worker
	task.State = manager.StateRunning
	task.Timing.CommitStart = now
	task.Timing.CommitEnd = now
	task.Timing.ExecutionStart = now

	fn, ok := s.functions[task.FunctionName]
	if !ok {
		task.Timing.ExecutionEnd = time.Now()
		s.failTask(task, manager.ResultUnknown)
		return
	}

	output, err := fn(s.taskArguments(task))
	task.Timing.ExecutionEnd = time.Now()
	if err != nil {
		s.failTask(task, manager.ResultUnknown)
		return
	}

	for _, binding := range task.Outputs {
		sf, ok := binding.File.(*simFile)
		if !ok {
			continue
		}
		switch sf.fileType {
		case manager.FileTypeFile:
			if dir := filepath.Dir(sf.source); dir != "" {
				_ = os.MkdirAll(dir, 0o755)
			}
			if err := os.WriteFile(sf.source, output, 0o644); err != nil {
				s.failTask(task, manager.ResultOutputMissing)
				return
			}
			sf.content = output
			sf.size = int64(len(output))
		case manager.FileTypeTemp:
			sf.content = output
			sf.size = int64(len(output))
			sf.replicas = map[string]struct{}{worker: {}}
			s.workers[worker][sf.cachedName] = sf
		}
		if sf.producer == nil {
			sf.producer = task
		}
	}

	task.Result = manager.ResultSuccess
	task.ExitCode = 0
	task.Timing.Retrieved = time.Now()
	task.Timing.Done = task.Timing.Retrieved
	task.State = manager.StateDone
}

// taskArguments returns the content of the task's buffer input.
func (s *Sim) taskArguments(task *manager.Task) []byte {
	for _, binding := range task.Inputs {
		if sf, ok := binding.File.(*simFile); ok && sf.fileType == manager.FileTypeBuffer {
			return sf.content
		}
	}
	return nil
}

// failTask stamps a failed result on the task.
func (s *Sim) failTask(task *manager.Task, result manager.Result) {
	task.Result = result
	task.ExitCode = 1
	task.Timing.Retrieved = time.Now()
	task.Timing.Done = task.Timing.Retrieved
	task.State = manager.StateDone
}

// PruneFile removes every worker replica of f and returns the count
// removed.
func (s *Sim) PruneFile(f manager.File) (int, error) {
	sf, ok := f.(*simFile)
	if !ok {
		return 0, ErrForeignFile
	}
	removed := 0
	for workerName := range sf.replicas {
		if cache, ok := s.workers[workerName]; ok {
			delete(cache, sf.cachedName)
		}
		removed++
	}
	sf.replicas = make(map[string]struct{})
	return removed, nil
}

// RemoveWorkerFile removes one cached file from one worker. Removing an
// absent replica is not an error.
func (s *Sim) RemoveWorkerFile(worker string, cachedName string) error {
	if cache, ok := s.workers[worker]; ok {
		if sf, ok := cache[cachedName]; ok {
			delete(sf.replicas, worker)
			delete(cache, cachedName)
		}
	}
	return nil
}

// EvictRandomWorker disconnects one random worker and drops its cached
// replicas. When ReplaceEvicted is set, a fresh worker joins in its
// place.
func (s *Sim) EvictRandomWorker() (string, error) {
	if len(s.workerSeq) == 0 {
		return "", ErrNoWorkers
	}
	idx := s.rng.Intn(len(s.workerSeq))
	name := s.workerSeq[idx]
	s.evictWorker(name)
	return name, nil
}

// EvictWorker disconnects a specific worker. Test helper.
func (s *Sim) EvictWorker(name string) {
	s.evictWorker(name)
}

func (s *Sim) evictWorker(name string) {
	cache, ok := s.workers[name]
	if !ok {
		return
	}
	for _, sf := range cache {
		delete(sf.replicas, name)
	}
	delete(s.workers, name)
	for i, n := range s.workerSeq {
		if n == name {
			s.workerSeq = append(s.workerSeq[:i], s.workerSeq[i+1:]...)
			break
		}
	}
	if s.ReplaceEvicted {
		s.addWorker()
	}
}

// TempReplicateFileLater copies a temp file's replica onto one more
// worker. The simulation replicates immediately.
func (s *Sim) TempReplicateFileLater(f manager.File) error {
	sf, ok := f.(*simFile)
	if !ok {
		return ErrForeignFile
	}
	if sf.fileType != manager.FileTypeTemp || len(sf.replicas) == 0 {
		return nil
	}
	for _, workerName := range s.workerSeq {
		if _, has := sf.replicas[workerName]; !has {
			sf.replicas[workerName] = struct{}{}
			s.workers[workerName][sf.cachedName] = sf
			break
		}
	}
	return nil
}
