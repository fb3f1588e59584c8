package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/dagstack/orchard/pkg/logging"
	"github.com/dagstack/orchard/pkg/manager"
	"github.com/dagstack/orchard/pkg/storage"
	"github.com/dagstack/orchard/pkg/types"
)

// infileRemoteName is the sandbox name of the JSON arguments blob.
const infileRemoteName = "infile"

// Graph owns every node of a task graph and drives its configuration and
// topology analysis. All node mutation goes through graph-owned operations.
type Graph struct {
	// ID identifies this graph in logs.
	ID string

	mgr    manager.Manager
	config types.Config
	logger *logging.Logger

	nodes   map[string]*Node
	order   []*Node // insertion order
	targets []string

	// taskToNode correlates manager task identifiers with nodes. Populated
	// on submission, consulted on completion.
	taskToNode map[int]*Node

	// cachedNameToNode correlates the worker-side cached name of a node's
	// output file with the node. Recovery tasks are resolved through it.
	cachedNameToNode map[string]*Node

	proxyLibraryName  string
	proxyFunctionName string

	metricsComputed bool
	classesAssigned bool

	timeFirstDispatch time.Time
	timeLastRetrieved time.Time

	nextOrdinal int
}

// New creates an empty graph bound to a manager.
func New(m manager.Manager) (*Graph, error) {
	if m == nil {
		return nil, ErrNilManager
	}
	id := uuid.New().String()
	return &Graph{
		ID:               id,
		mgr:              m,
		config:           types.DefaultConfig(),
		logger:           logging.New(logging.DefaultConfig()).WithGraphID(id),
		nodes:            make(map[string]*Node),
		taskToNode:       make(map[int]*Node),
		cachedNameToNode: make(map[string]*Node),
	}, nil
}

// Manager returns the manager this graph is bound to.
func (g *Graph) Manager() manager.Manager {
	return g.mgr
}

// Config returns a copy of the current configuration.
func (g *Graph) Config() types.Config {
	return g.config
}

// Logger returns the graph-scoped logger.
func (g *Graph) Logger() *logging.Logger {
	return g.logger
}

// AddNode creates a node under the given key and returns it. The node
// receives a unique remote output filename, a task invoking the proxy
// function, and its task-scoped arguments buffer. Fails if the key is
// already taken.
func (g *Graph) AddNode(key string, isTarget bool) (*Node, error) {
	if key == "" {
		return nil, ErrEmptyNodeKey
	}
	if _, exists := g.nodes[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNodeKey, key)
	}

	node := &Node{
		Key:               key,
		Ordinal:           g.nextOrdinal,
		IsTarget:          isTarget,
		OutfileRemoteName: uuid.New().String(),
		PendingParents:    mapset.NewThreadUnsafeSet[string](),
		PruneStatus:       types.PruneNotPruned,
	}
	g.nextOrdinal++

	task := manager.NewTask(g.proxyFunctionName)
	task.SetLibraryRequired(g.proxyLibraryName)
	task.AddRef()
	node.Task = task

	args, err := node.TaskArguments()
	if err != nil {
		return nil, err
	}
	infile, err := g.mgr.DeclareBuffer(args, manager.CacheLevelTask, manager.FlagUnlinkWhenDone)
	if err != nil {
		return nil, fmt.Errorf("declare arguments buffer for node %s: %w", key, err)
	}
	node.Infile = infile
	task.AddInput(infile, infileRemoteName, manager.TransferAlways)

	g.nodes[key] = node
	g.order = append(g.order, node)
	if isTarget {
		g.targets = append(g.targets, key)
	}
	return node, nil
}

// AddNodeAuto creates a node under a generated ordinal key and returns the
// key.
func (g *Graph) AddNodeAuto() (string, error) {
	key := strconv.Itoa(g.nextOrdinal)
	if _, err := g.AddNode(key, false); err != nil {
		return "", err
	}
	return key, nil
}

// SetTarget marks an existing node as a retrieval target.
func (g *Graph) SetTarget(key string) error {
	node, ok := g.nodes[key]
	if !ok {
		return g.unknownNodeError(key)
	}
	if node.IsTarget {
		return nil
	}
	if g.classesAssigned {
		return fmt.Errorf("%w: cannot retarget %s after topology metrics", ErrMetricsFinalized, key)
	}
	node.IsTarget = true
	g.targets = append(g.targets, key)
	return nil
}

// AddDependency records a parent → child edge. Both nodes must already
// exist; a missing key fails with a diagnostic listing of known keys.
func (g *Graph) AddDependency(parentKey, childKey string) error {
	parent, ok := g.nodes[parentKey]
	if !ok {
		return g.unknownNodeError(parentKey)
	}
	child, ok := g.nodes[childKey]
	if !ok {
		return g.unknownNodeError(childKey)
	}
	if parentKey == childKey {
		return fmt.Errorf("%w: %s", ErrSelfDependency, parentKey)
	}
	for _, existing := range parent.Children {
		if existing == childKey {
			return fmt.Errorf("%w: %s -> %s", ErrDuplicateEdge, parentKey, childKey)
		}
	}
	parent.Children = append(parent.Children, childKey)
	child.Parents = append(child.Parents, parentKey)
	return nil
}

// SetProxyLibraryName records the worker-side library host that carries
// the proxy function. Applied to every existing task as well.
func (g *Graph) SetProxyLibraryName(name string) {
	g.proxyLibraryName = name
	for _, node := range g.order {
		node.Task.SetLibraryRequired(name)
	}
}

// SetProxyFunctionName records the preloaded function tasks invoke.
// Applied to every existing task as well.
func (g *Graph) SetProxyFunctionName(name string) {
	g.proxyFunctionName = name
	for _, node := range g.order {
		node.Task.FunctionName = name
	}
}

// ProxyLibraryName returns the configured proxy library name.
func (g *Graph) ProxyLibraryName() string {
	return g.proxyLibraryName
}

// ProxyFunctionName returns the configured proxy function name.
func (g *Graph) ProxyFunctionName() string {
	return g.proxyFunctionName
}

// Tune adjusts one named configuration knob. Fractions are clamped into
// their valid range, enum strings are parsed against their enums, and
// directories are created if absent.
func (g *Graph) Tune(name, value string) error {
	switch name {
	case types.TuneFailureInjectionStepPercent:
		pct, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidTuneValue, name, value)
		}
		g.config.FailureInjectionStepPercent = clamp(pct, 0, 100)
	case types.TuneTaskPriorityMode:
		mode, err := types.ParsePriorityMode(value)
		if err != nil {
			return err
		}
		g.config.TaskPriorityMode = mode
	case types.TuneOutputDir:
		if err := storage.EnsureDir(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		g.config.OutputDir = value
	case types.TunePruneDepth:
		depth, err := strconv.Atoi(value)
		if err != nil || depth < 0 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidTuneValue, name, value)
		}
		g.config.PruneDepth = depth
	case types.TuneCheckpointFraction:
		frac, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidTuneValue, name, value)
		}
		g.config.CheckpointFraction = clamp(frac, 0, 1)
	case types.TuneCheckpointDir:
		if err := storage.EnsureDir(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		g.config.CheckpointDir = value
	case types.TuneProgressBarUpdateInterval:
		sec, err := strconv.ParseFloat(value, 64)
		if err != nil || sec < 0 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidTuneValue, name, value)
		}
		g.config.ProgressBarUpdateInterval = time.Duration(sec * float64(time.Second))
	case types.TuneTimeMetricsFilename:
		g.config.TimeMetricsFilename = value
	case types.TuneEnableDebugLog:
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidTuneValue, name, value)
		}
		g.config.EnableDebugLog = enabled
		level := "info"
		if enabled {
			level = "debug"
		}
		cfg := logging.DefaultConfig()
		cfg.Level = level
		g.logger = logging.New(cfg).WithGraphID(g.ID)
	case types.TuneMaxRetryAttempts:
		attempts, err := strconv.Atoi(value)
		if err != nil || attempts < 0 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidTuneValue, name, value)
		}
		g.config.MaxRetryAttempts = attempts
	case types.TuneRetryInterval:
		sec, err := strconv.ParseFloat(value, 64)
		if err != nil || sec < 0 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidTuneValue, name, value)
		}
		g.config.RetryInterval = time.Duration(sec * float64(time.Second))
	default:
		return fmt.Errorf("%w: %q", types.ErrUnknownTuningKey, name)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NodeByKey returns the node under key, or nil.
func (g *Graph) NodeByKey(key string) *Node {
	return g.nodes[key]
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	return g.order
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.order)
}

// TargetCount returns the number of target nodes.
func (g *Graph) TargetCount() int {
	return len(g.targets)
}

// Targets returns the keys of all target nodes.
func (g *Graph) Targets() []string {
	return g.targets
}

// BindTask records a submitted task identifier for a node.
func (g *Graph) BindTask(taskID int, node *Node) {
	g.taskToNode[taskID] = node
}

// UnbindTask forgets a task identifier, used when a failed task is reset
// for resubmission.
func (g *Graph) UnbindTask(taskID int) {
	delete(g.taskToNode, taskID)
}

// NodeByTaskID resolves a task identifier to its node, or nil.
func (g *Graph) NodeByTaskID(taskID int) *Node {
	return g.taskToNode[taskID]
}

// RegisterOutfileCachedName records the worker-side cached name of a
// node's output so recovery tasks can be resolved back to it.
func (g *Graph) RegisterOutfileCachedName(cachedName string, node *Node) {
	g.cachedNameToNode[cachedName] = node
}

// NodeByOutfileCachedName resolves a cached output name to its node, or
// nil.
func (g *Graph) NodeByOutfileCachedName(cachedName string) *Node {
	return g.cachedNameToNode[cachedName]
}

// NodeOutfileRemoteName returns the remote output filename of a node.
func (g *Graph) NodeOutfileRemoteName(key string) (string, error) {
	node, ok := g.nodes[key]
	if !ok {
		return "", g.unknownNodeError(key)
	}
	return node.OutfileRemoteName, nil
}

// NodeLocalOutfileSource returns the manager-local path of a Local-class
// output. It fails for any other class: only Local outputs come back
// through the standard file-return path.
func (g *Graph) NodeLocalOutfileSource(key string) (string, error) {
	node, ok := g.nodes[key]
	if !ok {
		return "", g.unknownNodeError(key)
	}
	if node.OutfileClass != types.OutputLocal {
		return "", fmt.Errorf("%w: node %s has class %s", ErrNotLocalOutput, key, node.OutfileClass)
	}
	return node.Outfile.Source(), nil
}

// NodeHeavyScore returns the heavy score of a node, valid after
// ComputeTopologyMetrics.
func (g *Graph) NodeHeavyScore(key string) (float64, error) {
	node, ok := g.nodes[key]
	if !ok {
		return 0, g.unknownNodeError(key)
	}
	return node.HeavyScore, nil
}

// RecordFirstDispatch anchors the makespan start to the first task commit.
func (g *Graph) RecordFirstDispatch(t time.Time) {
	if g.timeFirstDispatch.IsZero() {
		g.timeFirstDispatch = t
	}
}

// RecordLastRetrieved advances the makespan end.
func (g *Graph) RecordLastRetrieved(t time.Time) {
	g.timeLastRetrieved = t
}

// MakespanMicroseconds returns the elapsed microseconds between the first
// dispatch and the last retrieval, zero before execution.
func (g *Graph) MakespanMicroseconds() int64 {
	if g.timeFirstDispatch.IsZero() || g.timeLastRetrieved.IsZero() {
		return 0
	}
	return g.timeLastRetrieved.Sub(g.timeFirstDispatch).Microseconds()
}

// Delete tears the graph down after execution: every input and output
// file is pruned from the workers and removed from the manager's file
// table, and Shared outputs are unlinked from the shared filesystem.
// Local target outputs stay on disk; they are the driver's to consume.
func (g *Graph) Delete() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, node := range g.order {
		if node.Infile != nil {
			if _, err := g.mgr.PruneFile(node.Infile); err != nil {
				record(err)
			}
			record(g.mgr.Undeclare(node.Infile))
			node.Infile = nil
		}
		if node.Outfile != nil {
			if _, err := g.mgr.PruneFile(node.Outfile); err != nil {
				record(err)
			}
			record(g.mgr.Undeclare(node.Outfile))
			node.Outfile = nil
		}
		if node.OutfileClass == types.OutputShared {
			record(storage.UnlinkShared(node.OutfileRemoteName))
		}
	}
	g.nodes = make(map[string]*Node)
	g.order = nil
	g.targets = nil
	g.taskToNode = make(map[int]*Node)
	g.cachedNameToNode = make(map[string]*Node)
	return firstErr
}

// unknownNodeError builds the diagnostic for a missing node key, listing
// known identifiers. Vital when chasing typos in large drivers.
func (g *Graph) unknownNodeError(key string) error {
	known := make([]string, 0, len(g.nodes))
	for k := range g.nodes {
		known = append(known, k)
	}
	sort.Strings(known)
	const maxListed = 20
	listed := known
	suffix := ""
	if len(known) > maxListed {
		listed = known[:maxListed]
		suffix = fmt.Sprintf(", ... (%d total)", len(known))
	}
	return fmt.Errorf("%w: %q (known: %s%s)", ErrUnknownNodeKey, key, strings.Join(listed, ", "), suffix)
}
