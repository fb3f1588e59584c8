// Package storage manages the on-disk layout of a task graph run: the
// manager-local output directory, the shared-filesystem checkpoint
// directory, and the per-run time-metrics CSV.
package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// lockFileName guards the output directory against concurrent runs.
const lockFileName = "LOCK"

// Layout holds the directories a run writes into. The output directory is
// protected by an advisory lock for the lifetime of the layout.
type Layout struct {
	outputDir     string
	checkpointDir string
	lock          *flock.Flock
}

// NewLayout creates the output and checkpoint directories if absent and
// takes an advisory lock on the output directory. checkpointDir may be
// empty when no checkpointing is configured.
func NewLayout(outputDir, checkpointDir string) (*Layout, error) {
	if outputDir == "" {
		return nil, ErrNoOutputDir
	}
	if err := EnsureDir(outputDir); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	if checkpointDir != "" {
		if err := EnsureDir(checkpointDir); err != nil {
			return nil, fmt.Errorf("checkpoint dir: %w", err)
		}
	}

	lock := flock.New(filepath.Join(outputDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock output dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrOutputDirInUse, outputDir)
	}

	return &Layout{
		outputDir:     outputDir,
		checkpointDir: checkpointDir,
		lock:          lock,
	}, nil
}

// OutputDir returns the manager-local output directory.
func (l *Layout) OutputDir() string {
	return l.outputDir
}

// CheckpointDir returns the shared-filesystem checkpoint directory, empty
// when checkpointing is off.
func (l *Layout) CheckpointDir() string {
	return l.checkpointDir
}

// Close releases the advisory lock on the output directory and removes
// the lock file, leaving only output files behind.
func (l *Layout) Close() error {
	if l.lock == nil {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return err
	}
	if err := os.Remove(l.lock.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// EnsureDir creates a directory and its parents if absent.
func EnsureDir(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	return os.MkdirAll(path, 0o755)
}

// UnlinkShared removes a shared-filesystem file. Removing a file that has
// already been removed is not an error.
func UnlinkShared(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}

// StatSize stats path and returns its size in bytes.
func StatSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// TimeMetricsRow is one line of the per-run timing CSV.
type TimeMetricsRow struct {
	NodeID           string
	SubmissionUS     int64
	SchedulingUS     int64
	CommitUS         int64
	ExecutionUS      int64
	RetrievalUS      int64
	PostprocessingUS int64
}

// timeMetricsHeader is the fixed CSV column set.
var timeMetricsHeader = []string{
	"node_id",
	"submission_time_us",
	"scheduling_time_us",
	"commit_time_us",
	"execution_time_us",
	"retrieval_time_us",
	"postprocessing_time_us",
}

// WriteTimeMetricsCSV writes the per-node timing rows to path.
func WriteTimeMetricsCSV(path string, rows []TimeMetricsRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create time metrics file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(timeMetricsHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.NodeID,
			strconv.FormatInt(row.SubmissionUS, 10),
			strconv.FormatInt(row.SchedulingUS, 10),
			strconv.FormatInt(row.CommitUS, 10),
			strconv.FormatInt(row.ExecutionUS, 10),
			strconv.FormatInt(row.RetrievalUS, 10),
			strconv.FormatInt(row.PostprocessingUS, 10),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write row for node %s: %w", row.NodeID, err)
		}
	}
	w.Flush()
	return w.Error()
}
