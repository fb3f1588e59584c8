package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLayout(t *testing.T) {
	outputDir := filepath.Join(t.TempDir(), "out")
	checkpointDir := filepath.Join(t.TempDir(), "ckpt")

	layout, err := NewLayout(outputDir, checkpointDir)
	if err != nil {
		t.Fatalf("NewLayout() error = %v", err)
	}
	defer layout.Close()

	for _, dir := range []string{outputDir, checkpointDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", dir)
		}
	}
	if layout.OutputDir() != outputDir {
		t.Errorf("OutputDir() = %q, want %q", layout.OutputDir(), outputDir)
	}
}

func TestNewLayout_LockContention(t *testing.T) {
	outputDir := t.TempDir()

	first, err := NewLayout(outputDir, "")
	if err != nil {
		t.Fatalf("first NewLayout() error = %v", err)
	}

	if _, err := NewLayout(outputDir, ""); !errors.Is(err, ErrOutputDirInUse) {
		t.Errorf("second NewLayout() error = %v, want ErrOutputDirInUse", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The lock file is gone and the directory is reusable.
	if _, err := os.Stat(filepath.Join(outputDir, lockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file survived Close(): %v", err)
	}
	second, err := NewLayout(outputDir, "")
	if err != nil {
		t.Fatalf("NewLayout() after Close() error = %v", err)
	}
	second.Close()
}

func TestNewLayout_RequiresOutputDir(t *testing.T) {
	if _, err := NewLayout("", ""); !errors.Is(err, ErrNoOutputDir) {
		t.Errorf("NewLayout(\"\") error = %v, want ErrNoOutputDir", err)
	}
}

func TestUnlinkShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.dat")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := UnlinkShared(path); err != nil {
		t.Fatalf("UnlinkShared() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("UnlinkShared() did not remove the file")
	}

	// Unlinking a file that has already been unlinked is not an error.
	if err := UnlinkShared(path); err != nil {
		t.Errorf("second UnlinkShared() error = %v, want nil", err)
	}
	if err := UnlinkShared(""); err != nil {
		t.Errorf("UnlinkShared(\"\") error = %v, want nil", err)
	}
}

func TestWriteTimeMetricsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	rows := []TimeMetricsRow{
		{NodeID: "a", SubmissionUS: 100, SchedulingUS: 5, CommitUS: 2, ExecutionUS: 40, RetrievalUS: 3, PostprocessingUS: 1},
		{NodeID: "b", SubmissionUS: 150, SchedulingUS: 6, CommitUS: 1, ExecutionUS: 20, RetrievalUS: 2, PostprocessingUS: 4},
	}
	if err := WriteTimeMetricsCSV(path, rows); err != nil {
		t.Fatalf("WriteTimeMetricsCSV() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("csv lines = %d, want 3", len(lines))
	}
	if lines[0] != "node_id,submission_time_us,scheduling_time_us,commit_time_us,execution_time_us,retrieval_time_us,postprocessing_time_us" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "a,100,5,2,40,3,1" {
		t.Errorf("row 1 = %q", lines[1])
	}
	if lines[2] != "b,150,6,1,20,2,4" {
		t.Errorf("row 2 = %q", lines[2])
	}
}

func TestStatSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	size, err := StatSize(path)
	if err != nil {
		t.Fatalf("StatSize() error = %v", err)
	}
	if size != 5 {
		t.Errorf("StatSize() = %d, want 5", size)
	}
	if _, err := StatSize(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("StatSize(absent) error = nil, want error")
	}
}
