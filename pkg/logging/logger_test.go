package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func jsonLogger(buf *bytes.Buffer, level string) *Logger {
	return New(Config{Level: level, Output: buf, Pretty: false})
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")

	logger.Debug("hidden")
	logger.Info("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug message logged at info level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("info message not logged")
	}
}

func TestLogger_StructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "debug").
		WithGraphID("g-1").
		WithNodeKey("n42").
		WithTaskID(7).
		WithWorker("worker-3")

	logger.Infof("node %s handled", "n42")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if record["graph_id"] != "g-1" {
		t.Errorf("graph_id = %v, want g-1", record["graph_id"])
	}
	if record["node_key"] != "n42" {
		t.Errorf("node_key = %v, want n42", record["node_key"])
	}
	if record["task_id"] != float64(7) {
		t.Errorf("task_id = %v, want 7", record["task_id"])
	}
	if record["worker"] != "worker-3" {
		t.Errorf("worker = %v, want worker-3", record["worker"])
	}
	if record["msg"] != "node n42 handled" {
		t.Errorf("msg = %v", record["msg"])
	}
}

func TestLogger_ContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := jsonLogger(&buf, "info")

	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("FromContext did not return the stored logger")
	}

	// A bare context falls back to a default logger instead of nil.
	if FromContext(context.Background()) == nil {
		t.Error("FromContext returned nil for empty context")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input).String(); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
