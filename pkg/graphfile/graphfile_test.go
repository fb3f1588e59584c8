package graphfile

import (
	"errors"
	"strings"
	"testing"

	"github.com/dagstack/orchard/pkg/managertest"
	"github.com/dagstack/orchard/pkg/types"
)

const validDefinition = `{
  "proxy_library": "demo-lib",
  "proxy_function": "compute",
  "nodes": [
    {"id": "extract"},
    {"id": "transform"},
    {"id": "load", "target": true}
  ],
  "edges": [
    {"parent": "extract", "child": "transform"},
    {"parent": "transform", "child": "load"}
  ],
  "tuning": {
    "prune-depth": "2",
    "task-priority-mode": "depth-first"
  }
}`

func TestLoad(t *testing.T) {
	g, err := Load(managertest.NewSim(1), []byte(validDefinition))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if g.NodeCount() != 3 {
		t.Errorf("NodeCount() = %d, want 3", g.NodeCount())
	}
	if !g.NodeByKey("load").IsTarget {
		t.Error("load not marked as target")
	}
	if got := g.NodeByKey("transform").Parents; len(got) != 1 || got[0] != "extract" {
		t.Errorf("parents of transform = %v, want [extract]", got)
	}
	if g.ProxyFunctionName() != "compute" {
		t.Errorf("ProxyFunctionName() = %q, want compute", g.ProxyFunctionName())
	}
	if g.ProxyLibraryName() != "demo-lib" {
		t.Errorf("ProxyLibraryName() = %q, want demo-lib", g.ProxyLibraryName())
	}
	if got := g.Config().PruneDepth; got != 2 {
		t.Errorf("PruneDepth = %d, want 2", got)
	}
	if got := g.Config().TaskPriorityMode; got != types.PriorityDepthFirst {
		t.Errorf("TaskPriorityMode = %v, want depth-first", got)
	}
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"nodes": [`},
		{"missing nodes", `{"edges": []}`},
		{"node without id", `{"nodes": [{"target": true}]}`},
		{"edge without child", `{"nodes": [{"id": "a"}], "edges": [{"parent": "a"}]}`},
		{"unknown top-level field", `{"nodes": [{"id": "a"}], "wokflow": 1}`},
		{"non-string tuning value", `{"nodes": [{"id": "a"}], "tuning": {"prune-depth": 1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(managertest.NewSim(1), []byte(tt.doc))
			if err == nil {
				t.Fatal("Load() error = nil, want schema violation")
			}
			if !errors.Is(err, ErrSchemaViolation) && !errors.Is(err, ErrInvalidDocument) {
				t.Errorf("Load() error = %v, want schema or document error", err)
			}
		})
	}
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	doc := `{"nodes": [{"target": true}, {"id": ""}]}`
	err := Validate([]byte(doc))
	if err == nil {
		t.Fatal("Validate() error = nil, want violations")
	}
	// Both broken nodes surface in a single pass.
	if got := strings.Count(err.Error(), ";") + 1; got < 2 {
		t.Errorf("violations reported = %d, want at least 2: %v", got, err)
	}
}

func TestLoad_UnknownEdgeNode(t *testing.T) {
	doc := `{"nodes": [{"id": "a"}], "edges": [{"parent": "a", "child": "ghost"}]}`
	_, err := Load(managertest.NewSim(1), []byte(doc))
	if err == nil {
		t.Fatal("Load() error = nil, want unknown node error")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error %q does not name the unknown node", err)
	}
}
