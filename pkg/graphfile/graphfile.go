// Package graphfile loads a task graph definition from a JSON document.
// Documents are validated against an embedded JSON Schema before any node
// is created, so schema violations surface all at once instead of one
// failed AddNode at a time.
package graphfile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dagstack/orchard/pkg/graph"
	"github.com/dagstack/orchard/pkg/manager"
)

// definitionSchema constrains graph definition documents.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "proxy_library": {"type": "string", "minLength": 1},
    "proxy_function": {"type": "string", "minLength": 1},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "target": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["parent", "child"],
        "properties": {
          "parent": {"type": "string", "minLength": 1},
          "child": {"type": "string", "minLength": 1}
        },
        "additionalProperties": false
      }
    },
    "tuning": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  },
  "additionalProperties": false
}`

// Definition mirrors the JSON document shape.
type Definition struct {
	ProxyLibrary  string            `json:"proxy_library,omitempty"`
	ProxyFunction string            `json:"proxy_function,omitempty"`
	Nodes         []NodeDefinition  `json:"nodes"`
	Edges         []EdgeDefinition  `json:"edges,omitempty"`
	Tuning        map[string]string `json:"tuning,omitempty"`
}

// NodeDefinition declares one node.
type NodeDefinition struct {
	ID     string `json:"id"`
	Target bool   `json:"target,omitempty"`
}

// EdgeDefinition declares one parent → child dependency.
type EdgeDefinition struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// Validate checks a raw document against the definition schema and
// returns every violated constraint.
func Validate(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(definitionSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(violations, "; "))
}

// Load validates a JSON definition and builds a graph from it. Topology
// metrics are not computed; the caller does that once the graph is final.
func Load(m manager.Manager, data []byte) (*graph.Graph, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	g, err := graph.New(m)
	if err != nil {
		return nil, err
	}

	if def.ProxyLibrary != "" {
		g.SetProxyLibraryName(def.ProxyLibrary)
	}
	if def.ProxyFunction != "" {
		g.SetProxyFunctionName(def.ProxyFunction)
	}

	// Tune in sorted key order so a definition applies deterministically.
	keys := make([]string, 0, len(def.Tuning))
	for key := range def.Tuning {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := g.Tune(key, def.Tuning[key]); err != nil {
			return nil, err
		}
	}

	for _, nodeDef := range def.Nodes {
		if _, err := g.AddNode(nodeDef.ID, nodeDef.Target); err != nil {
			return nil, err
		}
	}
	for _, edgeDef := range def.Edges {
		if err := g.AddDependency(edgeDef.Parent, edgeDef.Child); err != nil {
			return nil, err
		}
	}

	return g, nil
}
