// Package loader reads workflow definitions from YAML or JSON files so
// deployments can ship graphs alongside service configuration.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

type fileDefinition struct {
	WorkflowID     string              `yaml:"workflow_id" json:"workflow_id"`
	Name           string              `yaml:"name" json:"name"`
	Description    string              `yaml:"description" json:"description"`
	Version        string              `yaml:"version" json:"version"`
	Tags           []string            `yaml:"tags" json:"tags"`
	TimeoutMinutes float64             `yaml:"timeout_minutes" json:"timeout_minutes"`
	Nodes          map[string]fileNode `yaml:"nodes" json:"nodes"`
	Edges          map[string]fileEdge `yaml:"edges" json:"edges"`
}

type fileNode struct {
	Type           string                 `yaml:"node_type" json:"node_type"`
	Name           string                 `yaml:"name" json:"name"`
	Description    string                 `yaml:"description" json:"description"`
	AgentType      string                 `yaml:"agent_type" json:"agent_type"`
	Action         string                 `yaml:"action" json:"action"`
	Parameters     map[string]interface{} `yaml:"parameters" json:"parameters"`
	Conditions     map[string]float64     `yaml:"conditions" json:"conditions"`
	TimeoutSeconds int                    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     *int                   `yaml:"max_retries" json:"max_retries"`
}

type fileEdge struct {
	FromNode  string                 `yaml:"from_node" json:"from_node"`
	ToNode    string                 `yaml:"to_node" json:"to_node"`
	Type      string                 `yaml:"edge_type" json:"edge_type"`
	Condition string                 `yaml:"condition" json:"condition"`
	Metadata  map[string]interface{} `yaml:"metadata" json:"metadata"`
}

// LoadFile reads one definition. The format is chosen by extension:
// .yaml/.yml or .json.
func LoadFile(path string) (*model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var file fileDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	default:
		return nil, fmt.Errorf("unsupported workflow file extension: %s", filepath.Ext(path))
	}

	return file.toModel(), nil
}

// Parse decodes one JSON definition body. The registration API accepts
// the same shape the file loader reads.
func Parse(data []byte) (*model.WorkflowDefinition, error) {
	var file fileDefinition
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	return file.toModel(), nil
}

// LoadDir reads every .yaml, .yml and .json file in dir, in name order.
// Other files are ignored. A missing directory is not an error; it simply
// yields no definitions.
func LoadDir(dir string) ([]*model.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*model.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	return defs, nil
}

func (f *fileDefinition) toModel() *model.WorkflowDefinition {
	def := &model.WorkflowDefinition{
		WorkflowID:  f.WorkflowID,
		Name:        f.Name,
		Description: f.Description,
		Version:     f.Version,
		Tags:        f.Tags,
		Timeout:     time.Duration(f.TimeoutMinutes * float64(time.Minute)),
		Nodes:       make(map[string]*model.Node, len(f.Nodes)),
		Edges:       make(map[string]*model.Edge, len(f.Edges)),
	}

	for id, fn := range f.Nodes {
		node := &model.Node{
			ID:             id,
			Type:           model.NodeType(fn.Type),
			Name:           fn.Name,
			Description:    fn.Description,
			AgentType:      fn.AgentType,
			Action:         fn.Action,
			Parameters:     fn.Parameters,
			Conditions:     fn.Conditions,
			TimeoutSeconds: fn.TimeoutSeconds,
		}
		switch {
		case fn.MaxRetries != nil:
			node.MaxRetries = *fn.MaxRetries
		case node.Type == model.NodeTypeTask:
			node.MaxRetries = model.DefaultMaxRetries
		}
		def.Nodes[id] = node
	}

	for id, fe := range f.Edges {
		def.Edges[id] = &model.Edge{
			ID:        id,
			FromNode:  fe.FromNode,
			ToNode:    fe.ToNode,
			Type:      model.EdgeType(fe.Type),
			Condition: fe.Condition,
			Metadata:  fe.Metadata,
		}
	}

	return def
}
