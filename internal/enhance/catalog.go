package enhance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"stackline/internal/fault"
)

// Provider kinds.
const (
	KindPassthrough = "passthrough"
	KindComfyUI     = "comfyui"
	KindRunPod      = "runpod"
)

// Workflow binds a workflow ID to one provider and its settings.
type Workflow struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint"` // base URL of the provider API

	// RunPod
	EndpointID string `yaml:"endpoint_id"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Webhook    bool   `yaml:"webhook"`

	// ComfyUI
	GraphFile  string `yaml:"graph_file"`
	InputNode  string `yaml:"input_node"`
	InputField string `yaml:"input_field"`

	Params map[string]any `yaml:"params"`

	graph map[string]any
}

// Graph returns a deep copy of the ComfyUI prompt graph.
func (w Workflow) Graph() (map[string]any, error) {
	if w.graph == nil {
		return nil, fault.New(fault.ErrValidation, "enhance", fmt.Sprintf("workflow %s has no graph", w.ID))
	}
	raw, err := json.Marshal(w.graph)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type catalogFile struct {
	Workflows []Workflow `yaml:"workflows"`
}

// Catalog is the set of configured workflows. The passthrough workflow is
// always present.
type Catalog struct {
	workflows map[string]Workflow
	fallback  string
}

// NewCatalog builds a catalog from workflows. fallback names the workflow
// used when a job does not pick one.
func NewCatalog(fallback string, workflows ...Workflow) (*Catalog, error) {
	c := &Catalog{workflows: map[string]Workflow{
		KindPassthrough: {ID: KindPassthrough, Provider: KindPassthrough},
	}}
	for _, wf := range workflows {
		if err := validateWorkflow(wf); err != nil {
			return nil, err
		}
		c.workflows[wf.ID] = wf
	}
	if fallback == "" {
		fallback = KindPassthrough
	}
	if _, ok := c.workflows[fallback]; !ok {
		return nil, fault.New(fault.ErrValidation, "enhance", fmt.Sprintf("default workflow %q is not defined", fallback))
	}
	c.fallback = fallback
	return c, nil
}

// LoadCatalog reads a YAML workflow file. An empty path yields the
// passthrough-only catalog.
func LoadCatalog(path, fallback string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(fallback)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflows: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workflows %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range file.Workflows {
		wf := &file.Workflows[i]
		wf.Provider = strings.ToLower(strings.TrimSpace(wf.Provider))
		if wf.GraphFile == "" {
			continue
		}
		gp := wf.GraphFile
		if !filepath.IsAbs(gp) {
			gp = filepath.Join(dir, gp)
		}
		raw, err := os.ReadFile(gp)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: read graph: %w", wf.ID, err)
		}
		if err := json.Unmarshal(raw, &wf.graph); err != nil {
			return nil, fmt.Errorf("workflow %s: parse graph: %w", wf.ID, err)
		}
	}
	return NewCatalog(fallback, file.Workflows...)
}

func validateWorkflow(wf Workflow) error {
	if strings.TrimSpace(wf.ID) == "" {
		return fault.New(fault.ErrValidation, "enhance", "workflow id is required")
	}
	switch wf.Provider {
	case KindPassthrough:
	case KindComfyUI:
		if wf.Endpoint == "" || wf.InputNode == "" {
			return fault.New(fault.ErrValidation, "enhance", fmt.Sprintf("workflow %s: comfyui needs endpoint and input_node", wf.ID))
		}
	case KindRunPod:
		if wf.EndpointID == "" {
			return fault.New(fault.ErrValidation, "enhance", fmt.Sprintf("workflow %s: runpod needs endpoint_id", wf.ID))
		}
	default:
		return fault.New(fault.ErrValidation, "enhance", fmt.Sprintf("workflow %s: unknown provider %q", wf.ID, wf.Provider))
	}
	return nil
}

// Lookup resolves a workflow ID, using the default for an empty ID.
func (c *Catalog) Lookup(id string) (Workflow, error) {
	if id == "" {
		id = c.fallback
	}
	wf, ok := c.workflows[id]
	if !ok {
		return Workflow{}, fault.New(fault.ErrGroupFatal, "enhance", fmt.Sprintf("workflow %q is not configured", id))
	}
	return wf, nil
}

// IDs lists workflow IDs in order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.workflows))
	for id := range c.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
