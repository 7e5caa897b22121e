package enhance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"stackline/internal/credentials"
	"stackline/internal/fault"
)

// ComfyUI queues a prompt graph on a ComfyUI server and polls its history.
type ComfyUI struct {
	base   string
	wf     Workflow
	creds  credentials.Provider // optional
	client *http.Client
}

var _ Provider = (*ComfyUI)(nil)

// NewComfyUI returns a provider for wf. creds may be nil.
func NewComfyUI(wf Workflow, creds credentials.Provider, client *http.Client) *ComfyUI {
	if client == nil {
		client = http.DefaultClient
	}
	return &ComfyUI{base: strings.TrimRight(wf.Endpoint, "/"), wf: wf, creds: creds, client: client}
}

func (c *ComfyUI) Name() string { return KindComfyUI }

func (c *ComfyUI) Submit(ctx context.Context, sub Submission) (Handle, error) {
	graph, err := c.wf.Graph()
	if err != nil {
		return Handle{}, fault.Wrap(fault.ErrGroupFatal, "enhance", "submit", "workflow is misconfigured", err)
	}
	node, ok := graph[c.wf.InputNode].(map[string]any)
	if !ok {
		return Handle{}, fault.New(fault.ErrGroupFatal, "enhance", fmt.Sprintf("workflow %s has no node %q", c.wf.ID, c.wf.InputNode))
	}
	inputs, _ := node["inputs"].(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
		node["inputs"] = inputs
	}
	field := c.wf.InputField
	if field == "" {
		field = "image"
	}
	inputs[field] = sub.InputURL

	body, err := json.Marshal(map[string]any{"prompt": graph, "client_id": sub.GroupID})
	if err != nil {
		return Handle{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, c.base+"/prompt", body)
	if err != nil {
		return Handle{}, requestError(ctx, "submit", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Handle{}, statusError(c.Name(), "submit", resp)
	}
	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.PromptID == "" {
		return Handle{}, fault.Wrap(fault.ErrTransient, "enhance", "submit", "enhancement service returned an invalid response", err)
	}
	return Handle{ID: out.PromptID}, nil
}

type comfyHistory struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
}

func (c *ComfyUI) Status(ctx context.Context, h Handle) (Status, error) {
	resp, err := c.do(ctx, http.MethodGet, c.base+"/history/"+url.PathEscape(h.ID), nil)
	if err != nil {
		return Status{}, requestError(ctx, "status", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, statusError(c.Name(), "status", resp)
	}
	var history map[string]comfyHistory
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return Status{}, fault.Wrap(fault.ErrTransient, "enhance", "status", "enhancement service returned an invalid response", err)
	}
	entry, ok := history[h.ID]
	if !ok {
		// Not in history yet: still queued or running.
		return Status{State: StateRunning}, nil
	}
	switch entry.Status.StatusStr {
	case "error":
		return Status{State: StateFailed, Error: "workflow execution failed"}, nil
	case "success":
	default:
		if !entry.Status.Completed {
			return Status{State: StateRunning}, nil
		}
	}
	for _, out := range entry.Outputs {
		for _, img := range out.Images {
			q := url.Values{}
			q.Set("filename", img.Filename)
			q.Set("subfolder", img.Subfolder)
			q.Set("type", img.Type)
			return Status{State: StateCompleted, Output: c.base + "/view?" + q.Encode()}, nil
		}
	}
	return Status{State: StateCompleted}, nil
}

func (c *ComfyUI) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		tok, err := c.creds.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return c.client.Do(req)
}
