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

const defaultRunPodBase = "https://api.runpod.ai"

// RunPod submits to a serverless endpoint. With a callback URL it asks for a
// webhook; the status endpoint is always available for polling.
type RunPod struct {
	base   string
	wf     Workflow
	creds  credentials.Provider
	client *http.Client
}

var _ Provider = (*RunPod)(nil)

func NewRunPod(wf Workflow, creds credentials.Provider, client *http.Client) *RunPod {
	base := strings.TrimRight(wf.Endpoint, "/")
	if base == "" {
		base = defaultRunPodBase
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RunPod{base: base, wf: wf, creds: creds, client: client}
}

func (r *RunPod) Name() string { return KindRunPod }

func (r *RunPod) Submit(ctx context.Context, sub Submission) (Handle, error) {
	input := map[string]any{}
	for k, v := range r.wf.Params {
		input[k] = v
	}
	input["jobId"] = sub.JobID
	input["groupId"] = sub.GroupID
	input["imageUrl"] = sub.InputURL
	input["inputKey"] = sub.InputKey
	input["outputKey"] = sub.OutputKey

	payload := map[string]any{"input": input}
	async := r.wf.Webhook && sub.CallbackURL != ""
	if async {
		payload["webhook"] = sub.CallbackURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, err
	}

	resp, err := r.do(ctx, http.MethodPost, fmt.Sprintf("%s/v2/%s/run", r.base, url.PathEscape(r.wf.EndpointID)), body)
	if err != nil {
		return Handle{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Handle{}, statusError(r.Name(), "submit", resp)
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		return Handle{}, fault.Wrap(fault.ErrTransient, "enhance", "submit", "enhancement service returned an invalid response", err)
	}
	return Handle{ID: out.ID, Async: async}, nil
}

type runpodStatus struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

func (r *RunPod) Status(ctx context.Context, h Handle) (Status, error) {
	u := fmt.Sprintf("%s/v2/%s/status/%s", r.base, url.PathEscape(r.wf.EndpointID), url.PathEscape(h.ID))
	resp, err := r.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, statusError(r.Name(), "status", resp)
	}
	var st runpodStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fault.Wrap(fault.ErrTransient, "enhance", "status", "enhancement service returned an invalid response", err)
	}
	return normalizeRunPod(st.Status, st.Output, st.Error), nil
}

// normalizeRunPod maps RunPod job states onto provider states. It also
// serves webhook payloads, which carry the same shape.
func normalizeRunPod(state string, output json.RawMessage, errMsg string) Status {
	switch strings.ToUpper(state) {
	case "IN_QUEUE":
		return Status{State: StateQueued}
	case "IN_PROGRESS":
		return Status{State: StateRunning}
	case "COMPLETED":
		return Status{State: StateCompleted, Output: runpodOutput(output)}
	case "FAILED", "CANCELLED", "TIMED_OUT":
		if errMsg == "" {
			errMsg = strings.ToLower(state)
		}
		return Status{State: StateFailed, Error: errMsg}
	default:
		return Status{State: StateRunning}
	}
}

// runpodOutput accepts a bare string, an object naming the result, or the
// worker's grouped callback shape.
func runpodOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ResultKey string `json:"resultKey"`
		OutputKey string `json:"outputKey"`
		URL       string `json:"url"`
		ImageURL  string `json:"image_url"`
		Groups    []struct {
			ResultKey string `json:"resultKey"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, v := range []string{obj.ResultKey, obj.OutputKey, obj.URL, obj.ImageURL} {
		if v != "" {
			return v
		}
	}
	if len(obj.Groups) > 0 {
		return obj.Groups[0].ResultKey
	}
	return ""
}

// do sends one request, refreshing the token once after a 401.
func (r *RunPod) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		tok, err := r.creds.Token(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.ErrTransient, "enhance", "auth", "enhancement credentials unavailable", err)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, requestError(ctx, "request", err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			r.creds.Invalidate()
			continue
		}
		return resp, nil
	}
}
