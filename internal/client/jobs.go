package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"stackline/internal/pipeline"
	"stackline/internal/transfer"
)

// RetryResult is the outcome of a retry-missing call.
type RetryResult struct {
	Requeued int               `json:"requeued"`
	Snapshot pipeline.Snapshot `json:"snapshot"`
}

// Download is a presigned package URL.
type Download struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Finalized is the server's answer to a group upload report.
type Finalized struct {
	GroupID string               `json:"groupId"`
	Ready   bool                 `json:"ready"`
	Status  pipeline.GroupStatus `json:"status"`
}

// Jobs lists the caller's jobs.
func (c *Client) Jobs(ctx context.Context) ([]pipeline.Job, error) {
	var out []pipeline.Job
	err := c.do(ctx, http.MethodGet, "/jobs", nil, &out)
	return out, err
}

// CreateJob opens a job for a workflow.
func (c *Client) CreateJob(ctx context.Context, name, workflowID string) (pipeline.Job, error) {
	var job pipeline.Job
	err := c.do(ctx, http.MethodPost, "/jobs/create", map[string]string{"name": name, "workflowId": workflowID}, &job)
	return job, err
}

// Status returns the current snapshot of a job.
func (c *Client) Status(ctx context.Context, jobID string) (pipeline.Snapshot, error) {
	var snap pipeline.Snapshot
	err := c.do(ctx, http.MethodGet, jobPath(jobID, "status"), nil, &snap)
	return snap, err
}

// RegisterGroups sends the client's grouping.
func (c *Client) RegisterGroups(ctx context.Context, jobID string, reg pipeline.Registration) (pipeline.Snapshot, error) {
	var snap pipeline.Snapshot
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "groups"), reg, &snap)
	return snap, err
}

// Regroup reruns grouping with a new threshold.
func (c *Client) Regroup(ctx context.Context, jobID string, thresholdSeconds float64) (pipeline.Snapshot, error) {
	var snap pipeline.Snapshot
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "regroup"), map[string]float64{"thresholdSeconds": thresholdSeconds}, &snap)
	return snap, err
}

// Merge folds a group into the one before it.
func (c *Client) Merge(ctx context.Context, jobID, groupID string) (pipeline.Snapshot, error) {
	var snap pipeline.Snapshot
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "groups/"+url.PathEscape(groupID)+"/merge"), nil, &snap)
	return snap, err
}

// Split breaks a group into single frames.
func (c *Client) Split(ctx context.Context, jobID, groupID string) (pipeline.Snapshot, error) {
	var snap pipeline.Snapshot
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "groups/"+url.PathEscape(groupID)+"/split"), nil, &snap)
	return snap, err
}

// SetRepresentative picks the preview frame of a group.
func (c *Client) SetRepresentative(ctx context.Context, jobID, groupID string, index int) (pipeline.Group, error) {
	var g pipeline.Group
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "groups/"+url.PathEscape(groupID)+"/representative"), map[string]int{"index": index}, &g)
	return g, err
}

// Start begins processing, excluding skip.
func (c *Client) Start(ctx context.Context, jobID string, skip []string) (pipeline.Snapshot, error) {
	var snap pipeline.Snapshot
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "start"), map[string][]string{"skipGroupIds": skip}, &snap)
	return snap, err
}

// RetryMissing requeues failed groups.
func (c *Client) RetryMissing(ctx context.Context, jobID string) (RetryResult, error) {
	var out RetryResult
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "retry-missing"), nil, &out)
	return out, err
}

// Cancel stops a job.
func (c *Client) Cancel(ctx context.Context, jobID string) (pipeline.Snapshot, error) {
	var snap pipeline.Snapshot
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "cancel"), nil, &snap)
	return snap, err
}

// PresignDownload returns a URL for the finished package.
func (c *Client) PresignDownload(ctx context.Context, jobID string) (Download, error) {
	var out Download
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "presign-download"), nil, &out)
	return out, err
}

// Finalize reports a group's stored frames and returns the server's verdict.
func (c *Client) Finalize(ctx context.Context, jobID string, report transfer.GroupUploadReport) (Finalized, error) {
	var out Finalized
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "file_uploaded"), report, &out)
	return out, err
}

// PresignRaw implements transfer.API.
func (c *Client) PresignRaw(ctx context.Context, jobID string, files []transfer.PresignFile) ([]transfer.PresignedUpload, error) {
	var out struct {
		Uploads []transfer.PresignedUpload `json:"uploads"`
	}
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "presign-raw"), map[string][]transfer.PresignFile{"files": files}, &out)
	return out.Uploads, err
}

// PresignRawMultipart implements transfer.API.
func (c *Client) PresignRawMultipart(ctx context.Context, jobID string, req transfer.MultipartRequest) (transfer.MultipartUpload, error) {
	var out transfer.MultipartUpload
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "presign-raw-multipart"), req, &out)
	return out, err
}

// CompleteRawMultipart implements transfer.API.
func (c *Client) CompleteRawMultipart(ctx context.Context, jobID string, req transfer.CompleteRequest) (transfer.CompleteResult, error) {
	var out transfer.CompleteResult
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "complete-raw-multipart"), req, &out)
	return out, err
}

// AbortRawMultipart implements transfer.API.
func (c *Client) AbortRawMultipart(ctx context.Context, jobID string, req transfer.AbortRequest) error {
	return c.do(ctx, http.MethodPost, jobPath(jobID, "abort-raw-multipart"), req, nil)
}

// FileUploaded implements transfer.API.
func (c *Client) FileUploaded(ctx context.Context, jobID string, report transfer.GroupUploadReport) error {
	_, err := c.Finalize(ctx, jobID, report)
	return err
}

// FrameFailed implements transfer.API.
func (c *Client) FrameFailed(ctx context.Context, jobID string, failure transfer.FrameFailure) error {
	return c.do(ctx, http.MethodPost, jobPath(jobID, "frame_failed"), failure, nil)
}
