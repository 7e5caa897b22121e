package transfer

import (
	"context"
	"time"
)

// Upload protocols.
const (
	ProtocolSingle    = "single"
	ProtocolMultipart = "multipart"
)

// PresignFile asks for a single-PUT URL for one frame.
type PresignFile struct {
	FrameID     string `json:"frameId"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
}

// PresignedUpload is a URL the client PUTs the whole file to.
type PresignedUpload struct {
	FrameID   string    `json:"frameId"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MultipartRequest starts a multipart upload for one frame.
type MultipartRequest struct {
	FrameID     string `json:"frameId"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	PartSize    int64  `json:"partSize,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// PresignedPart is the URL for one part.
type PresignedPart struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
	Size       int64  `json:"size"`
}

// MultipartUpload describes an open multipart session.
type MultipartUpload struct {
	FrameID   string          `json:"frameId"`
	Key       string          `json:"key"`
	UploadID  string          `json:"uploadId"`
	PartSize  int64           `json:"partSize"`
	Parts     []PresignedPart `json:"parts"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// CompletedPart pairs a part number with the ETag its PUT returned.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// CompleteRequest finishes a multipart upload.
type CompleteRequest struct {
	FrameID  string          `json:"frameId"`
	Key      string          `json:"key"`
	UploadID string          `json:"uploadId"`
	Parts    []CompletedPart `json:"parts"`
}

// CompleteResult is the assembled object.
type CompleteResult struct {
	FrameID string `json:"frameId"`
	Key     string `json:"key"`
	ETag    string `json:"etag"`
	Size    int64  `json:"size"`
}

// AbortRequest discards a multipart upload.
type AbortRequest struct {
	FrameID  string `json:"frameId"`
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

// UploadedFrame reports where one frame landed.
type UploadedFrame struct {
	FrameID string `json:"frameId"`
	Key     string `json:"key"`
}

// GroupUploadReport is sent once all frames of a group are stored.
type GroupUploadReport struct {
	GroupID string          `json:"groupId"`
	Frames  []UploadedFrame `json:"frames"`
}

// FrameFailure reports a frame that exhausted its retries.
type FrameFailure struct {
	FrameID string `json:"frameId"`
	Error   string `json:"error"`
}

// API is the subset of the pipeline service the engine talks to.
type API interface {
	PresignRaw(ctx context.Context, jobID string, files []PresignFile) ([]PresignedUpload, error)
	PresignRawMultipart(ctx context.Context, jobID string, req MultipartRequest) (MultipartUpload, error)
	CompleteRawMultipart(ctx context.Context, jobID string, req CompleteRequest) (CompleteResult, error)
	AbortRawMultipart(ctx context.Context, jobID string, req AbortRequest) error
	FileUploaded(ctx context.Context, jobID string, report GroupUploadReport) error
	FrameFailed(ctx context.Context, jobID string, failure FrameFailure) error
}

// Plan lists the frames of one job to transfer, group by group.
type Plan struct {
	JobID  string
	Groups []GroupPlan
}

// GroupPlan is one group's frames.
type GroupPlan struct {
	GroupID string
	Frames  []FramePlan
}

// FramePlan is one local file. Uploaded frames already have a stored copy
// and only count towards their group's completion.
type FramePlan struct {
	FrameID  string
	Path     string
	Filename string
	Size     int64
	Uploaded bool
	Key      string
}

// Progress is emitted as bytes move.
type Progress struct {
	FrameID  string
	GroupID  string
	Protocol string
	Sent     int64
	Total    int64
	Done     bool
	Err      error
}
