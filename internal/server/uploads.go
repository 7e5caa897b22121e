package server

import (
	"fmt"
	"net/http"
	"strings"

	"stackline/internal/blob"
	"stackline/internal/fault"
	"stackline/internal/fsutil"
	"stackline/internal/metrics"
	"stackline/internal/pipeline"
	"stackline/internal/transfer"
)

const minPartSize = 5 << 20

type presignRequest struct {
	Files []transfer.PresignFile `json:"files"`
}

type presignResponse struct {
	Uploads []transfer.PresignedUpload `json:"uploads"`
}

type finalizeResponse struct {
	GroupID string               `json:"groupId"`
	Ready   bool                 `json:"ready"`
	Status  pipeline.GroupStatus `json:"status"`
}

// begin assigns keys to frames and checks the sizes the client announced.
func (s *Server) begin(r *http.Request, jobID string, sizes map[string]int64, order []string) ([]pipeline.Upload, error) {
	snap, err := s.machine.Snapshot(jobID)
	if err != nil {
		return nil, err
	}
	for _, g := range snap.Groups {
		for _, f := range g.Frames {
			if want, ok := sizes[f.ID]; ok && want > 0 && want != f.Size {
				return nil, fault.New(fault.ErrValidation, "transfer", fmt.Sprintf("%s: size %d does not match registered %d", f.Filename, want, f.Size))
			}
		}
	}
	return s.machine.BeginUpload(r.Context(), jobID, order)
}

// ownKey rejects keys outside the caller's namespace.
func ownKey(r *http.Request, key string) error {
	clean, err := blob.SanitizeKey(key)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(clean, "user/"+fsutil.Folder(ownerFrom(r.Context()))+"/") {
		return fault.New(fault.ErrValidation, "transfer", "key is outside the caller's storage")
	}
	return nil
}

func (s *Server) handlePresignRaw(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	var req presignRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		writeError(w, fault.New(fault.ErrValidation, "transfer", "no files to presign"))
		return
	}
	sizes := make(map[string]int64, len(req.Files))
	ids := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		sizes[f.FrameID] = f.Size
		ids = append(ids, f.FrameID)
	}
	uploads, err := s.begin(r, jobID, sizes, ids)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := presignResponse{Uploads: make([]transfer.PresignedUpload, 0, len(uploads))}
	for _, u := range uploads {
		url, exp, err := s.signer.PutURL(u.Key, u.Size)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Uploads = append(resp.Uploads, transfer.PresignedUpload{FrameID: u.FrameID, Key: u.Key, URL: url, ExpiresAt: exp})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePresignMultipart(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	var req transfer.MultipartRequest
	if !decode(w, r, &req) {
		return
	}
	uploads, err := s.begin(r, jobID, map[string]int64{req.FrameID: req.Size}, []string{req.FrameID})
	if err != nil {
		writeError(w, err)
		return
	}
	u := uploads[0]
	partSize := req.PartSize
	if partSize <= 0 {
		partSize = s.transfer.PartSize()
	}
	if partSize < minPartSize {
		partSize = minPartSize
	}

	uploadID, err := s.blobs.CreateMultipart(r.Context(), u.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	out := transfer.MultipartUpload{FrameID: u.FrameID, Key: u.Key, UploadID: uploadID, PartSize: partSize}
	for n, off := 1, int64(0); off < u.Size || n == 1; n, off = n+1, off+partSize {
		size := min(partSize, u.Size-off)
		url, exp, err := s.signer.PartURL(u.Key, uploadID, n, size)
		if err != nil {
			writeError(w, err)
			return
		}
		out.Parts = append(out.Parts, transfer.PresignedPart{PartNumber: n, URL: url, Size: size})
		out.ExpiresAt = exp
	}
	s.log.Debug("multipart upload opened", "job", jobID, "frame", u.FrameID, "parts", len(out.Parts), "upload_id", uploadID)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCompleteMultipart(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	var req transfer.CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.checkUpload(r, req.Key, req.UploadID); err != nil {
		writeError(w, err)
		return
	}
	parts := make([]blob.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, blob.Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	obj, err := s.blobs.CompleteMultipart(r.Context(), req.UploadID, parts)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.AddTransferBytes(transfer.ProtocolMultipart, obj.Size)
	s.log.Debug("multipart upload completed", "job", jobID, "frame", req.FrameID, "key", obj.Key, "size", obj.Size)
	writeJSON(w, http.StatusOK, transfer.CompleteResult{FrameID: req.FrameID, Key: obj.Key, ETag: obj.ETag, Size: obj.Size})
}

func (s *Server) handleAbortMultipart(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	var req transfer.AbortRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.checkUpload(r, req.Key, req.UploadID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.blobs.AbortMultipart(r.Context(), req.UploadID); err != nil {
		writeError(w, err)
		return
	}
	s.log.Debug("multipart upload aborted", "job", jobID, "frame", req.FrameID, "upload_id", req.UploadID)
	w.WriteHeader(http.StatusNoContent)
}

// checkUpload verifies that uploadID belongs to key and key to the caller.
func (s *Server) checkUpload(r *http.Request, key, uploadID string) error {
	if err := ownKey(r, key); err != nil {
		return err
	}
	stored, err := s.blobs.MultipartKey(uploadID)
	if err != nil {
		return err
	}
	clean, _ := blob.SanitizeKey(key)
	if stored != clean {
		return fault.New(fault.ErrValidation, "transfer", "upload id does not match key")
	}
	return nil
}

func (s *Server) handleFileUploaded(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	var req transfer.GroupUploadReport
	if !decode(w, r, &req) {
		return
	}
	frames := make([]pipeline.UploadedFrame, 0, len(req.Frames))
	for _, f := range req.Frames {
		if err := ownKey(r, f.Key); err != nil {
			writeError(w, err)
			return
		}
		obj, err := s.blobs.Stat(r.Context(), f.Key)
		if err != nil {
			writeError(w, fault.Wrap(fault.ErrValidation, "transfer", "finalize", fmt.Sprintf("frame %s is not stored", f.FrameID), err))
			return
		}
		frames = append(frames, pipeline.UploadedFrame{FrameID: f.FrameID, Key: obj.Key})
	}
	status, ready, err := s.machine.FinalizeGroup(r.Context(), jobID, req.GroupID, frames)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{GroupID: req.GroupID, Ready: ready, Status: status})
}

func (s *Server) handleFrameFailed(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	var req transfer.FrameFailure
	if !decode(w, r, &req) {
		return
	}
	snap, err := s.machine.MarkFrameFailed(r.Context(), jobID, req.FrameID, req.Error)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
