package blob

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"stackline/internal/fault"
	"stackline/internal/logging"
	"stackline/internal/metrics"
)

// Handler serves presigned PUT and GET requests under /blob/{key}.
type Handler struct {
	store  *Store
	signer *Signer
	log    *slog.Logger
}

// NewHandler wires a store and signer into an http.Handler.
func NewHandler(store *Store, signer *Signer, logger *slog.Logger) *Handler {
	return &Handler{store: store, signer: signer, log: logging.Or(logger)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/blob/")
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodPut:
		h.put(w, r, key, token)
	case http.MethodGet, http.MethodHead:
		h.get(w, r, key, token)
	default:
		w.Header().Set("Allow", "GET, HEAD, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request, key, token string) {
	claims, err := h.signer.Verify(token, OpPut, key)
	if err != nil {
		claims, err = h.signer.Verify(token, OpPart, key)
	}
	if err != nil {
		http.Error(w, fault.UserMessage(err), http.StatusForbidden)
		return
	}
	body := r.Body
	if claims.MaxSize > 0 {
		body = http.MaxBytesReader(w, r.Body, claims.MaxSize)
	}

	var etag string
	if claims.Op == OpPart {
		etag, err = h.store.PutPart(r.Context(), claims.UploadID, claims.Part, body)
	} else {
		var obj Object
		obj, err = h.store.Put(r.Context(), claims.Key, body)
		etag = obj.ETag
		if err == nil {
			metrics.AddTransferBytes("single", obj.Size)
		}
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body exceeds signed size", http.StatusRequestEntityTooLarge)
			return
		}
		h.log.Warn("blob write failed", "key", claims.Key, "op", claims.Op, "error", err)
		http.Error(w, fault.UserMessage(err), fault.HTTPStatus(err))
		return
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, key, token string) {
	claims, err := h.signer.Verify(token, OpGet, key)
	if err != nil {
		http.Error(w, fault.UserMessage(err), http.StatusForbidden)
		return
	}
	f, obj, err := h.store.Open(r.Context(), claims.Key)
	if err != nil {
		http.Error(w, fault.UserMessage(err), fault.HTTPStatus(err))
		return
	}
	defer f.Close()
	http.ServeContent(w, r, obj.Key, obj.ModTime, f)
}
