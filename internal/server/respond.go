package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"stackline/internal/fault"
)

const maxBody = 8 << 20

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retriable bool   `json:"retriable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), errorBody{
		Error:     fault.UserMessage(err),
		Kind:      fault.Kind(err),
		Retriable: fault.Retriable(err),
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="stackline"`)
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: errUnauthorized.Error(), Kind: "unauthorized"})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, fault.Wrap(fault.ErrValidation, "api", "decode", "request body is not valid JSON", err))
	return false
}
