package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/homeboard/homeboard/internal/docstore"
)

// WriteRequest is the body of PUT /docs/{collection}/{id}.
type WriteRequest struct {
	Data      docstore.Data `json:"data"`
	Merge     bool          `json:"merge,omitempty"`
	WriteID   string        `json:"write_id,omitempty"`
	IfVersion *int64        `json:"if_version,omitempty"`
}

// Options converts the request into store write options.
func (r WriteRequest) Options() []docstore.WriteOption {
	var opts []docstore.WriteOption
	if r.Merge {
		opts = append(opts, docstore.Merge())
	}
	if r.WriteID != "" {
		opts = append(opts, docstore.WithWriteID(r.WriteID))
	}
	if r.IfVersion != nil {
		opts = append(opts, docstore.IfVersion(*r.IfVersion))
	}
	return opts
}

// NewWriteRequest builds the request body for a store write.
func NewWriteRequest(data docstore.Data, o docstore.WriteOptions) WriteRequest {
	req := WriteRequest{Data: data, Merge: o.Merge, WriteID: o.WriteID}
	if o.CheckVersion {
		v := o.IfVersion
		req.IfVersion = &v
	}
	return req
}

// ListResponse is the body of GET /docs/{collection}.
type ListResponse struct {
	Refs []docstore.Ref `json:"refs"`
}

// Error codes carried by ErrorResponse.
const (
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeInvalidRef = "invalid_ref"
	CodeBadRequest = "bad_request"
	CodeClosed     = "closed"
	CodeInternal   = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Classify maps an error to its HTTP status and code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, docstore.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, docstore.ErrInvalidRef):
		return http.StatusBadRequest, CodeInvalidRef
	case errors.Is(err, docstore.ErrClosed):
		return http.StatusServiceUnavailable, CodeClosed
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// Err turns a decoded error response back into an error that matches the
// docstore sentinel errors with errors.Is.
func (e ErrorResponse) Err() error {
	var base error
	switch e.Code {
	case CodeNotFound:
		base = docstore.ErrNotFound
	case CodeConflict:
		base = docstore.ErrConflict
	case CodeInvalidRef:
		base = docstore.ErrInvalidRef
	case CodeClosed:
		base = docstore.ErrClosed
	default:
		return fmt.Errorf("server error (%s): %s", e.Code, e.Error)
	}
	return fmt.Errorf("%w: %s", base, e.Error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
