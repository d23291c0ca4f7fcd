// Package httpx carries the JSON conventions shared by planlane HTTP
// surfaces: one request ID per request, echoed in the X-Request-Id
// header and in every response envelope, so an operator can match an
// API response to the log lines and attempt records it produced.
package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Bodies on this API are control messages. Plans reach the pipeline
// through the store, never through HTTP, so the limit stays tight.
const maxBodyBytes = 1 << 20

type ctxKey struct{}

func NewRequestID() string { return "req_" + uuid.NewString() }

// RequestIDs assigns each request an ID, honoring a well-formed inbound
// X-Request-Id so callers can stitch their own traces to ours.
func RequestIDs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" || len(id) > 128 {
			id = NewRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// RequestID returns the ID assigned by RequestIDs, minting one when the
// middleware is not in the chain so handlers stay usable on their own.
func RequestID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKey{}).(string); ok {
		return id
	}
	return NewRequestID()
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	RequestID string    `json:"request_id"`
	Error     ErrorBody `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	WriteJSON(w, status, ErrorEnvelope{
		RequestID: RequestID(r),
		Error:     ErrorBody{Code: code, Message: message, Details: details},
	})
}
