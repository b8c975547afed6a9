package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"reliefdispatch/internal/store"
)

// Problem represents an RFC7807 problem details response body. Message mirrors Detail for
// clients that only read the message field.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Message  string `json:"message"`
}

type messageBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageBody{Message: msg})
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	msg := detail
	if msg == "" {
		msg = title
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
		Message:  msg,
	})
}

// writeError maps service errors to responses: validation 400, missing 404, backend outage 503,
// anything else 500 without internals.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		writeProblem(w, http.StatusBadRequest, "Invalid input", ve.Message, r.URL.Path)
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	case errors.Is(err, store.ErrUnavailable):
		slog.WarnContext(r.Context(), "backend unavailable", "path", r.URL.Path, "err", err)
		writeProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "Storage backend unavailable, try again later", r.URL.Path)
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "Internal server error", r.URL.Path)
	}
}
