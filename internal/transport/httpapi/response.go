package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"cronrelay/internal/jobs"
)

type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Hint       string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{StatusCode: status, Message: msg})
}

// statusOf maps job error kinds to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, jobs.ErrInvalidArgument), errors.Is(err, jobs.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrActionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJobError renders err. Internal errors never expose their message.
func (s *Server) writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{StatusCode: status, Message: err.Error()}
	if status == http.StatusInternalServerError {
		s.log.Error("request error", logErr(r, err)...)
		body.Message = "Internal server error"
	} else if hints := errors.GetAllHints(err); len(hints) > 0 {
		body.Hint = strings.Join(hints, "; ")
	}
	writeJSON(w, status, body)
}
