package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	logx "cronrelay/pkg/logx"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

func logErr(r *http.Request, err error) []logx.Field {
	return []logx.Field{
		logx.String("method", r.Method),
		logx.String("path", r.URL.Path),
		logx.Err(err),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("Cannot %s %s", r.Method, r.URL.Path))
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("Cannot %s %s", r.Method, r.URL.Path))
}

// queryName reads the required ?name= parameter.
func queryName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "name should not be empty")
		return "", false
	}
	return name, true
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name, ok := queryName(w, r)
	if !ok {
		return
	}
	if err := s.jobs.TriggerJob(r.Context(), name); err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, fmt.Sprintf("Job %q triggered manually", name))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.jobs.ListJobs(r.Context())
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	if v, _ := strconv.ParseBool(r.URL.Query().Get("verbose")); v {
		writeJSON(w, http.StatusOK, items)
		return
	}
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeJobRequest(w, r)
	if !ok {
		return
	}
	if _, err := s.jobs.ScheduleJob(r.Context(), req.name, req.cronExpression, req.body); err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeText(w, http.StatusCreated, fmt.Sprintf("Job %q added with cron expression %q", req.name, req.cronExpression))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeJobRequest(w, r)
	if !ok {
		return
	}
	if _, err := s.jobs.UpdateJob(r.Context(), req.name, req.cronExpression, req.body); err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, fmt.Sprintf("Job %q updated with new cron expression %q", req.name, req.cronExpression))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name, ok := queryName(w, r)
	if !ok {
		return
	}
	if err := s.jobs.DeleteJob(r.Context(), name); err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, fmt.Sprintf("Job %q deleted", name))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name, ok := queryName(w, r)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := s.jobs.History(r.Context(), name, limit)
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type jobRequest struct {
	name           string
	cronExpression string
	body           json.RawMessage
}

// decodeJobRequest validates {name, cronExpression, body}. Field type errors
// are collected so the client sees all of them at once.
func (s *Server) decodeJobRequest(w http.ResponseWriter, r *http.Request) (jobRequest, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return jobRequest{}, false
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return jobRequest{}, false
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return jobRequest{}, false
	}

	doc := gjson.ParseBytes(raw)
	var problems []string
	str := func(field string) string {
		v := doc.Get(field)
		switch {
		case !v.Exists() || v.Type == gjson.Null:
			problems = append(problems, field+" should not be empty")
		case v.Type != gjson.String:
			problems = append(problems, field+" must be a string")
		case strings.TrimSpace(v.Str) == "":
			problems = append(problems, field+" should not be empty")
		default:
			return v.Str
		}
		return ""
	}
	req := jobRequest{name: str("name"), cronExpression: str("cronExpression")}

	b := doc.Get("body")
	switch {
	case !b.Exists() || b.Type == gjson.Null:
		problems = append(problems, "body should not be empty")
	case !b.IsObject():
		problems = append(problems, "body must be an object")
	default:
		req.body = json.RawMessage(b.Raw)
	}

	if len(problems) > 0 {
		writeError(w, http.StatusBadRequest, strings.Join(problems, "; "))
		return jobRequest{}, false
	}
	return req, true
}
