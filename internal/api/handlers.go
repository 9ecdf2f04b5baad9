package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"taskq/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultListLimit = domain.DefaultListLimit
	maxListLimit     = 100

	// defaultListWindow bounds GET /tasks when no since is given.
	defaultListWindow = 24 * time.Hour
)

var validate = validator.New()

type createReq struct {
	Type     string         `json:"type" validate:"required,max=64"`
	Params   map[string]any `json:"params"`
	Priority int            `json:"priority" validate:"gte=-1000,lte=1000"`
}

type errorResp struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	state := "external"
	if s.sched != nil {
		state = "stopped"
		if s.sched.Running() {
			state = "running"
		}
	}
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "scheduler": state})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}

	t, err := s.tasks.CreateTask(r.Context(), req.Type, req.Params, req.Priority)
	if errors.Is(err, domain.ErrInvalidState) {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status *domain.TaskStatus
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseStatus(v)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		status = &st
	}

	since := time.Now().UTC().Add(-defaultListWindow)
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = ts
	}

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			respondError(w, r, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
			return
		}
		limit = n
	}

	tasks, err := s.tasks.ListTasks(r.Context(), status, &since, limit)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, tasks)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.CancelTask(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Task %s cancelled", id),
		"task":    t,
	})
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.RetryTask(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusCreated, t)
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid task id")
		return "", false
	}
	return id, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", fe.Field())
	case "max":
		return fmt.Sprintf("field '%s' must be at most %s characters", fe.Field(), fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("field '%s' must be between -1000 and 1000", fe.Field())
	}
	return fmt.Sprintf("field '%s' is invalid", fe.Field())
}

func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		respondError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConflict):
		respondError(w, r, http.StatusConflict, err.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, r, status, errorResp{Error: msg})
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to encode response")
	}
}
