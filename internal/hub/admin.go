package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/codefionn/codehub/internal/logger"
	"github.com/julienschmidt/httprouter"
)

// requireAdmin guards h with the admin token. Without a configured token the
// admin API is disabled.
func (s *Server) requireAdmin(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.opts.AdminToken == "" {
			http.Error(w, "Admin API disabled", http.StatusForbidden)
			return
		}
		cred, ok := bearerToken(r)
		if !ok || !tokenEqual(cred, s.opts.AdminToken) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r, ps)
	}
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"time":     time.Now().Format(time.RFC3339),
		"sessions": s.SessionCount(),
	})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	workers := s.locator.Worker().ListWorkers(r.Context())
	if workers == nil {
		workers = []Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleResetToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	token, err := s.locator.Worker().ResetRegistrationToken(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("Registration token reset via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	runs, err := s.locator.Job().ListJobRuns(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []JobRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := idParam(w, ps)
	if !ok {
		return
	}
	run, err := s.locator.Job().GetJobRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	repos, err := s.locator.Repository().ListRepositories(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if repos == nil {
		repos = []RepositoryConfig{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var repo RepositoryConfig
	if err := json.NewDecoder(r.Body).Decode(&repo); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.locator.Repository().CreateRepository(r.Context(), repo.Name, repo.GitURL)
	if err != nil {
		writeError(w, err)
		return
	}
	repo.ID = id
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleDeleteRepository(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := idParam(w, ps)
	if !ok {
		return
	}
	if err := s.locator.Repository().DeleteRepository(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIndexDocument(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var doc Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.locator.Code().Index(r.Context(), doc); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Error("Admin request failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func idParam(w http.ResponseWriter, ps httprouter.Params) (int64, bool) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "Invalid "+p.name, http.StatusBadRequest)
			return 0, 0, false
		}
		*p.dst = v
	}
	return limit, offset, true
}
