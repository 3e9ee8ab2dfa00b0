package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/gefbiotag/biotag/internal/engine"
	"github.com/gefbiotag/biotag/internal/schema"
)

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

// fresh reloads the record set before h runs when another process has
// written to the store. A failed check still serves what is in memory.
func (s *Server) fresh(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.eng.Refresh(r.Context()); err != nil {
			s.logger.Warn("failed to check store for other writers", zap.Error(err))
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"clients":         s.ClientCount(),
		"reachable":       s.eng.Reachable(),
		"pending":         s.eng.PendingCount(),
		"pending_deletes": s.eng.PendingDeletes(),
	})
}

// filterFromQuery reads ?shelter=&family=&status=&pending=&q=.
func filterFromQuery(r *http.Request) (schema.Filter, error) {
	q := r.URL.Query()
	f := schema.Filter{
		ShelterID:   q.Get("shelter"),
		FamilyGroup: q.Get("family"),
		Query:       q.Get("q"),
	}

	if v := q.Get("status"); v != "" {
		status, ok := schema.ParseHeartRateStatus(v)
		if !ok {
			return f, errors.New("status must be one of normal, warning, critical, unknown")
		}
		f.Status = status
	}
	if v := q.Get("pending"); v != "" {
		pending, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("pending must be a boolean")
		}
		f.PendingOnly = pending
	}
	return f, nil
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	records := s.eng.Find(f)
	if records == nil {
		records = []schema.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.eng.GetByID(r.PathValue("id"))
	if errors.Is(err, engine.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleShelters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.eng.Occupancy())
}

// handleSync runs a synchronization pass on behalf of the coordinator.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	summary, err := s.eng.Synchronize(r.Context())
	switch {
	case errors.Is(err, engine.ErrOffline):
		s.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, engine.ErrSyncInProgress):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.logger.Warn("forced sync failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, summary)
	}
}
