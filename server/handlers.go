package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pacmano1/the-cache/cachedef"
	"github.com/pacmano1/the-cache/engine"
	"github.com/pacmano1/the-cache/repository"
)

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.repo.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if defs == nil {
		defs = []cachedef.Definition{}
	}
	s.writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.repo.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	var def cachedef.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if err := def.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.repo.GetByName(r.Context(), def.Name); err == nil {
		s.writeStatus(w, http.StatusConflict,
			"a cache definition with name '"+def.Name+"' already exists")
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.writeError(w, err)
		return
	}

	created, err := s.repo.Create(r.Context(), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if created.Enabled {
		if err := s.eng.Register(created); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.repo.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	var def cachedef.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	def.ID = id
	if err := def.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if byName, err := s.repo.GetByName(r.Context(), def.Name); err == nil && byName.ID != id {
		s.writeStatus(w, http.StatusConflict,
			"a cache definition with name '"+def.Name+"' already exists")
		return
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.writeError(w, err)
		return
	}

	updated, err := s.repo.Update(r.Context(), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.eng.Unregister(id)
	if updated.Enabled {
		if err := s.eng.Register(updated); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.eng.Unregister(id)
	if err := s.repo.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	failures, err := s.eng.Refresh(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"failureCount": failures})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	def, err := s.repo.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": s.eng.TestConnection(r.Context(), def),
	})
}

func (s *Server) handleTestConnectionInline(w http.ResponseWriter, r *http.Request) {
	var def cachedef.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": s.eng.TestConnection(r.Context(), def),
	})
}

func (s *Server) handleTestQueryInline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Definition cachedef.Definition `json:"definition"`
		SampleKey  string              `json:"sampleKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": s.eng.TestQuery(r.Context(), body.Definition, body.SampleKey),
	})
}

func (s *Server) handleAllStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.eng.AllStatistics())
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.Statistics(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	q, err := snapshotQuery(r)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.eng.Snapshot(mux.Vars(r)["id"], q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// snapshotQuery parses the snapshot query parameters, applying the
// documented defaults.
func snapshotQuery(r *http.Request) (engine.SnapshotQuery, error) {
	q := engine.DefaultSnapshotQuery()
	params := r.URL.Query()
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return q, errors.New("limit must be an integer")
		}
		q.Limit = limit
	}
	if v := params.Get("sortBy"); v != "" {
		q.SortBy = v
	}
	if v := params.Get("sortDir"); v != "" {
		q.SortDir = v
	}
	q.Filter = params.Get("filter")
	if v := params.Get("filterScope"); v != "" {
		q.FilterScope = v
	}
	if v := params.Get("filterRegex"); v != "" {
		regex, err := strconv.ParseBool(v)
		if err != nil {
			return q, errors.New("filterRegex must be a boolean")
		}
		q.FilterRegex = regex
	}
	return q, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response: %v", err)
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps the error taxonomy onto HTTP statuses: validation → 400,
// unknown cache or missing definition → 404, duplicate name → 409,
// everything else → 500 with the original message preserved.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *cachedef.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeStatus(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, engine.ErrUnknownCache):
		s.writeStatus(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrDuplicateName), errors.Is(err, engine.ErrDuplicateName):
		s.writeStatus(w, http.StatusConflict, err.Error())
	default:
		s.writeStatus(w, http.StatusInternalServerError, err.Error())
	}
}
