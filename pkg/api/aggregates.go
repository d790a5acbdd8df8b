package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleOrgAggregatesToday(w http.ResponseWriter, r *http.Request) {
	view, err := s.projector.Today(r.Context(), chi.URLParam(r, "orgID"), "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAppAggregatesToday(w http.ResponseWriter, r *http.Request) {
	view, err := s.projector.Today(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "appID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOrgAggregatesHistorical(w http.ResponseWriter, r *http.Request) {
	view, err := s.projector.Historical(r.Context(),
		chi.URLParam(r, "orgID"), "", chi.URLParam(r, "date"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAppAggregatesHistorical(w http.ResponseWriter, r *http.Request) {
	view, err := s.projector.Historical(r.Context(),
		chi.URLParam(r, "orgID"), chi.URLParam(r, "appID"), chi.URLParam(r, "date"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}
