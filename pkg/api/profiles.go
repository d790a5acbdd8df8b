package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

type registerProfileRequest struct {
	ProfileLabel        string `json:"profile_label"`
	InferenceProfileARN string `json:"inference_profile_arn"`
	Description         string `json:"description,omitempty"`
}

type profileView struct {
	*types.InferenceProfile
	SupportedRegions []string `json:"supported_regions"`
}

func newProfileView(p *types.InferenceProfile) profileView {
	regions := lo.Keys(p.RegionModels)
	sort.Strings(regions)
	return profileView{InferenceProfile: p, SupportedRegions: regions}
}

func (s *Server) handleRegisterProfile(w http.ResponseWriter, r *http.Request) {
	var req registerProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ProfileLabel == "" {
		s.writeError(w, r, apierr.InvalidRequest("profile_label is required", nil))
		return
	}

	profile, err := s.registrar.Register(r.Context(),
		chi.URLParam(r, "orgID"), chi.URLParam(r, "appID"),
		req.ProfileLabel, req.InferenceProfileARN, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newProfileView(profile))
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListProfiles(r.Context(),
		chi.URLParam(r, "orgID"), chi.URLParam(r, "appID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, newProfileView(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"profiles": views,
		"count":    len(views),
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	profile, err := s.store.GetProfile(r.Context(),
		chi.URLParam(r, "orgID"), chi.URLParam(r, "appID"), label)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, r, apierr.NotFound("inference profile not found",
			map[string]any{"profile_label": label}))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newProfileView(profile))
}
