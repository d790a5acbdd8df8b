package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelmeter/modelmeter/pkg/credentials"
	"github.com/modelmeter/modelmeter/pkg/provisioning"
	"github.com/modelmeter/modelmeter/pkg/types"
)

// orgSummary mirrors the stored org config without its credential hashes.
type orgSummary struct {
	OrgID             string           `json:"org_id"`
	OrgName           string           `json:"org_name"`
	Timezone          string           `json:"timezone"`
	QuotaScope        types.QuotaScope `json:"quota_scope"`
	ModelOrdering     []string         `json:"model_ordering"`
	Quotas            map[string]int64 `json:"quotas"`
	ShardCount        int              `json:"agg_shard_count,omitempty"`
	TightThresholdPct float64          `json:"tight_mode_threshold_pct,omitempty"`
	CreatedAtEpoch    int64            `json:"created_at_epoch"`
	UpdatedAtEpoch    int64            `json:"updated_at_epoch"`
}

type appSummary struct {
	OrgID          string           `json:"org_id"`
	AppID          string           `json:"app_id"`
	AppName        string           `json:"app_name"`
	ModelOrdering  []string         `json:"model_ordering,omitempty"`
	Quotas         map[string]int64 `json:"quotas,omitempty"`
	CreatedAtEpoch int64            `json:"created_at_epoch"`
	UpdatedAtEpoch int64            `json:"updated_at_epoch"`
}

type upsertResponse struct {
	Created bool   `json:"created"`
	Org     any    `json:"org,omitempty"`
	App     any    `json:"app,omitempty"`
	// Credentials are present only on create and shown exactly once.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

func (s *Server) handleUpsertOrg(w http.ResponseWriter, r *http.Request) {
	var req provisioning.OrgRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.provisioner.UpsertOrg(r.Context(), chi.URLParam(r, "orgID"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := upsertResponse{
		Created: result.Created,
		Org: orgSummary{
			OrgID:             result.Config.OrgID,
			OrgName:           result.Config.OrgName,
			Timezone:          result.Config.Timezone,
			QuotaScope:        result.Config.QuotaScope,
			ModelOrdering:     result.Config.ModelOrdering,
			Quotas:            result.Config.Quotas,
			ShardCount:        result.Config.ShardCount,
			TightThresholdPct: result.Config.TightThresholdPct,
			CreatedAtEpoch:    result.Config.CreatedAtEpoch,
			UpdatedAtEpoch:    result.Config.UpdatedAtEpoch,
		},
	}
	if result.Created {
		resp.ClientID = result.ClientID
		resp.ClientSecret = result.ClientSecret
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpsertApp(w http.ResponseWriter, r *http.Request) {
	var req provisioning.AppRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.provisioner.UpsertApp(r.Context(),
		chi.URLParam(r, "orgID"), chi.URLParam(r, "appID"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := upsertResponse{
		Created: result.Created,
		App: appSummary{
			OrgID:          result.Config.OrgID,
			AppID:          result.Config.AppID,
			AppName:        result.Config.AppName,
			ModelOrdering:  result.Config.ModelOrdering,
			Quotas:         result.Config.Quotas,
			CreatedAtEpoch: result.Config.CreatedAtEpoch,
			UpdatedAtEpoch: result.Config.UpdatedAtEpoch,
		},
	}
	if result.Created {
		resp.ClientID = result.ClientID
		resp.ClientSecret = result.ClientSecret
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type rotateRequest struct {
	GracePeriodHours int `json:"grace_period_hours"`
	// OneTimeRetrieval withholds the secret from the rotation response and
	// returns a single-use retrieval token instead.
	OneTimeRetrieval bool `json:"one_time_retrieval,omitempty"`
}

type rotateResponse struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret,omitempty"`
	SecretRetrievalToken    string `json:"secret_retrieval_token,omitempty"`
	RetrievalExpiresAtEpoch int64  `json:"retrieval_expires_at_epoch,omitempty"`
	RotatedAtEpoch          int64  `json:"rotated_at_epoch"`
	GracePeriodHours        int    `json:"grace_period_hours"`
	GraceExpiresAtEpoch     int64  `json:"grace_expires_at_epoch,omitempty"`
}

func (s *Server) handleRotateOrg(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rotation, err := s.creds.RotateOrg(r.Context(), chi.URLParam(r, "orgID"), req.GracePeriodHours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRotation(w, r, rotation, req.OneTimeRetrieval)
}

func (s *Server) handleRotateApp(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rotation, err := s.creds.RotateApp(r.Context(),
		chi.URLParam(r, "orgID"), chi.URLParam(r, "appID"), req.GracePeriodHours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRotation(w, r, rotation, req.OneTimeRetrieval)
}

func (s *Server) writeRotation(w http.ResponseWriter, r *http.Request, rotation *credentials.Rotation, oneTimeRetrieval bool) {
	resp := rotateResponse{
		ClientID:            rotation.ClientID,
		RotatedAtEpoch:      rotation.RotatedAtEpoch,
		GracePeriodHours:    rotation.GraceHours,
		GraceExpiresAtEpoch: rotation.GraceExpiresAtEpoch,
	}
	if oneTimeRetrieval {
		grant, err := s.creds.GrantSecretRetrieval(r.Context(), rotation.ClientID, rotation.Secret)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.SecretRetrievalToken = grant.GrantID
		resp.RetrievalExpiresAtEpoch = grant.ExpiresAtEpoch
	} else {
		resp.ClientSecret = rotation.Secret
	}
	s.writeJSON(w, http.StatusOK, resp)
}
