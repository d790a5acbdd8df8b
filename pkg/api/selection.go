package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelmeter/modelmeter/pkg/types"
)

type selectionQuota struct {
	SpendUSDMicros int64   `json:"spend_usd_micros"`
	QuotaUSDMicros int64   `json:"quota_usd_micros"`
	Pct            float64 `json:"pct"`
}

type clientGuidance struct {
	Mode                   string `json:"mode"`
	RecheckIntervalSeconds int64  `json:"recheck_interval_seconds"`
}

type selectionResponse struct {
	OrgID       string            `json:"org_id"`
	AppID       string            `json:"app_id"`
	Date        string            `json:"date"`
	ModelLabel  string            `json:"model_label"`
	ModelID     string            `json:"model_id,omitempty"`
	Description string            `json:"description,omitempty"`
	LadderIndex int               `json:"ladder_index"`
	Reason      string            `json:"reason"`
	Sticky      bool              `json:"sticky_fallback_active"`
	Quota       selectionQuota    `json:"quota"`
	Pricing     *types.PriceEntry `json:"pricing,omitempty"`
	Guidance    clientGuidance    `json:"client_guidance"`
}

func (s *Server) handleModelSelection(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	appID := chi.URLParam(r, "appID")

	// force_check is accepted for compatibility; recommendations are always
	// computed from live counters, so there is nothing extra to force.
	_ = r.URL.Query().Get("force_check")

	rec, err := s.engine.Select(r.Context(), orgID, appID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, selectionResponse{
		OrgID:       orgID,
		AppID:       appID,
		Date:        rec.Date,
		ModelLabel:  rec.ModelLabel,
		ModelID:     rec.ModelID,
		Description: rec.Description,
		LadderIndex: rec.LadderIndex,
		Reason:      rec.Reason,
		Sticky:      rec.Sticky,
		Quota: selectionQuota{
			SpendUSDMicros: rec.SpendUSDMicros,
			QuotaUSDMicros: rec.QuotaUSDMicros,
			Pct:            rec.QuotaPct,
		},
		Pricing: rec.Pricing,
		Guidance: clientGuidance{
			Mode:                   rec.Mode,
			RecheckIntervalSeconds: int64(rec.RecheckInterval.Seconds()),
		},
	})
}
