package aggregates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"k8s.io/utils/clock"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/calendar"
	"github.com/modelmeter/modelmeter/pkg/config"
	"github.com/modelmeter/modelmeter/pkg/metering"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

// Per-label quota status in a view.
const (
	StatusNormal   = "NORMAL"
	StatusExceeded = "EXCEEDED"
)

// LabelView is the projected spend picture for one ladder label.
type LabelView struct {
	ModelLabel                 string  `json:"model_label"`
	ModelID                    string  `json:"model_id,omitempty"`
	CostUSDMicros              int64   `json:"cost_usd_micros"`
	QuotaUSDMicros             int64   `json:"quota_usd_micros"`
	QuotaPct                   float64 `json:"quota_pct"`
	Status                     string  `json:"status"`
	InputTokens                int64   `json:"input_tokens"`
	OutputTokens               int64   `json:"output_tokens"`
	Requests                   int64   `json:"requests"`
	AvgCostPerRequestUSDMicros int64   `json:"avg_cost_per_request_usd_micros"`
}

// View is the composed read model for one (scope, date).
type View struct {
	OrgID       string           `json:"org_id"`
	AppID       string           `json:"app_id,omitempty"`
	Date        string           `json:"date"`
	QuotaScope  types.QuotaScope `json:"quota_scope"`
	Labels      []LabelView      `json:"models"`
	Totals      types.Usage      `json:"totals"`
	StickyModel string           `json:"sticky_model_label,omitempty"`
	Sticky      bool             `json:"sticky_fallback_active"`
}

// Projector composes daily aggregate views from counters and sticky state.
type Projector struct {
	store     storage.Store
	meter     *metering.Meter
	pricebook *config.Pricebook
	clk       clock.Clock
}

func NewProjector(store storage.Store, meter *metering.Meter, pricebook *config.Pricebook, clk clock.Clock) *Projector {
	return &Projector{store: store, meter: meter, pricebook: pricebook, clk: clk}
}

// Today projects the live view for the current day in the org's timezone.
func (p *Projector) Today(ctx context.Context, orgID, appID string) (*View, error) {
	eff, err := p.meter.EffectiveConfig(ctx, orgID, appID)
	if err != nil {
		return nil, err
	}
	dayKey, err := calendar.DayKey(p.clk, eff.Timezone)
	if err != nil {
		return nil, apierr.InvalidConfig("organization has an invalid timezone",
			map[string]any{"timezone": eff.Timezone}).WithCause(err)
	}
	return p.project(ctx, orgID, appID, eff, dayKey, false)
}

// Historical projects the view for a past date. Future dates are client
// errors; past dates with no surviving counters are not found.
func (p *Projector) Historical(ctx context.Context, orgID, appID, date string) (*View, error) {
	eff, err := p.meter.EffectiveConfig(ctx, orgID, appID)
	if err != nil {
		return nil, err
	}

	dayKey, err := calendar.DayKeyFromDate(date)
	if err != nil {
		return nil, apierr.InvalidRequest("date must be a valid YYYY-MM-DD",
			map[string]any{"date": date}).WithCause(err)
	}

	todayKey, err := calendar.DayKey(p.clk, eff.Timezone)
	if err != nil {
		return nil, apierr.InvalidConfig("organization has an invalid timezone",
			map[string]any{"timezone": eff.Timezone}).WithCause(err)
	}
	if strings.Compare(dayKey, todayKey) > 0 {
		return nil, apierr.InvalidRequest("date is in the future",
			map[string]any{"date": date, "today": calendar.DateFromDayKey(todayKey)})
	}

	return p.project(ctx, orgID, appID, eff, dayKey, dayKey != todayKey)
}

func (p *Projector) project(ctx context.Context, orgID, appID string, eff types.EffectiveConfig, dayKey string, requireData bool) (*View, error) {
	scopeKey := storage.ScopeKey(eff.QuotaScope, orgID, appID)

	totals, err := p.meter.DailyTotals(ctx, scopeKey, dayKey, eff.ModelOrdering, eff.ShardCount)
	if err != nil {
		return nil, err
	}

	view := &View{
		OrgID:      orgID,
		AppID:      appID,
		Date:       calendar.DateFromDayKey(dayKey),
		QuotaScope: eff.QuotaScope,
		Labels:     make([]LabelView, 0, len(eff.ModelOrdering)),
	}

	var hasData bool
	for _, label := range eff.ModelOrdering {
		usage := totals[label]
		if usage.Requests > 0 {
			hasData = true
		}
		quota := eff.Quotas[label]

		lv := LabelView{
			ModelLabel:     label,
			CostUSDMicros:  usage.CostUSDMicros,
			QuotaUSDMicros: quota,
			Status:         StatusNormal,
			InputTokens:    usage.InputTokens,
			OutputTokens:   usage.OutputTokens,
			Requests:       usage.Requests,
		}
		if entry, ok := p.pricebook.Lookup(label); ok {
			lv.ModelID = entry.ModelID
		}
		if quota > 0 {
			lv.QuotaPct = float64(usage.CostUSDMicros) / float64(quota) * 100
		}
		if quota > 0 && usage.CostUSDMicros >= quota {
			lv.Status = StatusExceeded
		}
		if usage.Requests > 0 {
			lv.AvgCostPerRequestUSDMicros = usage.CostUSDMicros / usage.Requests
		}

		view.Labels = append(view.Labels, lv)
		view.Totals.Add(usage)
	}

	if requireData && !hasData {
		return nil, apierr.NotFound("no usage recorded for this date",
			map[string]any{"date": view.Date})
	}

	sticky, err := p.store.GetStickyState(ctx, scopeKey, dayKey)
	switch {
	case err == nil:
		view.Sticky = true
		view.StickyModel = sticky.ActiveModelLabel
	case errors.Is(err, storage.ErrNotFound):
		// no sticky state for the day
	default:
		return nil, fmt.Errorf("read sticky state: %w", err)
	}

	return view, nil
}
