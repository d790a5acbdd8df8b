package selection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/calendar"
	"github.com/modelmeter/modelmeter/pkg/config"
	"github.com/modelmeter/modelmeter/pkg/log"
	"github.com/modelmeter/modelmeter/pkg/metering"
	"github.com/modelmeter/modelmeter/pkg/metrics"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

// Reason explains why a label was recommended.
const (
	ReasonNormal         = "NORMAL"
	ReasonStickyFallback = "STICKY_FALLBACK"
)

// Mode is the spend-pressure advisory attached to every recommendation.
const (
	ModeNormal = "NORMAL"
	ModeTight  = "TIGHT"

	normalRecheck = 5 * time.Minute
	tightRecheck  = time.Minute
)

// Sticky state outlives its day only long enough for late readers; the
// sweeper prunes it afterwards.
const stickyRetention = 48 * time.Hour

// Contended sticky writes trigger one re-read and re-evaluation.
const maxEvaluations = 2

// Recommendation is the advisory model choice for one selection request.
type Recommendation struct {
	ModelLabel      string
	ModelID         string
	Description     string
	LadderIndex     int
	Reason          string
	Mode            string
	RecheckInterval time.Duration
	Date            string
	SpendUSDMicros  int64
	QuotaUSDMicros  int64
	QuotaPct        float64
	Sticky          bool
	Pricing         *types.PriceEntry
}

// Engine evaluates the quota ladder and maintains the sticky-fallback state.
type Engine struct {
	store     storage.Store
	meter     *metering.Meter
	pricebook *config.Pricebook
	clk       clock.Clock
}

func NewEngine(store storage.Store, meter *metering.Meter, pricebook *config.Pricebook, clk clock.Clock) *Engine {
	return &Engine{store: store, meter: meter, pricebook: pricebook, clk: clk}
}

// Select recommends the model label the caller should use right now. The
// recommendation is advisory; enforcement lives in clients.
func (e *Engine) Select(ctx context.Context, orgID, appID string) (*Recommendation, error) {
	eff, err := e.meter.EffectiveConfig(ctx, orgID, appID)
	if err != nil {
		return nil, err
	}
	if len(eff.ModelOrdering) == 0 {
		return nil, apierr.InvalidConfig("organization has no model ordering configured", nil)
	}

	dayKey, err := calendar.DayKey(e.clk, eff.Timezone)
	if err != nil {
		return nil, apierr.InvalidConfig("organization has an invalid timezone",
			map[string]any{"timezone": eff.Timezone}).WithCause(err)
	}
	scopeKey := storage.ScopeKey(eff.QuotaScope, orgID, appID)

	for attempt := 0; attempt < maxEvaluations; attempt++ {
		totals, terr := e.meter.DailyTotals(ctx, scopeKey, dayKey, eff.ModelOrdering, eff.ShardCount)
		if terr != nil {
			return nil, terr
		}

		sticky, serr := e.stickyState(ctx, scopeKey, dayKey)
		if serr != nil {
			return nil, serr
		}
		sticky = clampSticky(sticky, eff.ModelOrdering)

		under := firstUnderQuota(eff.ModelOrdering, totals, eff.Quotas)
		if under < 0 {
			return nil, e.allExhausted(eff, totals)
		}

		index := under
		reason := ReasonNormal
		pinned := sticky != nil

		switch {
		case sticky == nil && under == 0:
			// Preferred label is fine; nothing to record.

		case sticky == nil:
			// Promote: everything before `under` has reached its quota.
			ok, werr := e.advance(ctx, scopeKey, dayKey, eff, under, eff.ModelOrdering[0])
			if werr != nil {
				return nil, werr
			}
			if !ok {
				continue // lost the race, re-evaluate against the stored state
			}
			reason = ReasonStickyFallback
			pinned = true

		case under > sticky.ActiveModelIndex:
			ok, werr := e.advance(ctx, scopeKey, dayKey, eff, under, sticky.ActiveModelLabel)
			if werr != nil {
				return nil, werr
			}
			if !ok {
				continue
			}
			reason = ReasonStickyFallback

		default:
			// Sticky never retreats within a day, even if an earlier label
			// would currently pass.
			index = sticky.ActiveModelIndex
			reason = ReasonStickyFallback
		}

		return e.recommendation(eff, dayKey, index, reason, pinned, totals), nil
	}

	// Both evaluations lost the advance race; serve whatever is stored now.
	sticky, serr := e.stickyState(ctx, scopeKey, dayKey)
	if serr != nil {
		return nil, serr
	}
	sticky = clampSticky(sticky, eff.ModelOrdering)
	if sticky == nil {
		return nil, apierr.Internal("selection state unavailable")
	}
	totals, terr := e.meter.DailyTotals(ctx, scopeKey, dayKey, eff.ModelOrdering, eff.ShardCount)
	if terr != nil {
		return nil, terr
	}
	return e.recommendation(eff, dayKey, sticky.ActiveModelIndex, ReasonStickyFallback, true, totals), nil
}

func (e *Engine) stickyState(ctx context.Context, scopeKey, dayKey string) (*types.StickyState, error) {
	sticky, err := e.store.GetStickyState(ctx, scopeKey, dayKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sticky state: %w", err)
	}
	return sticky, nil
}

// clampSticky bounds a stored sticky index against the current ladder. An
// org upsert may shrink model_ordering mid-day; a stored index past the end
// pins to the last remaining label instead of indexing out of range.
func clampSticky(sticky *types.StickyState, ladder []string) *types.StickyState {
	if sticky == nil {
		return nil
	}
	if last := len(ladder) - 1; sticky.ActiveModelIndex > last {
		sticky.ActiveModelIndex = last
		sticky.ActiveModelLabel = ladder[last]
	}
	return sticky
}

func (e *Engine) advance(ctx context.Context, scopeKey, dayKey string, eff types.EffectiveConfig, index int, previousLabel string) (bool, error) {
	label := eff.ModelOrdering[index]
	ok, err := e.store.AdvanceStickyState(ctx, &types.StickyState{
		ScopeKey:           scopeKey,
		DayKey:             dayKey,
		ActiveModelLabel:   label,
		ActiveModelIndex:   index,
		Reason:             "QUOTA_EXCEEDED",
		PreviousModelLabel: previousLabel,
		ActivatedAtEpoch:   e.clk.Now().Unix(),
		ExpiresAtEpoch:     e.stickyExpiry(dayKey, eff.Timezone),
	})
	if err != nil {
		return false, fmt.Errorf("advance sticky state: %w", err)
	}
	if ok {
		metrics.StickyTransitionsTotal.Inc()
		log.WithComponent("selection").Info().
			Str("scope_key", scopeKey).Str("day_key", dayKey).
			Str("model_label", label).Int("ladder_index", index).
			Msg("sticky fallback activated")
	}
	return ok, nil
}

func (e *Engine) stickyExpiry(dayKey, tz string) int64 {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation("20060102", strings.TrimPrefix(dayKey, "DAY#"), loc)
	if err != nil {
		return e.clk.Now().Add(stickyRetention).Unix()
	}
	return day.Add(stickyRetention).Unix()
}

func (e *Engine) recommendation(eff types.EffectiveConfig, dayKey string, index int, reason string, pinned bool, totals map[string]types.Usage) *Recommendation {
	label := eff.ModelOrdering[index]
	spend := totals[label].CostUSDMicros
	quota := eff.Quotas[label]
	pct := quotaPct(spend, quota)

	mode, recheck := ModeNormal, normalRecheck
	if pct >= eff.TightThresholdPct {
		mode, recheck = ModeTight, tightRecheck
	}

	metrics.SelectionsTotal.WithLabelValues(reason, mode).Inc()

	rec := &Recommendation{
		ModelLabel:      label,
		LadderIndex:     index,
		Reason:          reason,
		Mode:            mode,
		RecheckInterval: recheck,
		Date:            calendar.DateFromDayKey(dayKey),
		SpendUSDMicros:  spend,
		QuotaUSDMicros:  quota,
		QuotaPct:        pct,
		Sticky:          pinned,
	}
	if entry, ok := e.pricebook.Lookup(label); ok {
		rec.ModelID = entry.ModelID
		rec.Description = entry.Description
		price := entry.Price()
		rec.Pricing = &price
	}
	return rec
}

func (e *Engine) allExhausted(eff types.EffectiveConfig, totals map[string]types.Usage) error {
	pcts := make(map[string]any, len(eff.ModelOrdering))
	for _, label := range eff.ModelOrdering {
		pcts[label] = quotaPct(totals[label].CostUSDMicros, eff.Quotas[label])
	}
	metrics.QuotaExhaustedTotal.Inc()
	return apierr.QuotaExceeded("all model quotas are exhausted for today",
		map[string]any{"quota_pct": pcts})
}

// firstUnderQuota returns the smallest ladder index whose spend is strictly
// below its quota, or -1 when every label has reached quota.
func firstUnderQuota(ladder []string, totals map[string]types.Usage, quotas map[string]int64) int {
	for i, label := range ladder {
		if totals[label].CostUSDMicros < quotas[label] {
			return i
		}
	}
	return -1
}

func quotaPct(spend, quota int64) float64 {
	if quota <= 0 {
		return 100
	}
	return float64(spend) / float64(quota) * 100
}
