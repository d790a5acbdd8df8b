package metering

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/calendar"
	"github.com/modelmeter/modelmeter/pkg/labels"
	"github.com/modelmeter/modelmeter/pkg/log"
	"github.com/modelmeter/modelmeter/pkg/metrics"
	"github.com/modelmeter/modelmeter/pkg/pricing"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

const (
	// Client clocks drift; allow a small future skew but reject stale retries.
	maxFutureSkew = 5 * time.Minute
	maxStaleness  = 24 * time.Hour
)

// Submission is one usage report from a client. Cost is never accepted from
// the client: it is recomputed server-side from the resolved model's price.
type Submission struct {
	OrgID           string
	AppID           string
	RequestID       string
	ModelLabel      string
	SuppliedModelID string
	InputTokens     int64
	OutputTokens    int64
	Status          types.SubmissionStatus
	Timestamp       time.Time
	CallingRegion   string
}

// Receipt describes how a submission was processed. Applied is false on a
// repeat submission of the same request id; the response is "accepted" either
// way.
type Receipt struct {
	RequestID     string
	Applied       bool
	Date          string
	ScopeKey      string
	ShardIndex    int
	ModelID       string
	CostUSDMicros int64
	PriceSource   string
	DailyTotal    types.Usage
}

// Meter is the metering core: idempotent sharded counter writes and the
// matching fan-in reads.
type Meter struct {
	store         storage.Store
	resolver      *labels.Resolver
	pricer        *pricing.Resolver
	clk           clock.Clock
	retentionDays int
}

func New(store storage.Store, resolver *labels.Resolver, pricer *pricing.Resolver, clk clock.Clock, retentionDays int) *Meter {
	if retentionDays <= 0 {
		retentionDays = types.DefaultRetentionDays
	}
	return &Meter{store: store, resolver: resolver, pricer: pricer, clk: clk, retentionDays: retentionDays}
}

// ShardIndex maps a request id to its counter shard. The modulus is taken
// over the full 256-bit hash value so every implementation that follows the
// same rule targets the same shard for the same id.
func ShardIndex(requestID string, shardCount int) int {
	sum := sha256.Sum256([]byte(requestID))
	n := new(big.Int).SetBytes(sum[:])
	return int(new(big.Int).Mod(n, big.NewInt(int64(shardCount))).Int64())
}

// EffectiveConfig loads the org (and optional app) config and merges them.
func (m *Meter) EffectiveConfig(ctx context.Context, orgID, appID string) (types.EffectiveConfig, error) {
	org, err := m.store.GetOrgConfig(ctx, orgID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.EffectiveConfig{}, apierr.NotFound("organization not found", map[string]any{"org_id": orgID})
	}
	if err != nil {
		return types.EffectiveConfig{}, fmt.Errorf("load org config: %w", err)
	}

	var app *types.AppConfig
	if appID != "" {
		app, err = m.store.GetAppConfig(ctx, orgID, appID)
		if errors.Is(err, storage.ErrNotFound) {
			return types.EffectiveConfig{}, apierr.NotFound("application not found", map[string]any{"app_id": appID})
		}
		if err != nil {
			return types.EffectiveConfig{}, fmt.Errorf("load app config: %w", err)
		}
	}
	return types.Effective(org, app), nil
}

// SubmitUsage applies one submission exactly once per request id. Repeat
// submissions within the retention window are acknowledged without effect.
func (m *Meter) SubmitUsage(ctx context.Context, sub Submission) (*Receipt, error) {
	if err := m.validate(sub); err != nil {
		return nil, err
	}

	eff, err := m.EffectiveConfig(ctx, sub.OrgID, sub.AppID)
	if err != nil {
		return nil, err
	}

	dayKey, err := calendar.DayKey(m.clk, eff.Timezone)
	if err != nil {
		return nil, apierr.InvalidConfig("organization has an invalid timezone",
			map[string]any{"timezone": eff.Timezone}).WithCause(err)
	}
	date := calendar.DateFromDayKey(dayKey)

	res, err := m.resolver.Resolve(ctx, sub.OrgID, sub.AppID, sub.ModelLabel, sub.CallingRegion)
	if err != nil {
		return nil, err
	}

	// Failed inferences count tokens and requests but carry zero cost.
	var cost int64
	var priceSource string
	if sub.Status == types.StatusOK {
		price, perr := m.pricer.Price(ctx, res.ModelID, date, res.PricingRegion)
		if perr != nil {
			return nil, perr
		}
		cost = pricing.Cost(sub.InputTokens, sub.OutputTokens, price)
		priceSource = price.Source
	}

	scopeKey := storage.ScopeKey(eff.QuotaScope, sub.OrgID, sub.AppID)
	shard := ShardIndex(sub.RequestID, eff.ShardCount)
	key := storage.CellKey{
		ShardKey: storage.ShardKey(scopeKey, sub.ModelLabel, shard),
		DayKey:   dayKey,
	}
	delta := types.Usage{
		CostUSDMicros: cost,
		InputTokens:   sub.InputTokens,
		OutputTokens:  sub.OutputTokens,
		Requests:      1,
	}

	applied, err := m.store.ApplyUsage(ctx, key, delta, sub.RequestID, m.expiryEpoch(dayKey, eff.Timezone))
	if err != nil {
		return nil, fmt.Errorf("apply usage: %w", err)
	}

	total, err := m.DailyTotal(ctx, scopeKey, dayKey, sub.ModelLabel, eff.ShardCount)
	if err != nil {
		return nil, err
	}

	metrics.SubmissionsTotal.WithLabelValues(string(sub.Status), strconv.FormatBool(applied)).Inc()
	if applied {
		metrics.SubmissionCostMicros.Add(float64(cost))
	}

	log.WithComponent("metering").Debug().
		Str("org_id", sub.OrgID).Str("request_id", sub.RequestID).
		Str("model_label", sub.ModelLabel).Int("shard", shard).
		Bool("applied", applied).Int64("cost_usd_micros", cost).
		Msg("usage submission processed")

	return &Receipt{
		RequestID:     sub.RequestID,
		Applied:       applied,
		Date:          date,
		ScopeKey:      scopeKey,
		ShardIndex:    shard,
		ModelID:       res.ModelID,
		CostUSDMicros: cost,
		PriceSource:   priceSource,
		DailyTotal:    total,
	}, nil
}

func (m *Meter) validate(sub Submission) error {
	switch {
	case sub.RequestID == "":
		return apierr.InvalidRequest("request_id is required", nil)
	case sub.ModelLabel == "":
		return apierr.InvalidRequest("model_label is required", nil)
	case sub.InputTokens < 0 || sub.OutputTokens < 0:
		return apierr.InvalidRequest("token counts must be non-negative", nil)
	case sub.Status != types.StatusOK && sub.Status != types.StatusError:
		return apierr.InvalidRequest("status must be OK or ERROR",
			map[string]any{"status": string(sub.Status)})
	}

	now := m.clk.Now()
	if sub.Timestamp.After(now.Add(maxFutureSkew)) || sub.Timestamp.Before(now.Add(-maxStaleness)) {
		return apierr.InvalidRequest("timestamp is outside the accepted window",
			map[string]any{
				"timestamp":   sub.Timestamp.UTC().Format(time.RFC3339),
				"server_time": now.UTC().Format(time.RFC3339),
			})
	}
	return nil
}

// expiryEpoch returns the retention deadline for cells on dayKey: midnight of
// the day plus the retention window, in the org's timezone.
func (m *Meter) expiryEpoch(dayKey, tz string) int64 {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation("20060102", strings.TrimPrefix(dayKey, "DAY#"), loc)
	if err != nil {
		return m.clk.Now().AddDate(0, 0, m.retentionDays).Unix()
	}
	return day.AddDate(0, 0, m.retentionDays).Unix()
}

// DailyTotal sums all shards of one label for a (scope, day).
func (m *Meter) DailyTotal(ctx context.Context, scopeKey, dayKey, label string, shardCount int) (types.Usage, error) {
	totals, err := m.DailyTotals(ctx, scopeKey, dayKey, []string{label}, shardCount)
	if err != nil {
		return types.Usage{}, err
	}
	return totals[label], nil
}

// DailyTotals batch-reads labels x shards cells and sums per label. Labels
// with no cells report as zero usage. The selection engine always reads
// through this form.
func (m *Meter) DailyTotals(ctx context.Context, scopeKey, dayKey string, modelLabels []string, shardCount int) (map[string]types.Usage, error) {
	if shardCount <= 0 {
		shardCount = types.DefaultShardCount
	}

	keys := make([]storage.CellKey, 0, len(modelLabels)*shardCount)
	keyLabel := make(map[storage.CellKey]string, len(modelLabels)*shardCount)
	for _, label := range modelLabels {
		for i := 0; i < shardCount; i++ {
			key := storage.CellKey{ShardKey: storage.ShardKey(scopeKey, label, i), DayKey: dayKey}
			keys = append(keys, key)
			keyLabel[key] = label
		}
	}

	cells, err := m.store.BatchGetShardCells(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("batch read counters: %w", err)
	}

	totals := make(map[string]types.Usage, len(modelLabels))
	for _, label := range modelLabels {
		totals[label] = types.Usage{}
	}
	for key, cell := range cells {
		total := totals[keyLabel[key]]
		total.Add(cell.Usage)
		totals[keyLabel[key]] = total
	}
	return totals, nil
}
