package metering

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/config"
	"github.com/modelmeter/modelmeter/pkg/labels"
	"github.com/modelmeter/modelmeter/pkg/pricing"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

const meterPricebook = `
model_labels:
  premium:
    id: model-premium
    input_price_usd_micros_per_1m: 3000000
    output_price_usd_micros_per_1m: 15000000
  standard:
    id: model-standard
    input_price_usd_micros_per_1m: 800000
    output_price_usd_micros_per_1m: 4000000
`

const (
	meterOrg = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	meterApp = "checkout"
)

type fixture struct {
	store storage.Store
	meter *Meter
	clk   *testingclock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store, err := storage.NewBoltStore(t.TempDir(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pb, err := config.ParsePricebook([]byte(meterPricebook))
	require.NoError(t, err)

	meter := New(store, labels.NewResolver(store, pb), pricing.NewResolver(store, pb), clk, 0)
	return &fixture{store: store, meter: meter, clk: clk}
}

func (f *fixture) seedOrg(t *testing.T, scope types.QuotaScope, tz string) {
	t.Helper()
	require.NoError(t, f.store.PutOrgConfig(context.Background(), &types.OrgConfig{
		OrgID:         meterOrg,
		OrgName:       "Acme",
		Timezone:      tz,
		QuotaScope:    scope,
		ModelOrdering: []string{"premium", "standard"},
		Quotas:        map[string]int64{"premium": 10_000_000, "standard": 5_000_000},
	}))
	require.NoError(t, f.store.PutAppConfig(context.Background(), &types.AppConfig{
		OrgID: meterOrg, AppID: meterApp, AppName: "Checkout",
	}))
}

func (f *fixture) submission(requestID string) Submission {
	return Submission{
		OrgID:        meterOrg,
		AppID:        meterApp,
		RequestID:    requestID,
		ModelLabel:   "premium",
		InputTokens:  1500,
		OutputTokens: 800,
		Status:       types.StatusOK,
		Timestamp:    f.clk.Now(),
	}
}

func TestSubmitUsageComputesCost(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, types.QuotaScopeOrg, "UTC")

	receipt, err := f.meter.SubmitUsage(context.Background(), f.submission("req-1"))
	require.NoError(t, err)

	assert.True(t, receipt.Applied)
	// 1500 in at 3.00/1M plus 800 out at 15.00/1M.
	assert.Equal(t, int64(16_500), receipt.CostUSDMicros)
	assert.Equal(t, "model-premium", receipt.ModelID)
	assert.Equal(t, "2025-06-01", receipt.Date)
	assert.Equal(t, "ORG#"+meterOrg, receipt.ScopeKey)
	assert.Equal(t, types.Usage{CostUSDMicros: 16_500, InputTokens: 1500, OutputTokens: 800, Requests: 1}, receipt.DailyTotal)
}

func TestSubmitUsageIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, types.QuotaScopeOrg, "UTC")
	ctx := context.Background()

	first, err := f.meter.SubmitUsage(ctx, f.submission("req-1"))
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := f.meter.SubmitUsage(ctx, f.submission("req-1"))
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, first.DailyTotal, second.DailyTotal)
}

func TestSubmitUsageAccumulates(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, types.QuotaScopeOrg, "UTC")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.meter.SubmitUsage(ctx, f.submission(fmt.Sprintf("req-%d", i)))
		require.NoError(t, err)
	}

	total, err := f.meter.DailyTotal(ctx, "ORG#"+meterOrg, "DAY#20250601", "premium", types.DefaultShardCount)
	require.NoError(t, err)
	assert.Equal(t, int64(165_000), total.CostUSDMicros)
	assert.Equal(t, int64(10), total.Requests)
}

func TestSubmitUsageErrorStatusCountsButCostsNothing(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, types.QuotaScopeOrg, "UTC")

	sub := f.submission("req-err")
	sub.Status = types.StatusError
	receipt, err := f.meter.SubmitUsage(context.Background(), sub)
	require.NoError(t, err)

	assert.Zero(t, receipt.CostUSDMicros)
	assert.Equal(t, int64(1500), receipt.DailyTotal.InputTokens)
	assert.Equal(t, int64(1), receipt.DailyTotal.Requests)
}

func TestSubmitUsageTimestampWindow(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, types.QuotaScopeOrg, "UTC")
	now := f.clk.Now()

	tests := []struct {
		name string
		ts   time.Time
		ok   bool
	}{
		{"four minutes ahead", now.Add(4 * time.Minute), true},
		{"exactly five minutes ahead", now.Add(5 * time.Minute), true},
		{"five minutes one second ahead", now.Add(5*time.Minute + time.Second), false},
		{"six minutes ahead", now.Add(6 * time.Minute), false},
		{"23 hours behind", now.Add(-23 * time.Hour), true},
		{"exactly 24 hours behind", now.Add(-24 * time.Hour), true},
		{"24 hours one second behind", now.Add(-24*time.Hour - time.Second), false},
		{"25 hours behind", now.Add(-25 * time.Hour), false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := f.submission(fmt.Sprintf("req-ts-%d", i))
			sub.Timestamp = tt.ts
			_, err := f.meter.SubmitUsage(context.Background(), sub)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, apierr.IsCode(err, apierr.CodeInvalidRequest))
			}
		})
	}
}

func TestSubmitUsageValidation(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, types.QuotaScopeOrg, "UTC")

	tests := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"missing request id", func(s *Submission) { s.RequestID = "" }},
		{"missing label", func(s *Submission) { s.ModelLabel = "" }},
		{"negative tokens", func(s *Submission) { s.InputTokens = -1 }},
		{"bad status", func(s *Submission) { s.Status = "PENDING" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := f.submission("req-v")
			tt.mutate(&sub)
			_, err := f.meter.SubmitUsage(context.Background(), sub)
			assert.True(t, apierr.IsCode(err, apierr.CodeInvalidRequest))
		})
	}
}

func TestSubmitUsageUnknownOrg(t *testing.T) {
	f := newFixture(t)

	_, err := f.meter.SubmitUsage(context.Background(), f.submission("req-1"))
	assert.True(t, apierr.IsCode(err, apierr.CodeNotFound))
}

func TestOrgScopeMergesApps(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, types.QuotaScopeOrg, "UTC")
	ctx := context.Background()
	require.NoError(t, f.store.PutAppConfig(ctx, &types.AppConfig{
		OrgID: meterOrg, AppID: "other", AppName: "Other",
	}))

	a := f.submission("req-a")
	b := f.submission("req-b")
	b.AppID = "other"

	ra, err := f.meter.SubmitUsage(ctx, a)
	require.NoError(t, err)
	rb, err := f.meter.SubmitUsage(ctx, b)
	require.NoError(t, err)

	// Both apps share one org-scope partition.
	assert.Equal(t, ra.ScopeKey, rb.ScopeKey)
	assert.Equal(t, int64(2), rb.DailyTotal.Requests)
}

func TestAppScopeSeparatesApps(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, types.QuotaScopeApp, "UTC")
	ctx := context.Background()
	require.NoError(t, f.store.PutAppConfig(ctx, &types.AppConfig{
		OrgID: meterOrg, AppID: "other", AppName: "Other",
	}))

	a := f.submission("req-a")
	b := f.submission("req-b")
	b.AppID = "other"

	ra, err := f.meter.SubmitUsage(ctx, a)
	require.NoError(t, err)
	rb, err := f.meter.SubmitUsage(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, ra.ScopeKey, rb.ScopeKey)
	assert.Equal(t, int64(1), ra.DailyTotal.Requests)
	assert.Equal(t, int64(1), rb.DailyTotal.Requests)
}

func TestDayAttributionUsesOrgTimezone(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, types.QuotaScopeOrg, "America/New_York")
	f.clk.SetTime(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)) // 23:00 on May 31 in New York

	receipt, err := f.meter.SubmitUsage(context.Background(), f.submission("req-1"))
	require.NoError(t, err)
	assert.Equal(t, "2025-05-31", receipt.Date)
}

func TestShardIndexDeterministic(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("req-%d", i)
		first := ShardIndex(id, 8)
		assert.Equal(t, first, ShardIndex(id, 8))
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
		seen[first] = true
	}
	// 200 uniform draws over 8 shards hit every shard.
	assert.Len(t, seen, 8)
}

func TestDailyTotalsMissingLabelIsZero(t *testing.T) {
	f := newFixture(t)
	f.seedOrg(t, types.QuotaScopeOrg, "UTC")

	totals, err := f.meter.DailyTotals(context.Background(), "ORG#"+meterOrg, "DAY#20250601",
		[]string{"premium", "standard"}, types.DefaultShardCount)
	require.NoError(t, err)
	assert.Equal(t, types.Usage{}, totals["premium"])
	assert.Equal(t, types.Usage{}, totals["standard"])
}
