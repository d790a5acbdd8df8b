package labels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bdtypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/config"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

const testPricebook = `
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
	testOrg = "11111111-2222-3333-4444-555555555555"
	testApp = "billing"
	testARN = "arn:aws:bedrock:us-east-1:123456789012:inference-profile/tenant-x"
)

type fakeBedrock struct {
	out *bedrock.GetInferenceProfileOutput
	err error
}

func (f *fakeBedrock) GetInferenceProfile(_ context.Context, _ *bedrock.GetInferenceProfileInput, _ ...func(*bedrock.Options)) (*bedrock.GetInferenceProfileOutput, error) {
	return f.out, f.err
}

func factoryFor(fb *fakeBedrock) BedrockClientFactory {
	return func(_ context.Context, _ string) (BedrockAPI, error) { return fb, nil }
}

func newFixture(t *testing.T) (storage.Store, *config.Pricebook, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store, err := storage.NewBoltStore(t.TempDir(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pb, err := config.ParsePricebook([]byte(testPricebook))
	require.NoError(t, err)
	return store, pb, clk
}

func TestResolveStaticModel(t *testing.T) {
	store, pb, _ := newFixture(t)
	r := NewResolver(store, pb)

	res, err := r.Resolve(context.Background(), testOrg, testApp, "premium", "")
	require.NoError(t, err)
	assert.Equal(t, KindModel, res.Kind)
	assert.Equal(t, "model-premium", res.ModelID)
	assert.Empty(t, res.PricingRegion)
}

func TestResolveUnknownLabel(t *testing.T) {
	store, pb, _ := newFixture(t)
	r := NewResolver(store, pb)

	_, err := r.Resolve(context.Background(), testOrg, testApp, "nonexistent", "")
	assert.True(t, apierr.IsCode(err, apierr.CodeInvalidConfig))
}

func TestResolveProfile(t *testing.T) {
	store, pb, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, store.PutProfile(ctx, &types.InferenceProfile{
		OrgID: testOrg, AppID: testApp, Label: "tenant-x", ARN: testARN,
		RegionModels: map[string]string{
			"us-east-1": "model-m1",
			"us-west-2": "model-m1",
		},
	}))
	r := NewResolver(store, pb)

	res, err := r.Resolve(ctx, testOrg, testApp, "tenant-x", "us-west-2")
	require.NoError(t, err)
	assert.Equal(t, KindProfile, res.Kind)
	assert.Equal(t, "model-m1", res.ModelID)
	assert.Equal(t, "us-west-2", res.PricingRegion)

	// Missing calling_region is a client error.
	_, err = r.Resolve(ctx, testOrg, testApp, "tenant-x", "")
	assert.True(t, apierr.IsCode(err, apierr.CodeInvalidRequest))

	// Region outside the profile's map is a client error too.
	_, err = r.Resolve(ctx, testOrg, testApp, "tenant-x", "eu-central-1")
	require.True(t, apierr.IsCode(err, apierr.CodeInvalidRequest))
	details := apierr.From(err).Details
	assert.Equal(t, []string{"us-east-1", "us-west-2"}, details["supported_regions"])
}

func TestResolveProfileShadowsPricebook(t *testing.T) {
	store, pb, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, store.PutProfile(ctx, &types.InferenceProfile{
		OrgID: testOrg, AppID: testApp, Label: "premium", ARN: testARN,
		RegionModels: map[string]string{"us-east-1": "model-override"},
	}))
	r := NewResolver(store, pb)

	res, err := r.Resolve(ctx, testOrg, testApp, "premium", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, KindProfile, res.Kind)
	assert.Equal(t, "model-override", res.ModelID)
}

func TestRegisterProfile(t *testing.T) {
	store, _, clk := newFixture(t)
	fb := &fakeBedrock{out: &bedrock.GetInferenceProfileOutput{
		Models: []bdtypes.InferenceProfileModel{
			{ModelArn: aws.String("arn:aws:bedrock:us-east-1::foundation-model/model-m1")},
			{ModelArn: aws.String("arn:aws:bedrock:us-west-2::foundation-model/model-m1")},
		},
	}}
	g := NewRegistrar(store, factoryFor(fb), clk)

	profile, err := g.Register(context.Background(), testOrg, testApp, "tenant-x", testARN, "tenant X traffic")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"us-east-1": "model-m1",
		"us-west-2": "model-m1",
	}, profile.RegionModels)
	assert.Equal(t, clk.Now().Unix(), profile.CreatedAtEpoch)

	stored, err := store.GetProfile(context.Background(), testOrg, testApp, "tenant-x")
	require.NoError(t, err)
	assert.Equal(t, testARN, stored.ARN)
}

func TestRegisterProfileBadARN(t *testing.T) {
	store, _, clk := newFixture(t)
	g := NewRegistrar(store, factoryFor(&fakeBedrock{}), clk)

	for _, arn := range []string{
		"",
		"not-an-arn",
		"arn:aws:bedrock:us-east-1:12345:inference-profile/x",       // short account
		"arn:aws:bedrock:us-east-1:123456789012:foundation-model/x", // wrong resource
	} {
		_, err := g.Register(context.Background(), testOrg, testApp, "x", arn, "")
		assert.True(t, apierr.IsCode(err, apierr.CodeInvalidRequest), "arn %q", arn)
	}
}

func TestRegisterProfileUpstreamFailure(t *testing.T) {
	store, _, clk := newFixture(t)
	g := NewRegistrar(store, factoryFor(&fakeBedrock{err: errors.New("AccessDeniedException")}), clk)

	_, err := g.Register(context.Background(), testOrg, testApp, "x", testARN, "")
	assert.True(t, apierr.IsCode(err, apierr.CodeInvalidConfig))
}

func TestRegisterProfileNoModels(t *testing.T) {
	store, _, clk := newFixture(t)
	g := NewRegistrar(store, factoryFor(&fakeBedrock{out: &bedrock.GetInferenceProfileOutput{}}), clk)

	_, err := g.Register(context.Background(), testOrg, testApp, "x", testARN, "")
	assert.True(t, apierr.IsCode(err, apierr.CodeInvalidConfig))
}

func TestParseModelARN(t *testing.T) {
	region, modelID, err := parseModelARN("arn:aws:bedrock:eu-west-1::foundation-model/amazon.nova-lite-v1:0")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", region)
	assert.Equal(t, "amazon.nova-lite-v1:0", modelID)

	for _, bad := range []string{"", "arn:aws:s3:::bucket", "arn:aws:bedrock:us-east-1::foundation-model/"} {
		_, _, err := parseModelARN(bad)
		assert.Error(t, err, "arn %q", bad)
	}
}
