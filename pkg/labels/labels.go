package labels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/config"
	"github.com/modelmeter/modelmeter/pkg/log"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

// Kind discriminates what a model label resolved to.
type Kind string

const (
	KindModel   Kind = "model"
	KindProfile Kind = "profile"
)

// Resolution is the outcome of resolving a model label. PricingRegion is
// set only for profile resolutions; static models price region-free.
type Resolution struct {
	Kind          Kind
	Label         string
	ModelID       string
	PricingRegion string
}

var profileARNPattern = regexp.MustCompile(
	`^arn:aws:bedrock:([a-z0-9-]+):\d{12}:inference-profile/[A-Za-z0-9._:-]+$`)

// Resolver maps a caller-supplied model label to a concrete model id.
// Profile registrations shadow pricebook labels of the same name.
type Resolver struct {
	store     storage.Store
	pricebook *config.Pricebook
}

func NewResolver(store storage.Store, pricebook *config.Pricebook) *Resolver {
	return &Resolver{store: store, pricebook: pricebook}
}

// Resolve looks up label for (orgID, appID). A registered inference profile
// requires callingRegion and the region must appear in the profile's region
// map. A label found in neither place is a configuration error on the org,
// not a client error.
func (r *Resolver) Resolve(ctx context.Context, orgID, appID, label, callingRegion string) (Resolution, error) {
	profile, err := r.store.GetProfile(ctx, orgID, appID, label)
	if err == nil {
		if callingRegion == "" {
			return Resolution{}, apierr.InvalidRequest(
				fmt.Sprintf("label %q is an inference profile and requires calling_region", label),
				map[string]any{"model_label": label})
		}
		modelID, ok := profile.RegionModels[callingRegion]
		if !ok {
			regions := lo.Keys(profile.RegionModels)
			sort.Strings(regions)
			return Resolution{}, apierr.InvalidRequest(
				fmt.Sprintf("region %q is not supported by profile %q", callingRegion, label),
				map[string]any{"calling_region": callingRegion, "supported_regions": regions})
		}
		return Resolution{
			Kind:          KindProfile,
			Label:         label,
			ModelID:       modelID,
			PricingRegion: callingRegion,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, fmt.Errorf("profile lookup: %w", err)
	}

	if entry, ok := r.pricebook.Lookup(label); ok {
		return Resolution{Kind: KindModel, Label: label, ModelID: entry.ModelID}, nil
	}

	return Resolution{}, apierr.InvalidConfig(
		fmt.Sprintf("unknown model label %q", label),
		map[string]any{"model_label": label, "known_labels": r.pricebook.Labels()})
}

// BedrockAPI is the slice of the Bedrock control-plane API the registrar
// needs. Satisfied by *bedrock.Client.
type BedrockAPI interface {
	GetInferenceProfile(ctx context.Context, in *bedrock.GetInferenceProfileInput, optFns ...func(*bedrock.Options)) (*bedrock.GetInferenceProfileOutput, error)
}

// BedrockClientFactory builds a Bedrock client bound to a region. The
// registrar dials the region named in the profile ARN, not the service's own.
type BedrockClientFactory func(ctx context.Context, region string) (BedrockAPI, error)

// DefaultBedrockFactory builds real Bedrock clients from ambient AWS config.
func DefaultBedrockFactory(ctx context.Context, region string) (BedrockAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bedrock.NewFromConfig(cfg), nil
}

// Registrar validates and persists inference-profile registrations.
type Registrar struct {
	store   storage.Store
	factory BedrockClientFactory
	clk     clock.Clock
}

func NewRegistrar(store storage.Store, factory BedrockClientFactory, clk clock.Clock) *Registrar {
	return &Registrar{store: store, factory: factory, clk: clk}
}

// Register describes arn against the upstream provider and persists the
// resulting region to model-id map. Upstream failures and empty model lists
// are surfaced as invalid-config so the caller can correct the ARN.
func (g *Registrar) Register(ctx context.Context, orgID, appID, label, arn, description string) (*types.InferenceProfile, error) {
	m := profileARNPattern.FindStringSubmatch(arn)
	if m == nil {
		return nil, apierr.InvalidRequest(
			"inference_profile_arn is not a valid Bedrock inference-profile ARN",
			map[string]any{"inference_profile_arn": arn})
	}
	arnRegion := m[1]

	client, err := g.factory(ctx, arnRegion)
	if err != nil {
		return nil, apierr.InvalidConfig("unable to reach upstream provider", nil).WithCause(err)
	}

	out, err := client.GetInferenceProfile(ctx, &bedrock.GetInferenceProfileInput{
		InferenceProfileIdentifier: aws.String(arn),
	})
	if err != nil {
		return nil, apierr.InvalidConfig(
			"upstream provider rejected the inference profile",
			map[string]any{"inference_profile_arn": arn}).WithCause(err)
	}

	regionModels := make(map[string]string, len(out.Models))
	for _, model := range out.Models {
		if model.ModelArn == nil {
			continue
		}
		region, modelID, perr := parseModelARN(*model.ModelArn)
		if perr != nil {
			log.WithComponent("labels").Warn().Str("model_arn", *model.ModelArn).Err(perr).
				Msg("skipping unparseable model ARN in profile response")
			continue
		}
		regionModels[region] = modelID
	}
	if len(regionModels) == 0 {
		return nil, apierr.InvalidConfig(
			"inference profile exposes no usable models",
			map[string]any{"inference_profile_arn": arn})
	}

	profile := &types.InferenceProfile{
		OrgID:          orgID,
		AppID:          appID,
		Label:          label,
		ARN:            arn,
		RegionModels:   regionModels,
		Description:    description,
		CreatedAtEpoch: g.clk.Now().Unix(),
	}
	if err := g.store.PutProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("persist profile: %w", err)
	}

	log.WithComponent("labels").Info().Str("org_id", orgID).Str("app_id", appID).
		Str("profile_label", label).Int("regions", len(regionModels)).
		Msg("inference profile registered")
	return profile, nil
}

// parseModelARN extracts region and model id from a foundation-model ARN,
// e.g. arn:aws:bedrock:us-east-1::foundation-model/anthropic.claude-v2.
func parseModelARN(arn string) (region, modelID string, err error) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "bedrock" {
		return "", "", fmt.Errorf("malformed model ARN %q", arn)
	}
	region = parts[3]
	resource := parts[5]
	slash := strings.LastIndex(resource, "/")
	if region == "" || slash < 0 || slash == len(resource)-1 {
		return "", "", fmt.Errorf("malformed model ARN %q", arn)
	}
	return region, resource[slash+1:], nil
}
