package provisioning

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/calendar"
	"github.com/modelmeter/modelmeter/pkg/config"
	"github.com/modelmeter/modelmeter/pkg/credentials"
	"github.com/modelmeter/modelmeter/pkg/log"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

var appIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// OrgRequest is the provisioning payload for an organization upsert.
type OrgRequest struct {
	OrgName           string           `json:"org_name"`
	Timezone          string           `json:"timezone"`
	QuotaScope        types.QuotaScope `json:"quota_scope"`
	ModelOrdering     []string         `json:"model_ordering"`
	Quotas            map[string]int64 `json:"quotas"`
	ShardCount        int              `json:"agg_shard_count,omitempty"`
	TightThresholdPct float64          `json:"tight_mode_threshold_pct,omitempty"`
	Overrides         map[string]any   `json:"overrides,omitempty"`
}

// AppRequest is the provisioning payload for an application upsert. Ladder
// and quotas are optional overrides of the org's.
type AppRequest struct {
	AppName       string           `json:"app_name"`
	ModelOrdering []string         `json:"model_ordering,omitempty"`
	Quotas        map[string]int64 `json:"quotas,omitempty"`
	Overrides     map[string]any   `json:"overrides,omitempty"`
}

// OrgResult reports an org upsert. ClientSecret is set only when the org was
// created; it is shown exactly once and never retrievable afterwards.
type OrgResult struct {
	Config       *types.OrgConfig
	Created      bool
	ClientID     string
	ClientSecret string
}

// AppResult reports an app upsert.
type AppResult struct {
	Config       *types.AppConfig
	Created      bool
	ClientID     string
	ClientSecret string
}

// Service performs idempotent create-or-update of orgs and apps.
type Service struct {
	store     storage.Store
	pricebook *config.Pricebook
	clk       clock.Clock
}

func NewService(store storage.Store, pricebook *config.Pricebook, clk clock.Clock) *Service {
	return &Service{store: store, pricebook: pricebook, clk: clk}
}

// UpsertOrg creates or updates an org. Credentials are generated only on
// create; updates never touch the secret.
func (s *Service) UpsertOrg(ctx context.Context, orgID string, req OrgRequest) (*OrgResult, error) {
	if _, err := uuid.Parse(orgID); err != nil {
		return nil, apierr.InvalidRequest("org_id must be a UUID", map[string]any{"org_id": orgID})
	}
	if req.OrgName == "" {
		return nil, apierr.InvalidRequest("org_name is required", nil)
	}
	if !calendar.ValidTimezone(req.Timezone) {
		return nil, apierr.InvalidRequest("timezone must be a valid IANA timezone",
			map[string]any{"timezone": req.Timezone})
	}
	if req.QuotaScope != types.QuotaScopeOrg && req.QuotaScope != types.QuotaScopeApp {
		return nil, apierr.InvalidConfig("quota_scope must be ORG or APP",
			map[string]any{"quota_scope": string(req.QuotaScope)})
	}
	if err := s.validateLadder(req.ModelOrdering, req.Quotas, true); err != nil {
		return nil, err
	}

	now := s.clk.Now().Unix()
	result := &OrgResult{ClientID: credentials.ClientID(orgID, "")}

	existing, err := s.store.GetOrgConfig(ctx, orgID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		secret, gerr := credentials.GenerateSecret()
		if gerr != nil {
			return nil, fmt.Errorf("generate secret: %w", gerr)
		}
		hash, herr := credentials.HashSecret(secret)
		if herr != nil {
			return nil, fmt.Errorf("hash secret: %w", herr)
		}
		result.Created = true
		result.ClientSecret = secret
		existing = &types.OrgConfig{
			OrgID: orgID,
			Credentials: types.CredentialRecord{
				ClientID:             result.ClientID,
				SecretHash:           hash,
				SecretCreatedAtEpoch: now,
			},
			CreatedAtEpoch: now,
		}
	case err != nil:
		return nil, fmt.Errorf("load org config: %w", err)
	}

	existing.OrgName = req.OrgName
	existing.Timezone = req.Timezone
	existing.QuotaScope = req.QuotaScope
	existing.ModelOrdering = req.ModelOrdering
	existing.Quotas = req.Quotas
	existing.ShardCount = req.ShardCount
	existing.TightThresholdPct = req.TightThresholdPct
	existing.Overrides = req.Overrides
	existing.UpdatedAtEpoch = now

	if err := s.store.PutOrgConfig(ctx, existing); err != nil {
		return nil, fmt.Errorf("persist org config: %w", err)
	}

	log.WithComponent("provisioning").Info().
		Str("org_id", orgID).Bool("created", result.Created).Msg("org upserted")
	result.Config = existing
	return result, nil
}

// UpsertApp creates or updates an app under an existing org.
func (s *Service) UpsertApp(ctx context.Context, orgID, appID string, req AppRequest) (*AppResult, error) {
	if !appIDPattern.MatchString(appID) {
		return nil, apierr.InvalidRequest("app_id must be alphanumeric with - or _",
			map[string]any{"app_id": appID})
	}
	if req.AppName == "" {
		return nil, apierr.InvalidRequest("app_name is required", nil)
	}
	if len(req.ModelOrdering) > 0 || len(req.Quotas) > 0 {
		if err := s.validateLadder(req.ModelOrdering, req.Quotas, false); err != nil {
			return nil, err
		}
	}

	if _, err := s.store.GetOrgConfig(ctx, orgID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("organization not found", map[string]any{"org_id": orgID})
		}
		return nil, fmt.Errorf("load org config: %w", err)
	}

	now := s.clk.Now().Unix()
	result := &AppResult{ClientID: credentials.ClientID(orgID, appID)}

	existing, err := s.store.GetAppConfig(ctx, orgID, appID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		secret, gerr := credentials.GenerateSecret()
		if gerr != nil {
			return nil, fmt.Errorf("generate secret: %w", gerr)
		}
		hash, herr := credentials.HashSecret(secret)
		if herr != nil {
			return nil, fmt.Errorf("hash secret: %w", herr)
		}
		result.Created = true
		result.ClientSecret = secret
		existing = &types.AppConfig{
			OrgID: orgID,
			AppID: appID,
			Credentials: types.CredentialRecord{
				ClientID:             result.ClientID,
				SecretHash:           hash,
				SecretCreatedAtEpoch: now,
			},
			CreatedAtEpoch: now,
		}
	case err != nil:
		return nil, fmt.Errorf("load app config: %w", err)
	}

	existing.AppName = req.AppName
	existing.ModelOrdering = req.ModelOrdering
	existing.Quotas = req.Quotas
	existing.Overrides = req.Overrides
	existing.UpdatedAtEpoch = now

	if err := s.store.PutAppConfig(ctx, existing); err != nil {
		return nil, fmt.Errorf("persist app config: %w", err)
	}

	log.WithComponent("provisioning").Info().
		Str("org_id", orgID).Str("app_id", appID).Bool("created", result.Created).
		Msg("app upserted")
	result.Config = existing
	return result, nil
}

// validateLadder checks every ladder label against the pricebook and that
// each label carries a quota. Org ladders must be non-empty; app-level
// overrides may pass an empty ladder alongside quota overrides.
func (s *Service) validateLadder(ladder []string, quotas map[string]int64, requireLadder bool) error {
	if requireLadder && len(ladder) == 0 {
		return apierr.InvalidConfig("model_ordering must not be empty", nil)
	}

	invalid := lo.Filter(ladder, func(label string, _ int) bool {
		_, ok := s.pricebook.Lookup(label)
		return !ok
	})
	if len(invalid) > 0 {
		return apierr.InvalidConfig("model_ordering contains labels missing from the pricebook",
			map[string]any{"invalid_labels": invalid, "valid_labels": s.pricebook.Labels()})
	}

	missing := lo.Filter(ladder, func(label string, _ int) bool {
		_, ok := quotas[label]
		return !ok
	})
	if len(missing) > 0 {
		return apierr.InvalidConfig("quotas must cover every label in model_ordering",
			map[string]any{"missing_quotas": missing})
	}

	for label, quota := range quotas {
		if quota < 0 {
			return apierr.InvalidConfig("quotas must be non-negative",
				map[string]any{"model_label": label, "quota": quota})
		}
	}
	return nil
}
