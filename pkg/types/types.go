package types

// QuotaScope determines the aggregation partition for counters and sticky
// state: org-wide or per-app.
type QuotaScope string

const (
	QuotaScopeOrg QuotaScope = "ORG"
	QuotaScopeApp QuotaScope = "APP"
)

// SubmissionStatus is the reported outcome of an upstream inference call.
type SubmissionStatus string

const (
	StatusOK    SubmissionStatus = "OK"
	StatusError SubmissionStatus = "ERROR"
)

// Defaults applied when an org config omits the optional knobs.
const (
	DefaultShardCount        = 8
	DefaultTightThresholdPct = 95.0
	DefaultRetentionDays     = 32
)

// CredentialRecord holds the credential material stored for an org or app.
// Raw secrets are never persisted; only argon2id hashes.
type CredentialRecord struct {
	ClientID             string `json:"client_id"`
	SecretHash           string `json:"client_secret_hash"`
	OldSecretHash        string `json:"old_secret_hash,omitempty"`
	GraceExpiresAtEpoch  int64  `json:"grace_expires_at_epoch,omitempty"`
	SecretCreatedAtEpoch int64  `json:"client_secret_created_at_epoch"`
}

// OrgConfig is the root configuration record for an organization.
type OrgConfig struct {
	OrgID             string           `json:"org_id"`
	OrgName           string           `json:"org_name"`
	Timezone          string           `json:"timezone"`
	QuotaScope        QuotaScope       `json:"quota_scope"`
	ModelOrdering     []string         `json:"model_ordering"`
	Quotas            map[string]int64 `json:"quotas"`
	ShardCount        int              `json:"agg_shard_count,omitempty"`
	TightThresholdPct float64          `json:"tight_mode_threshold_pct,omitempty"`
	Credentials       CredentialRecord `json:"credentials"`
	// Overrides carries forward-compatible fields the core ignores.
	Overrides      map[string]any `json:"overrides,omitempty"`
	CreatedAtEpoch int64          `json:"created_at_epoch"`
	UpdatedAtEpoch int64          `json:"updated_at_epoch"`
}

// AppConfig is an application nested under an org. Ladder and quotas are
// optional overrides; nil means "inherit from org".
type AppConfig struct {
	OrgID          string           `json:"org_id"`
	AppID          string           `json:"app_id"`
	AppName        string           `json:"app_name"`
	ModelOrdering  []string         `json:"model_ordering,omitempty"`
	Quotas         map[string]int64 `json:"quotas,omitempty"`
	Credentials    CredentialRecord `json:"credentials"`
	Overrides      map[string]any   `json:"overrides,omitempty"`
	CreatedAtEpoch int64            `json:"created_at_epoch"`
	UpdatedAtEpoch int64            `json:"updated_at_epoch"`
}

// EffectiveConfig is the org config with app-level overrides applied
// per-field. This is what the metering core and selection engine consume.
type EffectiveConfig struct {
	Timezone          string
	QuotaScope        QuotaScope
	ModelOrdering     []string
	Quotas            map[string]int64
	ShardCount        int
	TightThresholdPct float64
}

// Effective merges an org config with an optional app config. App-level
// ladder and quotas replace the org's wholesale when present.
func Effective(org *OrgConfig, app *AppConfig) EffectiveConfig {
	eff := EffectiveConfig{
		Timezone:          org.Timezone,
		QuotaScope:        org.QuotaScope,
		ModelOrdering:     org.ModelOrdering,
		Quotas:            org.Quotas,
		ShardCount:        org.ShardCount,
		TightThresholdPct: org.TightThresholdPct,
	}
	if app != nil {
		if len(app.ModelOrdering) > 0 {
			eff.ModelOrdering = app.ModelOrdering
		}
		if len(app.Quotas) > 0 {
			eff.Quotas = app.Quotas
		}
	}
	if eff.ShardCount <= 0 {
		eff.ShardCount = DefaultShardCount
	}
	if eff.TightThresholdPct <= 0 {
		eff.TightThresholdPct = DefaultTightThresholdPct
	}
	return eff
}

// InferenceProfile is a region-parameterised indirection to model identifiers,
// registered per app. RegionModels maps region -> model id and is never empty
// for a stored profile.
type InferenceProfile struct {
	OrgID          string            `json:"org_id"`
	AppID          string            `json:"app_id"`
	Label          string            `json:"profile_label"`
	ARN            string            `json:"inference_profile_arn"`
	RegionModels   map[string]string `json:"region_models"`
	Description    string            `json:"description,omitempty"`
	CreatedAtEpoch int64             `json:"created_at_epoch"`
}

// Usage is a componentwise-summable usage vector. All money is integer
// micro-USD.
type Usage struct {
	CostUSDMicros int64 `json:"cost_usd_micros"`
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	Requests      int64 `json:"requests"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.CostUSDMicros += other.CostUSDMicros
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Requests += other.Requests
}

// ShardCell is one idempotent counter cell for a (scope, day, label, shard)
// tuple. RequestIDs is the set of request ids already applied to this cell.
type ShardCell struct {
	Usage
	RequestIDs     []string `json:"request_ids"`
	UpdatedAtEpoch int64    `json:"updated_at_epoch"`
	ExpiresAtEpoch int64    `json:"expires_at_epoch"`
}

// Contains reports whether requestID has already been applied to the cell.
func (c *ShardCell) Contains(requestID string) bool {
	for _, id := range c.RequestIDs {
		if id == requestID {
			return true
		}
	}
	return false
}

// StickyState pins the model recommendation at a ladder index for the rest of
// the day. The stored index is monotone non-decreasing within a (scope, day).
type StickyState struct {
	ScopeKey           string `json:"scope_key"`
	DayKey             string `json:"day_key"`
	ActiveModelLabel   string `json:"active_model_label"`
	ActiveModelIndex   int    `json:"active_model_index"`
	Reason             string `json:"reason"`
	PreviousModelLabel string `json:"previous_model_label,omitempty"`
	ActivatedAtEpoch   int64  `json:"activated_at_epoch"`
	ExpiresAtEpoch     int64  `json:"expires_at_epoch"`
}

// RevokedToken is a revocation-list entry. ExpiresAtEpoch equals the token's
// original exp so the list is self-pruning.
type RevokedToken struct {
	JTI                 string `json:"token_jti"`
	TokenType           string `json:"token_type"`
	ClientID            string `json:"client_id"`
	RevokedAtEpoch      int64  `json:"revoked_at_epoch"`
	OriginalExpiryEpoch int64  `json:"original_expiry_epoch"`
	ExpiresAtEpoch      int64  `json:"expires_at_epoch"`
}

// SecretGrant is a one-time retrieval grant for a rotated client secret. The
// raw secret lives in the grant only until redemption or expiry; redemption
// erases it and marks the grant used so a replay is detectable until the
// record expires.
type SecretGrant struct {
	GrantID        string `json:"grant_id"`
	ClientID       string `json:"client_id"`
	Secret         string `json:"secret,omitempty"`
	CreatedAtEpoch int64  `json:"created_at_epoch"`
	ExpiresAtEpoch int64  `json:"expires_at_epoch"`
	UsedAtEpoch    int64  `json:"used_at_epoch,omitempty"`
}

// PriceEntry is a cached or static price for a model. Prices are micro-USD per
// 1,000,000 tokens.
type PriceEntry struct {
	InputPriceUSDMicrosPer1M  int64  `json:"input_price_usd_micros_per_1m"`
	OutputPriceUSDMicrosPer1M int64  `json:"output_price_usd_micros_per_1m"`
	Source                    string `json:"source,omitempty"`
	FetchedAtEpoch            int64  `json:"fetched_at_epoch,omitempty"`
	ExpiresAtEpoch            int64  `json:"expires_at_epoch,omitempty"`
}

// Subject is the authenticated caller identity bound to a token.
type Subject struct {
	ClientID string
	OrgID    string
	AppID    string // empty for org-level clients
}
