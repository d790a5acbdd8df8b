package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelmeter/modelmeter/pkg/types"
)

// ErrNotFound is returned by Get operations when no record exists (or the
// record's TTL has passed).
var ErrNotFound = errors.New("storage: not found")

// ErrGrantUsed is returned when a one-time secret-retrieval grant has already
// been redeemed.
var ErrGrantUsed = errors.New("storage: grant already used")

// CellKey addresses one sharded counter cell.
type CellKey struct {
	ShardKey string // "{scope}#LABEL#{label}#SH#{i}"
	DayKey   string // "DAY#YYYYMMDD"
}

// Store is the key-value capability interface the core runs against. The
// contract mirrors what a conditional-update document store provides: atomic
// single-key conditional writes, batch gets, and TTL-based row expiry. No
// cross-key transaction is ever assumed by callers.
type Store interface {
	// Config
	GetOrgConfig(ctx context.Context, orgID string) (*types.OrgConfig, error)
	PutOrgConfig(ctx context.Context, cfg *types.OrgConfig) error
	// MutateOrgConfig applies fn to the stored record and writes the result
	// atomically. Used for credential rotation.
	MutateOrgConfig(ctx context.Context, orgID string, fn func(*types.OrgConfig) error) error
	GetAppConfig(ctx context.Context, orgID, appID string) (*types.AppConfig, error)
	PutAppConfig(ctx context.Context, cfg *types.AppConfig) error
	MutateAppConfig(ctx context.Context, orgID, appID string, fn func(*types.AppConfig) error) error

	// Inference profiles
	PutProfile(ctx context.Context, profile *types.InferenceProfile) error
	GetProfile(ctx context.Context, orgID, appID, label string) (*types.InferenceProfile, error)
	ListProfiles(ctx context.Context, orgID, appID string) ([]*types.InferenceProfile, error)

	// Sharded counters. ApplyUsage performs the single conditional write at
	// the heart of the metering core: if requestID is already contained in
	// the cell the write is a no-op and (false, nil) is returned; otherwise
	// the deltas are added, requestID is recorded, and (true, nil) is
	// returned.
	ApplyUsage(ctx context.Context, key CellKey, delta types.Usage, requestID string, expiresAtEpoch int64) (bool, error)
	// BatchGetShardCells reads all requested cells; absent cells are simply
	// missing from the result map.
	BatchGetShardCells(ctx context.Context, keys []CellKey) (map[CellKey]*types.ShardCell, error)

	// Sticky-fallback state
	GetStickyState(ctx context.Context, scopeKey, dayKey string) (*types.StickyState, error)
	// AdvanceStickyState writes state only if no state exists for the
	// (scope, day) or the stored index is lower than state's. Returns false
	// when the guard fails.
	AdvanceStickyState(ctx context.Context, state *types.StickyState) (bool, error)

	// Token revocation
	RevokeToken(ctx context.Context, record *types.RevokedToken) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)

	// One-time secret-retrieval grants. ConsumeSecretGrant redeems a grant
	// atomically: the first call returns the grant with its secret and marks
	// it used; later calls return ErrGrantUsed until the record expires.
	PutSecretGrant(ctx context.Context, grant *types.SecretGrant) error
	ConsumeSecretGrant(ctx context.Context, grantID string) (*types.SecretGrant, error)

	// Pricing cache
	GetPricing(ctx context.Context, modelID, priceKey string) (*types.PriceEntry, error)
	PutPricing(ctx context.Context, modelID, priceKey string, entry *types.PriceEntry) error

	// Ping verifies the store is reachable and writable enough to serve.
	Ping(ctx context.Context) error
	Close() error
}

// ScopeKey builds the canonical aggregation partition key. ORG scope ignores
// the app; APP scope nests it.
func ScopeKey(scope types.QuotaScope, orgID, appID string) string {
	if scope == types.QuotaScopeApp && appID != "" {
		return fmt.Sprintf("ORG#%s#APP#%s", orgID, appID)
	}
	return fmt.Sprintf("ORG#%s", orgID)
}

// ShardKey builds the counter partition key for one shard.
func ShardKey(scopeKey, label string, shard int) string {
	return fmt.Sprintf("%s#LABEL#%s#SH#%d", scopeKey, label, shard)
}

// TotalKey builds the daily-total partition key for a label.
func TotalKey(scopeKey, label string) string {
	return fmt.Sprintf("%s#LABEL#%s", scopeKey, label)
}
