package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"k8s.io/utils/clock"

	"github.com/modelmeter/modelmeter/pkg/log"
	"github.com/modelmeter/modelmeter/pkg/metrics"
	"github.com/modelmeter/modelmeter/pkg/types"
)

var (
	// Bucket names
	bucketConfig   = []byte("config")
	bucketProfiles = []byte("profiles")
	bucketCounters = []byte("counters")
	bucketSticky   = []byte("sticky")
	bucketRevoked  = []byte("revoked_tokens")
	bucketPricing  = []byte("pricing_cache")
	bucketGrants   = []byte("secret_grants")
)

// rootResource is the sort-key marker for an org's own config record.
const rootResource = "#"

// BoltStore implements Store using BoltDB. Every conditional operation runs
// inside a single bolt write transaction, which serialises writers and gives
// the same per-key conditional-update guarantee a document store's condition
// expressions provide.
type BoltStore struct {
	db  *bolt.DB
	clk clock.Clock
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string, clk clock.Clock) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "modelmeter.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketConfig,
			bucketProfiles,
			bucketCounters,
			bucketSticky,
			bucketRevoked,
			bucketPricing,
			bucketGrants,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, clk: clk}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) now() int64 {
	return s.clk.Now().Unix()
}

// expired reports whether a record with the given TTL epoch should be treated
// as absent. Zero means no expiry.
func (s *BoltStore) expired(expiresAtEpoch int64) bool {
	return expiresAtEpoch > 0 && expiresAtEpoch <= s.now()
}

func configKey(orgKey, resourceKey string) []byte {
	return []byte(orgKey + "|" + resourceKey)
}

// Config operations

func (s *BoltStore) GetOrgConfig(ctx context.Context, orgID string) (*types.OrgConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cfg types.OrgConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get(configKey("ORG#"+orgID, rootResource))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) PutOrgConfig(ctx context.Context, cfg *types.OrgConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg.UpdatedAtEpoch = s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfig).Put(configKey("ORG#"+cfg.OrgID, rootResource), data)
	})
}

func (s *BoltStore) MutateOrgConfig(ctx context.Context, orgID string, fn func(*types.OrgConfig) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		key := configKey("ORG#"+orgID, rootResource)
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var cfg types.OrgConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return err
		}
		if err := fn(&cfg); err != nil {
			return err
		}
		cfg.UpdatedAtEpoch = s.now()
		out, err := json.Marshal(&cfg)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *BoltStore) GetAppConfig(ctx context.Context, orgID, appID string) (*types.AppConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cfg types.AppConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get(configKey("ORG#"+orgID, "APP#"+appID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) PutAppConfig(ctx context.Context, cfg *types.AppConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg.UpdatedAtEpoch = s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfig).Put(configKey("ORG#"+cfg.OrgID, "APP#"+cfg.AppID), data)
	})
}

func (s *BoltStore) MutateAppConfig(ctx context.Context, orgID, appID string, fn func(*types.AppConfig) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		key := configKey("ORG#"+orgID, "APP#"+appID)
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var cfg types.AppConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return err
		}
		if err := fn(&cfg); err != nil {
			return err
		}
		cfg.UpdatedAtEpoch = s.now()
		out, err := json.Marshal(&cfg)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// Inference profile operations

func profileKey(orgID, appID, label string) []byte {
	return []byte(fmt.Sprintf("ORG#%s#APP#%s|PROFILE#%s", orgID, appID, label))
}

func (s *BoltStore) PutProfile(ctx context.Context, profile *types.InferenceProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(profile)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProfiles).Put(profileKey(profile.OrgID, profile.AppID, profile.Label), data)
	})
}

func (s *BoltStore) GetProfile(ctx context.Context, orgID, appID, label string) (*types.InferenceProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var profile types.InferenceProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProfiles).Get(profileKey(orgID, appID, label))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &profile)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *BoltStore) ListProfiles(ctx context.Context, orgID, appID string) ([]*types.InferenceProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(fmt.Sprintf("ORG#%s#APP#%s|PROFILE#", orgID, appID))
	var profiles []*types.InferenceProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProfiles).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var profile types.InferenceProfile
			if err := json.Unmarshal(v, &profile); err != nil {
				return err
			}
			profiles = append(profiles, &profile)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

// Sharded counter operations

func cellStoreKey(key CellKey) []byte {
	return []byte(key.ShardKey + "|" + key.DayKey)
}

func (s *BoltStore) ApplyUsage(ctx context.Context, key CellKey, delta types.Usage, requestID string, expiresAtEpoch int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		k := cellStoreKey(key)

		var cell types.ShardCell
		if data := b.Get(k); data != nil {
			if err := json.Unmarshal(data, &cell); err != nil {
				return err
			}
		}

		// Guard: the cell past its TTL counts as absent, which re-opens the
		// idempotency window by design.
		if s.expired(cell.ExpiresAtEpoch) {
			cell = types.ShardCell{}
		}
		if cell.Contains(requestID) {
			return nil
		}

		cell.Add(delta)
		cell.RequestIDs = append(cell.RequestIDs, requestID)
		cell.UpdatedAtEpoch = s.now()
		cell.ExpiresAtEpoch = expiresAtEpoch

		data, err := json.Marshal(&cell)
		if err != nil {
			return err
		}
		if err := b.Put(k, data); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *BoltStore) BatchGetShardCells(ctx context.Context, keys []CellKey) (map[CellKey]*types.ShardCell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := make(map[CellKey]*types.ShardCell, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		for _, key := range keys {
			data := b.Get(cellStoreKey(key))
			if data == nil {
				continue
			}
			var cell types.ShardCell
			if err := json.Unmarshal(data, &cell); err != nil {
				return err
			}
			if s.expired(cell.ExpiresAtEpoch) {
				continue
			}
			result[key] = &cell
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Sticky state operations

func stickyKey(scopeKey, dayKey string) []byte {
	return []byte(scopeKey + "|" + dayKey)
}

func (s *BoltStore) GetStickyState(ctx context.Context, scopeKey, dayKey string) (*types.StickyState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var state types.StickyState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSticky).Get(stickyKey(scopeKey, dayKey))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	if s.expired(state.ExpiresAtEpoch) {
		return nil, ErrNotFound
	}
	return &state, nil
}

func (s *BoltStore) AdvanceStickyState(ctx context.Context, state *types.StickyState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	advanced := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSticky)
		k := stickyKey(state.ScopeKey, state.DayKey)

		if data := b.Get(k); data != nil {
			var stored types.StickyState
			if err := json.Unmarshal(data, &stored); err != nil {
				return err
			}
			// Monotone advance only: the index never retreats within a day.
			if !s.expired(stored.ExpiresAtEpoch) && stored.ActiveModelIndex >= state.ActiveModelIndex {
				return nil
			}
		}

		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		if err := b.Put(k, data); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	return advanced, err
}

// Token revocation operations

func (s *BoltStore) RevokeToken(ctx context.Context, record *types.RevokedToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRevoked).Put([]byte(record.JTI), data)
	})
}

func (s *BoltStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	revoked := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRevoked).Get([]byte(jti))
		if data == nil {
			return nil
		}
		var record types.RevokedToken
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		// A record past the token's original expiry is moot: the token
		// itself no longer verifies.
		revoked = !s.expired(record.ExpiresAtEpoch)
		return nil
	})
	return revoked, err
}

// Secret-retrieval grant operations

func (s *BoltStore) PutSecretGrant(ctx context.Context, grant *types.SecretGrant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(grant)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGrants).Put([]byte(grant.GrantID), data)
	})
}

func (s *BoltStore) ConsumeSecretGrant(ctx context.Context, grantID string) (*types.SecretGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var grant types.SecretGrant
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGrants)
		data := b.Get([]byte(grantID))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &grant); err != nil {
			return err
		}
		if s.expired(grant.ExpiresAtEpoch) {
			return ErrNotFound
		}
		if grant.UsedAtEpoch != 0 {
			return ErrGrantUsed
		}

		// The raw secret never survives redemption; the used marker stays
		// until expiry so replays are distinguishable from unknown grants.
		used := grant
		used.Secret = ""
		used.UsedAtEpoch = s.now()
		out, err := json.Marshal(&used)
		if err != nil {
			return err
		}
		return b.Put([]byte(grantID), out)
	})
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// Pricing cache operations

func pricingStoreKey(modelID, priceKey string) []byte {
	return []byte(modelID + "|" + priceKey)
}

func (s *BoltStore) GetPricing(ctx context.Context, modelID, priceKey string) (*types.PriceEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry types.PriceEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPricing).Get(pricingStoreKey(modelID, priceKey))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	if s.expired(entry.ExpiresAtEpoch) {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (s *BoltStore) PutPricing(ctx context.Context, modelID, priceKey string, entry *types.PriceEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry.FetchedAtEpoch = s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPricing).Put(pricingStoreKey(modelID, priceKey), data)
	})
}

// Ping verifies the store is readable.
func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketConfig) == nil {
			return fmt.Errorf("config bucket missing")
		}
		return nil
	})
}

// RunSweeper deletes expired rows from the TTL-carrying buckets every
// interval until ctx is cancelled. Reads already filter expired rows, so the
// sweeper exists only to reclaim space.
func (s *BoltStore) RunSweeper(ctx context.Context, interval time.Duration) {
	logger := log.WithComponent("storage-sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.StoreSweepsTotal.Inc()
			if removed, err := s.sweepExpired(); err != nil {
				logger.Error().Err(err).Msg("Sweep failed")
			} else if removed > 0 {
				logger.Debug().Int("removed", removed).Msg("Swept expired rows")
			}
		}
	}
}

type expirable struct {
	ExpiresAtEpoch int64 `json:"expires_at_epoch"`
}

func (s *BoltStore) sweepExpired() (int, error) {
	removed := 0
	for _, bucket := range [][]byte{bucketCounters, bucketSticky, bucketRevoked, bucketPricing, bucketGrants} {
		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucket)
			var stale [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var e expirable
				if err := json.Unmarshal(v, &e); err != nil {
					return nil // leave undecodable rows alone
				}
				if s.expired(e.ExpiresAtEpoch) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
				removed++
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}
