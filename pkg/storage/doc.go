/*
Package storage provides the key-value store adapter for modelmeter state.

The Store interface exposes typed read/write operations for org and app
configuration, inference profiles, sharded usage counters, sticky-fallback
state, the token revocation list, and the pricing cache. The contract is
deliberately narrow: single-key conditional writes, batch gets, and TTL-based
row expiry. Callers never rely on cross-key transactions, which keeps the core
portable to document stores with the same primitives.

The BoltDB implementation folds the logical tables into buckets of one
database file:

	config          ORG#{org}|#            -> OrgConfig
	                ORG#{org}|APP#{app}    -> AppConfig
	profiles        ORG#{org}#APP#{app}|PROFILE#{label} -> InferenceProfile
	counters        {scope}#LABEL#{label}#SH#{i}|DAY#{YYYYMMDD} -> ShardCell
	sticky          {scope}|DAY#{YYYYMMDD} -> StickyState
	revoked_tokens  {jti}                  -> RevokedToken
	pricing_cache   {model_id}|{date[-region]} -> PriceEntry

Conditional writes (ApplyUsage, AdvanceStickyState) run inside a single bolt
write transaction. Bolt serialises writers, so the read-check-mutate sequence
is atomic per key, which is exactly the guarantee the idempotent counter
scheme and the monotone sticky index need.

TTL is cooperative: rows carry expires_at_epoch, reads treat expired rows as
absent, and RunSweeper reclaims space in the background.
*/
package storage
