/*
Package metering is the idempotent usage-accounting core.

Every submission is priced server-side and applied to exactly one counter
shard with a single conditional write:

	┌───────────── SUBMISSION ─────────────┐
	│ validate timestamp window            │
	│ resolve label -> model id            │
	│ price (memo -> cache -> pricebook)   │
	│ shard = SHA-256(request_id) mod N    │
	│ conditional add, guarded by          │
	│   request_id ∉ stored ids            │
	└──────────────────────────────────────┘

Repeat submissions of the same request id within the retention window are
acknowledged without effect, so client retries are safe. Counters are sharded
per (scope, day, label) to spread concurrent writers; reads fan in across all
shards and are eventually consistent up to in-flight writes.

Day attribution always uses "today" in the org's timezone. The submission's
own timestamp is validated for freshness but never chooses the day: the
aggregate is a live budget, not a historical journal.
*/
package metering
