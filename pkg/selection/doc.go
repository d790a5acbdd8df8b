/*
Package selection recommends which model label a caller should use, based on
the org's ordered ladder and per-label daily quotas.

The first label whose spend is under quota wins. Once the preferred label is
exhausted the engine pins the caller at the fallback for the rest of the day
(sticky fallback): without that hysteresis a near-quota tenant would oscillate
between models as concurrent submissions cross and re-cross the threshold.
The sticky index is monotone non-decreasing within a (scope, day) and resets
at day rollover because the day is part of its key.

Recommendations are advisory. Enforcement lives in clients, guided by the
TIGHT/NORMAL mode and its recheck interval.
*/
package selection
