// ABOUTME: Failure classification and cooldown duration policy
// ABOUTME: Maps upstream status codes to cooldown scopes and expiry instants

package pool

import "time"

// Classification buckets a terminal upstream failure for cooldown purposes.
type Classification int

const (
	// ClassAuthFailure covers 401/403: the credential itself was rejected.
	// Cools the whole account and flags the credential for refresh.
	ClassAuthFailure Classification = iota
	// ClassRateLimit covers 429: quota exhausted for one capability.
	ClassRateLimit
	// ClassUpstreamError covers every other terminal failure, including
	// timeouts that carried no more specific signal.
	ClassUpstreamError
)

// String returns the classification name for logs and cooldown reasons.
func (c Classification) String() string {
	switch c {
	case ClassAuthFailure:
		return "auth_failure"
	case ClassRateLimit:
		return "rate_limit"
	case ClassUpstreamError:
		return "upstream_error"
	default:
		return "unknown"
	}
}

// ClassifyStatus maps an upstream HTTP status code to a Classification.
func ClassifyStatus(code int) Classification {
	switch code {
	case 401, 403:
		return ClassAuthFailure
	case 429:
		return ClassRateLimit
	default:
		return ClassUpstreamError
	}
}

// cooldownUntil computes the expiry instant for a failure observed at now.
// Rate limits expire at now+duration or at the next daily quota-reset
// boundary, whichever comes first.
func (p *Pool) cooldownUntil(now time.Time, class Classification) time.Time {
	switch class {
	case ClassAuthFailure:
		return now.Add(p.cfg.AuthCooldown)
	case ClassRateLimit:
		until := now.Add(p.cfg.RateLimitCooldown)
		if boundary := nextQuotaReset(now, p.cfg.QuotaResetZone); boundary.Before(until) {
			until = boundary
		}
		return until
	default:
		return now.Add(p.cfg.GenericCooldown)
	}
}

// nextQuotaReset returns the next midnight in the quota-reset zone.
// The zone is a fixed UTC offset; daylight-saving shifts are ignored.
func nextQuotaReset(now time.Time, zone *time.Location) time.Time {
	local := now.In(zone)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, zone)
}
