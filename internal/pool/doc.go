// Package pool manages the account pool: round-robin selection across
// quota-limited upstream accounts, cooldown bookkeeping, and the per-account
// token and session lifecycle.
//
// All pool metadata is guarded by one mutex. Upstream exchanges (token
// issuance, session creation) run outside the lock and their results are
// installed under it, so a slow handshake on one account never blocks
// selection on another. Eligibility is always derived from stored timestamps
// against the injected clock; there is no background expiry job.
package pool
