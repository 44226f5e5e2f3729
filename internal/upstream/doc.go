// Package upstream implements the vendor assist protocol: the cookie-based
// token exchange, session creation, the streaming chat submission, and the
// incremental decoder for the concatenated-JSON push stream the vendor emits.
//
// The client is credential-agnostic: cookie blobs and team ids come from
// store.Account fields and are never interpreted here. Non-200 responses
// surface as *StatusError so callers can classify them into cooldowns.
package upstream
