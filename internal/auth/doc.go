// Package auth provides the gateway's two authentication mechanisms: HS256
// JWT bearer tokens shared between peer instances for credential sync, and a
// bcrypt-hashed admin key gating the account management API.
package auth
