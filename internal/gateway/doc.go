// Package gateway is the HTTP front of warren-gateway. It translates
// OpenAI-style chat completion requests onto the pooled upstream accounts,
// serves generated media, and exposes the status, admin, and credential
// sync endpoints.
package gateway
