// Package config handles configuration loading for warren-gateway.
//
// Configuration is loaded from a single YAML file with environment variable
// expansion (${VAR_NAME}) and Go duration-string parsing for all timing
// fields. Load applies defaults for unset tunables and validates required
// fields before returning.
//
// Sections: server (listen address, external base URL), database (sqlite
// path), upstream (vendor API endpoints, proxy, timeouts), pool (cooldown
// durations, token TTL, session thresholds, quota-reset offset), media
// (cache dir and TTLs), refresh (trigger interval, headless mode), sync
// (peer list, shared secret, sync-only mode), auth (admin key digest),
// logging, and the exposed model list.
package config
