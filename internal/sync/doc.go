// Package sync replicates refreshed account credentials across gateway
// instances: a pusher that fans results out to configured peers over
// authenticated HTTP, and an ingest handler that applies pushes locally.
// The flow is strictly one hop; ingested credentials are never re-pushed.
package sync
