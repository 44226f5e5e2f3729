// Package stream turns the vendor's push stream into ordered client deltas:
// a role marker, visible text, URLs for materialized generated media, and a
// terminal done or error marker. Thought/reasoning output never reaches the
// client, and consumer cancellation closes the upstream body promptly.
package stream
