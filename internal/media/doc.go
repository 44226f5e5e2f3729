// Package media persists generated images and videos to a local file cache
// and serves them back over HTTP. Entries expire on a per-kind TTL; the
// cache makes no durability promises beyond that window.
package media
