// Package store provides persistence for warren-gateway account records.
//
// The Store interface exposes CRUD over Account records: opaque upstream
// credentials, the administrator availability flag, account- and
// capability-scoped cooldown timestamps, and bookkeeping times. Token and
// session caches are deliberately not persisted; they are in-memory state
// owned by the pool and rebuilt lazily after a restart.
//
// Two implementations exist: SQLiteStore (modernc.org/sqlite, WAL mode,
// auto-created schema) for production and MockStore for tests.
package store
