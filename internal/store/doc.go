// Package store provides persistence for lookout-relay.
//
// # Overview
//
// The relay keeps routing state in memory. The store only records what the
// console needs after the fact: each agent's durable status and last contact,
// and the history of urgent agent alerts.
//
// # Implementations
//
//   - SQLiteStore: production store. The pure Go modernc.org/sqlite driver is
//     the default; github.com/mattn/go-sqlite3 can be selected with
//     database.driver: sqlite3 on cgo builds.
//   - MockStore: in-memory store for tests, with injectable errors and a
//     gate that stalls writes.
//
// # Schema
//
//	agents (agent_id PK, status, last_seen, first_seen, updated_at)
//	alerts (alert_id PK, agent_id, type, severity, title, message, details, notified, created_at)
//
// status is one of online, offline, notified_offline. Timestamps are UTC text
// in a fixed-width layout so ORDER BY on the column is chronological.
//
// # Background writes
//
// AsyncWriter applies writes on one goroutine in FIFO order. Enqueue never
// blocks: a full queue drops the write and reports ErrQueueFull. Failures are
// logged and reported through AsyncWriterConfig.OnResult, never returned to the
// handler that issued them.
package store
