// Package storage is the persistence layer of the publishing pipeline.
//
// It owns:
//   - Posts, channels and their attachment rows
//   - The atomic claim of due posts
//   - Per-channel delivery status (the ledger the UI reads)
//   - The SQL-backed publish queue (lease/ack/retry/bury)
package storage
