// Package storage persists finished utterances as an append-only history audit log.
//
// The log is write-only from the relay's point of view: nothing is read back into
// the queue or the timeline at startup. RecentHistory serves the /history API.
//
// Drivers:
//   - "file": JSON Lines, dependency-free
//   - "sqlite": modernc.org/sqlite (pure Go)
package storage
