// Package storage persists subscribers and their scheduled drip messages.
//
// Two drivers are supported:
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": server database through pgx's database/sql driver
//
// Both share the same queries; placeholders are written as '?' and rebound
// per dialect. Timestamps are stored as unix milliseconds.
package storage
