// Package domain holds the shared domain types for the Satchel offline
// engine: cached domain records, pending mutations, and their state
// machines.
//
// This package contains type definitions only. All other internal packages
// import domain; domain imports nothing internal, which keeps it the
// foundational layer with no circular dependencies.
//
// Persisted timestamps are unix milliseconds (int64) so they round-trip
// through SQLite INTEGER columns and canonical JSON without precision loss.
// All JSON tags use snake_case.
package domain
