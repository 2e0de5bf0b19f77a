// Package store persists tracker records.
//
// Drivers:
//   - "yaml": a single trackers.yml document keyed by tracker name
//   - "sqlite": one JSON record per row in a SQLite database
//
// Loading skips individually malformed records and reports them instead of
// failing, and rewrites legacy trigger ids to their canonical form.
package store
