// Package stores provides the SQLite-backed sync state store. It persists
// sync operations and item mappings, and is the sole source of truth for
// sync history between the issue tracker and the time-tracking system.
package stores
