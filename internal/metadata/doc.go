// Package metadata persists cache groups, cache items and their many-to-many
// membership in an embedded SQLite database. Every read and write runs as a
// job on one dedicated goroutine, so group/item read-modify-write sequences
// never interleave. Each job is a single transaction; a failed commit is
// reported as ErrCommitFailure and the next reconciliation pass re-syncs.
//
// Reference counts are explicit: AddToGroup, RemoveFromGroup and DeleteGroup
// adjust cache_items.ref_count in the same transaction as the membership row.
package metadata
