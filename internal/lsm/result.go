// Package lsm holds the small set of types shared across the memory level,
// the disk levels, and the database facade — grounded on original_source's
// GetResult enum (src/data/mod.rs).
package lsm

// Status is the outcome of a point lookup at a single level.
type Status int

const (
	// NotFound means the level has no record at all for the key; the
	// caller should fall through to the next, deeper level.
	NotFound Status = iota
	// Deleted means the newest record for the key at this level is a
	// tombstone; the caller must stop here and report "no value", even if
	// a deeper level still holds an older Put.
	Deleted
	// Found means the newest record for the key at this level is a Put;
	// Value holds it.
	Found
)

// GetResult is the result of a point lookup against one level.
type GetResult struct {
	Status Status
	Value  int32
}

// NotFoundResult is the shared NotFound sentinel.
func NotFoundResult() GetResult { return GetResult{Status: NotFound} }

// DeletedResult is the shared Deleted sentinel.
func DeletedResult() GetResult { return GetResult{Status: Deleted} }

// FoundResult wraps a value found at a level.
func FoundResult(v int32) GetResult { return GetResult{Status: Found, Value: v} }

// Pair is a materialized (key, value) result of a range scan.
type Pair struct {
	Key int32
	Val int32
}
