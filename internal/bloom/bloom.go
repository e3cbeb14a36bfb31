// Package bloom provides the per-table membership filter (spec §4.A). It is
// a thin wrapper over github.com/bits-and-blooms/bloom/v3, fixed to a
// constant bit-array size so every table's filter has identical shape
// regardless of how many keys it ends up holding.
package bloom

import (
	bloomlib "github.com/bits-and-blooms/bloom/v3"
)

// Filter is a fixed-size probabilistic set. It never reports a false
// negative: Put(k) guarantees a later MaybeContains(k) returns true. A
// positive result is not authoritative — callers must still verify against
// the underlying data.
type Filter struct {
	f *bloomlib.BloomFilter
}

// New returns an empty filter with m bits and k hash functions.
func New(m uint, k uint) *Filter {
	return &Filter{f: bloomlib.New(m, k)}
}

// Put records key as a (probable) member of the set.
func (f *Filter) Put(key int32) {
	f.f.Add(keyBytes(key))
}

// MaybeContains reports whether key might be in the set. False means key is
// definitely absent; true means key might be present (or might be a false
// positive).
func (f *Filter) MaybeContains(key int32) bool {
	return f.f.Test(keyBytes(key))
}

func keyBytes(key int32) []byte {
	var b [4]byte
	b[0] = byte(key >> 24)
	b[1] = byte(key >> 16)
	b[2] = byte(key >> 8)
	b[3] = byte(key)
	return b[:]
}
