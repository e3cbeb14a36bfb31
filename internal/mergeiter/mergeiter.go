// Package mergeiter implements the k-way ascending merge shared by range
// scans and compaction (spec §4.F, §4.G): given several already-sorted
// command streams, produce one sorted stream where, on a key collision, the
// earlier source in the argument list wins and every other source's record
// for that key is discarded.
//
// Grounded on original_source's src/data/merge_iter.rs, generalized from its
// fixed two-way (source, destination) merge to an arbitrary number of
// sources using Go 1.23's iter.Pull, since both compaction ("the newer
// source table wins over the older destination table") and a Range scan
// ("a shallower level masks a deeper one") are the identical merge with
// different precedence lists.
package mergeiter

import (
	"iter"

	"github.com/flashkv/flashkv/internal/block"
)

type cursor struct {
	next func() (block.Command, bool)
	cmd  block.Command
	ok   bool
}

// Merge returns the ascending merge of sources. Every source must itself
// yield commands in strictly ascending key order — the same contract a
// MemLevel traversal or a Table's block-ordered Commands iterator upholds.
// On a key present in more than one source, the command from the
// lowest-indexed source is yielded and the rest are dropped, so callers
// order sources from "most authoritative" to "least".
func Merge(sources ...iter.Seq[block.Command]) iter.Seq[block.Command] {
	return func(yield func(block.Command) bool) {
		cursors := make([]*cursor, len(sources))
		for i, s := range sources {
			next, stop := iter.Pull(s)
			defer stop()
			c := &cursor{next: next}
			c.cmd, c.ok = next()
			cursors[i] = c
		}

		for {
			winner := -1
			for i, c := range cursors {
				if !c.ok {
					continue
				}
				if winner == -1 || c.cmd.Key < cursors[winner].cmd.Key {
					winner = i
				}
			}
			if winner == -1 {
				return
			}

			key := cursors[winner].cmd.Key
			out := cursors[winner].cmd
			if !yield(out) {
				return
			}
			cursors[winner].cmd, cursors[winner].ok = cursors[winner].next()

			for i, c := range cursors {
				if i == winner || !c.ok {
					continue
				}
				if c.cmd.Key == key {
					c.cmd, c.ok = c.next()
				}
			}
		}
	}
}
