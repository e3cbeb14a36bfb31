// Package disklevel implements a disk level L >= 1 (spec §3, §4.E): an
// ordered, non-overlapping sequence of tables backed by files under
// "{root}/level{L}/". Grounded on original_source's
// src/database/disk_level.rs.
package disklevel

import (
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/flashkv/flashkv/internal/block"
	"github.com/flashkv/flashkv/internal/config"
	"github.com/flashkv/flashkv/internal/lsm"
	"github.com/flashkv/flashkv/internal/table"
)

// Level is an ordered, non-overlapping sequence of tables. Its embedded
// RWMutex is the lock the Database facade acquires around it (§5): readers
// RLock one level at a time and release before moving to the next; a flush
// or cascading compaction write-locks at most two adjacent levels at once,
// always in shallow-to-deep order.
type Level struct {
	sync.RWMutex

	num       int // 1-indexed disk level number
	directory string
	tables    []*table.Table // sorted by MinKey, pairwise disjoint ranges
}

// New reconstructs a disk level from whatever table files already live
// under dataDir/level{num}. Any file whose name does not parse as a
// "min_max" pair (in particular an in-progress builder's temp name) is
// ignored (§6).
func New(dataDir string, num int) (*Level, error) {
	dir := filepath.Join(dataDir, "level"+strconv.Itoa(num))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "disklevel %d: mkdir %s", num, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "disklevel %d: read %s", num, dir)
	}

	l := &Level{num: num, directory: dir}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if !table.IsTableFileName(e.Name()) {
			continue // in-progress builder temp file; ignore
		}
		t, err := table.LoadExisting(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "disklevel %d: reconstruct %s", num, e.Name())
		}
		l.tables = append(l.tables, t)
	}

	l.SortTables()
	return l, nil
}

// NumberOf returns the level's 1-indexed number.
func (l *Level) NumberOf() int { return l.num }

// Directory returns the directory the level's files live under.
func (l *Level) Directory() string { return l.directory }

// Tables returns the level's tables, sorted by MinKey.
func (l *Level) Tables() []*table.Table { return l.tables }

// TakeTables removes and returns every table currently in the level,
// leaving it empty. Used by the compaction cascade to drain a level that is
// about to be merged wholesale into its successor (§4.F, §4.G).
func (l *Level) TakeTables() []*table.Table {
	t := l.tables
	l.tables = nil
	return t
}

// AppendTables appends newly built tables and restores sorted order.
func (l *Level) AppendTables(ts []*table.Table) {
	l.tables = append(l.tables, ts...)
	l.SortTables()
}

// SetTables replaces the level's tables wholesale and restores sorted
// order. Used by compaction to swap in the result of a merge in one step.
func (l *Level) SetTables(ts []*table.Table) {
	l.tables = ts
	l.SortTables()
}

// SortTables restores the level's sorted-by-MinKey order. Must be called
// after any mutation of the tables slice.
func (l *Level) SortTables() {
	sort.Slice(l.tables, func(i, j int) bool {
		return l.tables[i].MinKey() < l.tables[j].MinKey()
	})
}

// FileCapacity is C(L) = C1 * S^(L-1).
func (l *Level) FileCapacity() int {
	cap := config.Level1FileCapacity
	for i := 1; i < l.num; i++ {
		cap *= config.SizeMultiplier
	}
	return cap
}

// IsOverCapacity reports whether the level holds more tables than its
// budget allows.
func (l *Level) IsOverCapacity() bool {
	return len(l.tables) > l.FileCapacity()
}

// SizeBytes sums the file sizes of every table in the level.
func (l *Level) SizeBytes() int64 {
	var total int64
	for _, t := range l.tables {
		total += t.FileSize()
	}
	return total
}

// findTable returns the index of the table whose range contains key, or
// (-1, insertionIndex) if none does — insertionIndex is the index a new
// table covering key would be inserted at, preserving sort order.
func (l *Level) findTable(key int32) (idx int, insertAt int) {
	lo, hi := 0, len(l.tables)
	for lo < hi {
		mid := (lo + hi) / 2
		t := l.tables[mid]
		switch {
		case key < t.MinKey():
			hi = mid
		case key > t.MaxKey():
			lo = mid + 1
		default:
			return mid, mid
		}
	}
	return -1, lo
}

func findBlock(t *table.Table, key int32) (idx int, ok bool) {
	index := t.Index()
	lo, hi := 0, len(index)
	for lo < hi {
		mid := (lo + hi) / 2
		fe := index[mid]
		switch {
		case key < fe.Min:
			hi = mid
		case key > fe.Max:
			lo = mid + 1
		default:
			return mid, true
		}
	}
	return lo, false
}

// Get looks up key: table search by key-range binary probe, a Bloom-filter
// check to skip tables that definitely don't hold the key, a fence-index
// binary search to the candidate block, then a linear scan of that one
// block with early termination once a larger key is seen (§4.E).
func (l *Level) Get(key int32) (lsm.GetResult, error) {
	idx, _ := l.findTable(key)
	if idx < 0 {
		return lsm.NotFoundResult(), nil
	}
	t := l.tables[idx]

	if !t.Bloom().MaybeContains(key) {
		return lsm.NotFoundResult(), nil
	}

	blockIdx, ok := findBlock(t, key)
	if !ok {
		return lsm.NotFoundResult(), nil
	}

	for cmd := range t.Commands(blockIdx, false) {
		if cmd.Key > key {
			break // block is sorted; no need to read further
		}
		if cmd.Key == key {
			if cmd.IsDelete() {
				return lsm.DeletedResult(), nil
			}
			return lsm.FoundResult(cmd.Val), nil
		}
	}

	return lsm.NotFoundResult(), nil
}

// LocateStartBlock finds where a range scan starting at key should begin:
// if key is below the level entirely, (0, 0, true); if it falls inside or
// between tables, the first table at or after key and the block within it
// to start from; if key is above every table, (_, _, false).
func (l *Level) LocateStartBlock(key int32) (tableIdx, blockIdx int, ok bool) {
	if len(l.tables) == 0 {
		return 0, 0, false
	}

	idx, insertAt := l.findTable(key)
	if idx >= 0 {
		bi, found := findBlock(l.tables[idx], key)
		if found {
			return idx, bi, true
		}
		return idx, bi, true
	}

	if insertAt >= len(l.tables) {
		return 0, 0, false
	}
	return insertAt, 0, true
}

// RangeFrom iterates, in ascending key order, every command from
// locate_start_block(lo) onward across the rest of the level's tables.
func (l *Level) RangeFrom(lo int32) iter.Seq[block.Command] {
	tableIdx, blockIdx, ok := l.LocateStartBlock(lo)
	return func(yield func(block.Command) bool) {
		if !ok {
			return
		}
		for ti := tableIdx; ti < len(l.tables); ti++ {
			start := 0
			if ti == tableIdx {
				start = blockIdx
			}
			for cmd := range l.tables[ti].Commands(start, false) {
				if !yield(cmd) {
					return
				}
			}
		}
	}
}
