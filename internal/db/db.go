// Package db implements the Database facade (spec §4.G): it owns the
// MemLevel and the fixed array of disk levels, dispatches PUT/GET/DELETE/
// LOAD/RANGE/STATS, and enforces the concurrency discipline of §5 — shallow-
// to-deep lock acquisition, release-before-advance reads, and brief
// dual-lock windows during a flush or a cascading compaction.
//
// Grounded on original_source's src/database/mod.rs for the dispatch and
// locking shape.
package db

import (
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/flashkv/flashkv/internal/block"
	"github.com/flashkv/flashkv/internal/compaction"
	"github.com/flashkv/flashkv/internal/config"
	"github.com/flashkv/flashkv/internal/disklevel"
	"github.com/flashkv/flashkv/internal/lsm"
	"github.com/flashkv/flashkv/internal/memlevel"
	"github.com/flashkv/flashkv/internal/mergeiter"
	"github.com/flashkv/flashkv/internal/table"
)

// Database owns the MemLevel and every disk level and is the only
// process-wide state a server passes, by shared reference, to every
// connection handler (§9 "Global mutable state").
type Database struct {
	dataDir string
	log     *slog.Logger

	memMu sync.RWMutex
	mem   *memlevel.Level

	levels []*disklevel.Level // levels[0] is disk level 1, levels[N-1] is the terminal level

	stats *statistics
}

// Open reconstructs a Database from whatever already lives under dataDir,
// or creates a fresh empty one if the directory is new.
func Open(dataDir string, log *slog.Logger) (*Database, error) {
	if log == nil {
		log = slog.Default()
	}

	d := &Database{
		dataDir: dataDir,
		log:     log,
		mem:     memlevel.New(),
		levels:  make([]*disklevel.Level, config.NumLevels),
		stats:   newStatistics(),
	}

	for i := 0; i < config.NumLevels; i++ {
		lvl, err := disklevel.New(dataDir, i+1)
		if err != nil {
			return nil, errors.Wrapf(err, "db: open level %d", i+1)
		}
		d.levels[i] = lvl
	}

	return d, nil
}

// Put records key -> val, flushing and cascading if the write fills the
// in-memory buffer.
func (d *Database) Put(key, val int32) error {
	timer := d.stats.startTimer()
	defer func() { d.stats.recordPut(timer) }()

	flushed := d.insertIntoMem(func() { d.mem.Insert(key, val) })
	if flushed == nil {
		return nil
	}
	return d.flushAndCascade(flushed)
}

// Delete records a tombstone for key, flushing and cascading if needed.
func (d *Database) Delete(key int32) error {
	timer := d.stats.startTimer()
	defer func() { d.stats.recordDelete(timer) }()

	flushed := d.insertIntoMem(func() { d.mem.Delete(key) })
	if flushed == nil {
		return nil
	}
	return d.flushAndCascade(flushed)
}

// insertIntoMem applies mutate to the current MemLevel under its lock and,
// if the level is now full, atomically swaps in a fresh empty one and
// returns the full level for the caller to flush outside the lock —
// handlers must never hold a lock across the file I/O of a flush (§5).
func (d *Database) insertIntoMem(mutate func()) *memlevel.Level {
	d.memMu.Lock()
	mutate()
	var flushed *memlevel.Level
	if uint32(d.mem.Len()) >= config.MemCapacity {
		flushed = d.mem
		d.mem = memlevel.New()
	}
	d.memMu.Unlock()
	return flushed
}

// Get looks up key across the in-memory buffer and every disk level in
// order, returning the first conclusive result. A Deleted result shadows
// whatever value may still exist at a deeper level.
func (d *Database) Get(key int32) (lsm.GetResult, error) {
	timer := d.stats.startTimer()
	defer func() { d.stats.recordGet(timer) }()

	d.memMu.RLock()
	r := d.mem.Get(key)
	d.memMu.RUnlock()
	if r.Status != lsm.NotFound {
		return r, nil
	}

	for _, lvl := range d.levels {
		lvl.RLock()
		r, err := lvl.Get(key)
		lvl.RUnlock()
		if err != nil {
			return lsm.NotFoundResult(), errors.Wrap(err, "db: get")
		}
		if r.Status != lsm.NotFound {
			return r, nil
		}
	}

	return lsm.NotFoundResult(), nil
}

// Range materializes, in ascending key order, every (k, v) pair with
// lo <= k < hi whose newest surviving command is a Put (§4.G, §8 property 3).
func (d *Database) Range(lo, hi int32) ([]lsm.Pair, error) {
	timer := d.stats.startTimer()
	defer func() { d.stats.recordRange(timer) }()

	streams := make([][]block.Command, 0, len(d.levels)+1)

	d.memMu.RLock()
	streams = append(streams, materialize(d.mem.RangeFrom(lo)))
	d.memMu.RUnlock()

	for _, lvl := range d.levels {
		lvl.RLock()
		streams = append(streams, materialize(lvl.RangeFrom(lo)))
		lvl.RUnlock()
	}

	seqs := make([]iter.Seq[block.Command], len(streams))
	for i, s := range streams {
		seqs[i] = seqOf(s)
	}

	var out []lsm.Pair
	for cmd := range mergeiter.Merge(seqs...) {
		if cmd.Key >= hi {
			break
		}
		if cmd.Key < lo {
			// RangeFrom starts at the block containing lo, which may also
			// hold keys before it; discard those here.
			continue
		}
		if cmd.IsDelete() {
			continue
		}
		out = append(out, lsm.Pair{Key: cmd.Key, Val: cmd.Val})
	}
	return out, nil
}

// Load reads exactly count (key, val) pairs as big-endian int32 pairs from
// r and applies each as a Put. A mid-stream read error aborts the batch but
// leaves every already-applied Put in place (§4.G).
func (d *Database) Load(r io.Reader, count uint64) error {
	timer := d.stats.startTimer()
	defer func() { d.stats.recordLoad(timer) }()

	var buf [8]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return errors.Wrapf(err, "db: load: read pair %d of %d", i, count)
		}
		key := int32(binary.BigEndian.Uint32(buf[0:4]))
		val := int32(binary.BigEndian.Uint32(buf[4:8]))
		if err := d.Put(key, val); err != nil {
			return errors.Wrapf(err, "db: load: apply pair %d of %d", i, count)
		}
	}
	return nil
}

// Stats returns an implementation-defined human-readable diagnostic dump
// (§4.G, §6): per-operation latency percentiles and per-level table counts.
func (d *Database) Stats() string {
	d.memMu.RLock()
	memLen := d.mem.Len()
	d.memMu.RUnlock()

	s := fmt.Sprintf("mem_entries: %d\n", memLen)
	s += d.stats.report()
	for _, lvl := range d.levels {
		lvl.RLock()
		s += fmt.Sprintf("level%d: tables=%d capacity=%d size_bytes=%d\n",
			lvl.NumberOf(), len(lvl.Tables()), lvl.FileCapacity(), lvl.SizeBytes())
		lvl.RUnlock()
	}
	return s
}

// Close flushes whatever the current MemLevel holds into level 1's
// directory so a clean shutdown loses no writes (§3 "Lifecycle summary",
// §8 property 6 / scenario S6).
func (d *Database) Close() error {
	d.memMu.Lock()
	mem := d.mem
	d.mem = memlevel.New()
	d.memMu.Unlock()

	if mem.Len() == 0 {
		return nil
	}
	return d.flushAndCascade(mem)
}

// flushAndCascade writes a drained MemLevel out as a new table and compacts
// it into level 1 (relocated if it overlaps nothing there, merged with the
// tables it overlaps otherwise, so level 1 stays non-overlapping) and, if
// that pushes level 1 over capacity, walks the cascade into successive
// levels.
func (d *Database) flushAndCascade(mem *memlevel.Level) error {
	level1 := d.levels[0]

	tbl, err := mem.WriteToTable(level1.Directory())
	if err != nil {
		return errors.Wrap(err, "db: flush mem level")
	}

	level1.Lock()
	err = compaction.Apply([]*table.Table{tbl}, level1)
	over := level1.IsOverCapacity()
	level1.Unlock()

	if err != nil {
		return errors.Wrap(err, "db: compact flushed table into level 1")
	}
	if over {
		return d.cascade(0)
	}
	return nil
}

// cascade compacts levels[idx] into levels[idx+1] and recurses while the
// destination stays over capacity. Lock order is always shallow before
// deep, and at most two adjacent levels are write-locked at once (§5).
func (d *Database) cascade(idx int) error {
	if idx+1 >= len(d.levels) {
		d.log.Warn("terminal level over capacity; continuing", "level", d.levels[idx].NumberOf())
		return nil
	}

	cur := d.levels[idx]
	next := d.levels[idx+1]

	cur.Lock()
	sources := cur.TakeTables()
	next.Lock()
	err := compaction.Apply(sources, next)
	overNext := next.IsOverCapacity()
	next.Unlock()
	cur.Unlock()

	if err != nil {
		return errors.Wrapf(err, "db: compact level %d into %d", cur.NumberOf(), next.NumberOf())
	}
	if overNext {
		return d.cascade(idx + 1)
	}
	return nil
}

func materialize(seq iter.Seq[block.Command]) []block.Command {
	var out []block.Command
	for c := range seq {
		out = append(out, c)
	}
	return out
}

func seqOf(cmds []block.Command) iter.Seq[block.Command] {
	return func(yield func(block.Command) bool) {
		for _, c := range cmds {
			if !yield(c) {
				return
			}
		}
	}
}

