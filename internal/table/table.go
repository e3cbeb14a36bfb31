// Package table implements the immutable sorted run (spec §3, §4.C):
// TableBuilder streams blocks into a new file and finalizes its name on
// build; Table holds a live run's in-memory metadata (key range, Bloom
// filter, fence index); View provides positional-read access to a run's
// blocks without holding the file open between operations.
//
// Grounded on original_source's src/database/table/mod.rs and
// src/database/table/block.rs, and on a streaming block writer that ORs
// keys into a Bloom filter as it goes.
package table

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/flashkv/flashkv/internal/bloom"
	"github.com/flashkv/flashkv/internal/block"
	"github.com/flashkv/flashkv/internal/config"
)

// fileNamePattern recognizes a finished table's "{min_key}_{max_key}" name.
// Keys are signed, so either side may carry a leading '-'. Any file in a
// level directory that does not match (in particular, a bare nanosecond
// timestamp — an in-progress builder's temp name) is ignored on startup
// reconstruction (§6).
var fileNamePattern = regexp.MustCompile(`^(-?\d+)_(-?\d+)$`)

// FenceEntry is one (first_key, last_key) pair of the fence pointer array —
// one entry per block, enabling an O(log n) binary search to the block that
// might hold a given key.
type FenceEntry struct {
	Min int32
	Max int32
}

// Table is an immutable sorted run: a file on disk plus the in-memory
// metadata needed to search it without scanning the whole file.
type Table struct {
	dir      string
	minKey   int32
	maxKey   int32
	fileSize int64
	bloom    *bloom.Filter
	index    []FenceEntry
}

// MinKey returns the table's inclusive lower key bound.
func (t *Table) MinKey() int32 { return t.minKey }

// MaxKey returns the table's inclusive upper key bound.
func (t *Table) MaxKey() int32 { return t.maxKey }

// FileSize returns the size in bytes of the backing file.
func (t *Table) FileSize() int64 { return t.fileSize }

// Index returns the table's fence pointer array.
func (t *Table) Index() []FenceEntry { return t.index }

// Bloom returns the table's Bloom filter.
func (t *Table) Bloom() *bloom.Filter { return t.bloom }

// FileName is the on-disk name encoding the table's key range.
func (t *Table) FileName() string {
	return fmt.Sprintf("%d_%d", t.minKey, t.maxKey)
}

// FilePath is the table's full path.
func (t *Table) FilePath() string {
	return filepath.Join(t.dir, t.FileName())
}

// IsTableFileName reports whether name parses as a finished table's
// "{min_key}_{max_key}" name, as opposed to an in-progress builder's
// temporary (nanosecond timestamp) name.
func IsTableFileName(name string) bool {
	return fileNamePattern.MatchString(name)
}

// Intersection describes how two tables' key ranges relate, ordered by
// min_key.
type Intersection int

const (
	// Before means t's range lies entirely below other's.
	Before Intersection = -1
	// Overlaps means the two ranges share at least one key.
	Overlaps Intersection = 0
	// After means t's range lies entirely above other's.
	After Intersection = 1
)

// Intersects compares t's key range against other's.
func (t *Table) Intersects(other *Table) Intersection {
	switch {
	case t.maxKey < other.minKey:
		return Before
	case t.minKey > other.maxKey:
		return After
	default:
		return Overlaps
	}
}

// Rename moves the table's backing file into toDir, the way a compaction
// relocates a table that needs no merging into its destination level's
// directory (§4.F "NoIntersections case").
func (t *Table) Rename(toDir string) error {
	oldPath := t.FilePath()
	t.dir = toDir
	newPath := t.FilePath()

	if err := os.MkdirAll(toDir, 0o755); err != nil {
		return errors.Wrapf(err, "table: mkdir %s", toDir)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return errors.Wrapf(err, "table: rename %s -> %s", oldPath, newPath)
	}
	return nil
}

// View opens a read-only, positional-IO view onto the table's blocks,
// starting at block 0.
func (t *Table) View() (*View, error) {
	return newView(t.FilePath())
}

// Commands returns an iterator over every command in the table, starting at
// startBlock, in block order. If deleteOnFinish is true, the backing file is
// deleted once iteration is fully drained (used by compaction to consume a
// source table exactly once, after it has been fully read). An invalid tag
// or truncated record is treated as a fatal storage error (§7) — it panics,
// since the baseline design treats on-disk corruption as non-recoverable.
func (t *Table) Commands(startBlock int, deleteOnFinish bool) iter.Seq[block.Command] {
	return func(yield func(block.Command) bool) {
		v, err := newView(t.FilePath())
		if err != nil {
			panic(errors.Wrapf(err, "table: open view for %s", t.FilePath()))
		}
		defer v.Close()

		idx := startBlock
		for {
			buf, ok, err := v.GetBlockAt(idx)
			if err != nil {
				panic(errors.Wrapf(err, "table: read block %d of %s", idx, t.FilePath()))
			}
			if !ok {
				break
			}

			stop := false
			for cmd, err := range block.Decode(buf) {
				if err != nil {
					panic(errors.Wrapf(err, "table: corrupt block %d of %s", idx, t.FilePath()))
				}
				if !yield(cmd) {
					stop = true
					break
				}
			}
			if stop {
				return
			}
			idx++
		}

		if deleteOnFinish {
			if err := v.DeleteFile(); err != nil {
				panic(errors.Wrapf(err, "table: delete %s", t.FilePath()))
			}
		}
	}
}

// LoadExisting reconstructs a Table's in-memory metadata (Bloom filter,
// fence index) by replaying every block of an existing file, whose name
// encodes min_key and max_key. A name that does not parse, or a block whose
// tag is invalid, is a format error — fatal to startup (§7).
func LoadExisting(path string) (*Table, error) {
	name := filepath.Base(path)
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return nil, errors.Newf("table: file name %q is not a valid min_max table name", name)
	}

	minKey, err := strconv.ParseInt(m[1], 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "table: parse min key from %q", name)
	}
	maxKey, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "table: parse max key from %q", name)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "table: stat %s", path)
	}

	t := &Table{
		dir:      filepath.Dir(path),
		minKey:   int32(minKey),
		maxKey:   int32(maxKey),
		fileSize: info.Size(),
		bloom:    bloom.New(config.BloomCapacity, config.BloomHashCount),
		index:    make([]FenceEntry, 0, (info.Size()/block.Size)+1),
	}

	v, err := newView(path)
	if err != nil {
		return nil, err
	}
	defer v.Close()

	for i := 0; ; i++ {
		buf, ok, err := v.GetBlockAt(i)
		if err != nil {
			return nil, errors.Wrapf(err, "table: read block %d of %s", i, path)
		}
		if !ok {
			break
		}

		var first, last int32
		seen := false
		for cmd, err := range block.Decode(buf) {
			if err != nil {
				return nil, errors.Wrapf(err, "table: corrupt block %d of %s", i, path)
			}
			if !seen {
				first = cmd.Key
				seen = true
			}
			last = cmd.Key
			t.bloom.Put(cmd.Key)
		}
		if !seen {
			return nil, errors.Newf("table: empty block %d of %s", i, path)
		}
		t.index = append(t.index, FenceEntry{Min: first, Max: last})
	}

	return t, nil
}

// Builder streams blocks into a new table file under a temporary name,
// finalizing the file name to "{min}_{max}" only once the caller calls
// Build. Grounded on original_source's TableBuilder.
type Builder struct {
	dir      string
	tmpPath  string
	file     *os.File
	hasRange bool
	minKey   int32
	maxKey   int32
	bloom    *bloom.Filter
	index    []FenceEntry
}

// NewBuilder creates a new table builder writing into dir, under an
// exclusively-created temporary (nanosecond-timestamp) name.
func NewBuilder(dir string) (*Builder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "table builder: mkdir %s", dir)
	}

	tmpName := strconv.FormatInt(time.Now().UnixNano(), 10)
	tmpPath := filepath.Join(dir, tmpName)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "table builder: create %s", tmpPath)
	}

	return &Builder{
		dir:     dir,
		tmpPath: tmpPath,
		file:    f,
		bloom:   bloom.New(config.BloomCapacity, config.BloomHashCount),
		index:   make([]FenceEntry, 0, config.MaxFileSizeBlocks),
	}, nil
}

// InsertBlock writes a finished block to the file, records its fence entry,
// and ORs every one of its keys into the Bloom filter.
func (b *Builder) InsertBlock(w *block.Writer) error {
	keys := w.Keys()
	if len(keys) == 0 {
		return errors.New("table builder: cannot insert an empty block")
	}

	min, max := keys[0], keys[len(keys)-1]
	if !b.hasRange {
		b.minKey = min
		b.hasRange = true
	}
	b.maxKey = max

	if _, err := b.file.Write(w.Bytes()); err != nil {
		return errors.Wrapf(err, "table builder: write block to %s", b.tmpPath)
	}

	b.index = append(b.index, FenceEntry{Min: min, Max: max})
	for _, k := range keys {
		b.bloom.Put(k)
	}
	return nil
}

// Full reports whether the builder has reached the per-file block budget
// and should be sealed via Build.
func (b *Builder) Full() bool {
	return len(b.index) >= config.MaxFileSizeBlocks
}

// IsEmpty reports whether any block has been inserted.
func (b *Builder) IsEmpty() bool { return len(b.index) == 0 }

// Build finalizes the table: renames the temporary file to "{min}_{max}"
// and returns the resulting Table. A pre-existing file at the target name
// is a hard error — compaction's invariants guarantee the new range cannot
// collide with any table still present in the destination (§4.C).
func (b *Builder) Build() (*Table, error) {
	if b.IsEmpty() {
		return nil, errors.New("table builder: cannot build an empty table")
	}

	newPath := filepath.Join(b.dir, fmt.Sprintf("%d_%d", b.minKey, b.maxKey))

	if err := b.file.Close(); err != nil {
		return nil, errors.Wrapf(err, "table builder: close %s", b.tmpPath)
	}

	if _, err := os.Stat(newPath); err == nil {
		return nil, errors.Newf("table builder: destination %s already exists", newPath)
	}

	if err := os.Rename(b.tmpPath, newPath); err != nil {
		return nil, errors.Wrapf(err, "table builder: rename %s -> %s", b.tmpPath, newPath)
	}

	info, err := os.Stat(newPath)
	if err != nil {
		return nil, errors.Wrapf(err, "table builder: stat %s", newPath)
	}

	return &Table{
		dir:      b.dir,
		minKey:   b.minKey,
		maxKey:   b.maxKey,
		fileSize: info.Size(),
		bloom:    b.bloom,
		index:    b.index,
	}, nil
}
