package db

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/flashkv/flashkv/internal/lsm"
	"github.com/flashkv/flashkv/internal/memlevel"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

// triggerFlush forces whatever is currently buffered in mem out to level 1,
// exercising the same flushAndCascade path a real MEM_CAPACITY overflow
// would, without requiring a test to insert hundreds of thousands of
// records to reach the production capacity threshold.
func (d *Database) triggerFlush(t *testing.T) {
	t.Helper()
	d.memMu.Lock()
	mem := d.mem
	d.mem = memlevel.New()
	d.memMu.Unlock()

	if mem.Len() == 0 {
		return
	}
	if err := d.flushAndCascade(mem); err != nil {
		t.Fatalf("flushAndCascade: %v", err)
	}
}

func TestBasicPutGetDelete(t *testing.T) {
	d := newTestDB(t)

	if err := d.Put(1, 100); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Put(2, 200); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := d.Get(1)
	if err != nil || r.Status != lsm.Found || r.Value != 100 {
		t.Fatalf("Get(1) = %+v, %v; want Found(100)", r, err)
	}

	r, err = d.Get(3)
	if err != nil || r.Status != lsm.NotFound {
		t.Fatalf("Get(3) = %+v, %v; want NotFound", r, err)
	}

	if err := d.Delete(1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	r, err = d.Get(1)
	if err != nil || r.Status != lsm.Deleted {
		t.Fatalf("Get(1) after delete = %+v, %v; want Deleted", r, err)
	}
}

func TestFlushMovesMemIntoLevel1(t *testing.T) {
	d := newTestDB(t)
	for _, k := range []int32{1, 2, 3, 4} {
		if err := d.Put(k, k*10); err != nil {
			t.Fatalf("Put(%d): %v", k, err)
		}
	}
	d.triggerFlush(t)

	d.memMu.RLock()
	memLen := d.mem.Len()
	d.memMu.RUnlock()
	if memLen != 0 {
		t.Fatalf("expected mem level to be empty after flush, got len %d", memLen)
	}

	level1 := d.levels[0]
	level1.RLock()
	tables := level1.Tables()
	level1.RUnlock()
	if len(tables) != 1 {
		t.Fatalf("expected exactly one table in level 1, got %d", len(tables))
	}
	if tables[0].FileName() != "1_4" {
		t.Fatalf("expected file name 1_4, got %s", tables[0].FileName())
	}

	r, err := d.Get(3)
	if err != nil || r.Status != lsm.Found || r.Value != 30 {
		t.Fatalf("Get(3) after flush = %+v, %v; want Found(30)", r, err)
	}
}

func TestOverwriteAcrossMemAndDisk(t *testing.T) {
	d := newTestDB(t)
	if err := d.Put(7, 70); err != nil {
		t.Fatalf("Put: %v", err)
	}
	d.triggerFlush(t)

	if err := d.Put(7, 77); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := d.Get(7)
	if err != nil || r.Status != lsm.Found || r.Value != 77 {
		t.Fatalf("Get(7) = %+v, %v; want Found(77) (mem shadows level 1)", r, err)
	}
}

func TestRangeSpansMemAndDisk(t *testing.T) {
	d := newTestDB(t)
	for _, k := range []int32{1, 2} {
		if err := d.Put(k, k*100); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	d.triggerFlush(t)

	if err := d.Put(5, 500); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Put(10, 1000); err != nil {
		t.Fatalf("Put: %v", err)
	}

	pairs, err := d.Range(2, 10)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	want := []lsm.Pair{{Key: 2, Val: 200}, {Key: 5, Val: 500}}
	if len(pairs) != len(want) {
		t.Fatalf("expected %+v, got %+v", want, pairs)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("mismatch at %d: got %+v want %+v", i, pairs, want)
		}
	}
}

func TestRangeExcludesDeletedKeys(t *testing.T) {
	d := newTestDB(t)
	if err := d.Put(1, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Put(2, 2); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Delete(1); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	pairs, err := d.Range(0, 10)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(pairs) != 1 || pairs[0].Key != 2 {
		t.Fatalf("expected only key 2, got %+v", pairs)
	}
}

func TestLoadAppliesPairsAsPuts(t *testing.T) {
	d := newTestDB(t)

	var buf bytes.Buffer
	pairs := []struct{ key, val int32 }{{1, 10}, {2, 20}, {3, 30}}
	for _, p := range pairs {
		var kv [8]byte
		binary.BigEndian.PutUint32(kv[0:4], uint32(p.key))
		binary.BigEndian.PutUint32(kv[4:8], uint32(p.val))
		buf.Write(kv[:])
	}

	if err := d.Load(&buf, uint64(len(pairs))); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, p := range pairs {
		r, err := d.Get(p.key)
		if err != nil || r.Status != lsm.Found || r.Value != p.val {
			t.Fatalf("Get(%d) = %+v, %v; want Found(%d)", p.key, r, err, p.val)
		}
	}
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.Put(3, 30); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Put(5, 50); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	for _, tc := range []struct {
		key  int32
		want int32
	}{{3, 30}, {5, 50}} {
		r, err := reopened.Get(tc.key)
		if err != nil || r.Status != lsm.Found || r.Value != tc.want {
			t.Fatalf("Get(%d) after restart = %+v, %v; want Found(%d)", tc.key, r, err, tc.want)
		}
	}
}

func TestCascadeKeepsLevelsNonOverlapping(t *testing.T) {
	d := newTestDB(t)

	// Flush several disjoint single-key tables into level 1 to push it over
	// its capacity of 4 and force a cascade into level 2.
	for i := int32(0); i < 10; i++ {
		if err := d.Put(i*100, i); err != nil {
			t.Fatalf("Put: %v", err)
		}
		d.triggerFlush(t)
	}

	for _, lvl := range d.levels {
		lvl.RLock()
		tables := lvl.Tables()
		for i := 1; i < len(tables); i++ {
			if tables[i-1].MaxKey() >= tables[i].MinKey() {
				lvl.RUnlock()
				t.Fatalf("level %d not disjoint: [%d,%d] then [%d,%d]",
					lvl.NumberOf(), tables[i-1].MinKey(), tables[i-1].MaxKey(), tables[i].MinKey(), tables[i].MaxKey())
			}
		}
		lvl.RUnlock()
	}

	for i := int32(0); i < 10; i++ {
		r, err := d.Get(i * 100)
		if err != nil || r.Status != lsm.Found || r.Value != i {
			t.Fatalf("Get(%d) = %+v, %v; want Found(%d)", i*100, r, err, i)
		}
	}
}

func TestStatsReportsSomething(t *testing.T) {
	d := newTestDB(t)
	if err := d.Put(1, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := d.Get(1); err != nil {
		t.Fatalf("Get: %v", err)
	}

	s := d.Stats()
	if len(s) == 0 {
		t.Fatalf("expected a non-empty stats dump")
	}
}
