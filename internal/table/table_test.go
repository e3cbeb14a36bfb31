package table

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flashkv/flashkv/internal/block"
)

func buildTable(t *testing.T, dir string, cmds []block.Command) *Table {
	t.Helper()

	b, err := NewBuilder(dir)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	w := block.NewWriter()
	for _, c := range cmds {
		if !w.Push(c) {
			if err := b.InsertBlock(w); err != nil {
				t.Fatalf("InsertBlock: %v", err)
			}
			w.Clear()
			w.Push(c)
		}
	}
	if !w.IsEmpty() {
		if err := b.InsertBlock(w); err != nil {
			t.Fatalf("InsertBlock (final): %v", err)
		}
	}

	tbl, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return tbl
}

func TestBuildAndReadBack(t *testing.T) {
	dir := t.TempDir()
	cmds := []block.Command{
		block.Put(1, 10),
		block.Put(2, 20),
		block.Delete(3),
		block.Put(4, 40),
	}

	tbl := buildTable(t, dir, cmds)

	if tbl.MinKey() != 1 || tbl.MaxKey() != 4 {
		t.Fatalf("expected range [1,4], got [%d,%d]", tbl.MinKey(), tbl.MaxKey())
	}
	if tbl.FileName() != "1_4" {
		t.Fatalf("expected file name 1_4, got %s", tbl.FileName())
	}
	if _, err := tbl.View(); err != nil {
		t.Fatalf("View: %v", err)
	}

	var got []block.Command
	for c := range tbl.Commands(0, false) {
		got = append(got, c)
	}
	if len(got) != len(cmds) {
		t.Fatalf("expected %d commands, got %d", len(cmds), len(got))
	}
	for i, c := range cmds {
		if got[i] != c {
			t.Fatalf("command %d: expected %+v got %+v", i, c, got[i])
		}
	}

	for _, c := range cmds {
		if !tbl.Bloom().MaybeContains(c.Key) {
			t.Fatalf("bloom filter missing key %d that was inserted", c.Key)
		}
	}
}

func TestIntersects(t *testing.T) {
	dir := t.TempDir()
	a := buildTable(t, filepath.Join(dir, "a"), []block.Command{block.Put(1, 1), block.Put(5, 5)})
	b := buildTable(t, filepath.Join(dir, "b"), []block.Command{block.Put(6, 6), block.Put(10, 10)})
	c := buildTable(t, filepath.Join(dir, "c"), []block.Command{block.Put(5, 5), block.Put(7, 7)})

	if a.Intersects(b) != Before {
		t.Fatalf("expected a before b")
	}
	if b.Intersects(a) != After {
		t.Fatalf("expected b after a")
	}
	if a.Intersects(c) != Overlaps {
		t.Fatalf("expected a overlaps c")
	}
}

func TestBuildRejectsEmptyTable(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuilder(dir)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatalf("expected error building an empty table")
	}
}

func TestRename(t *testing.T) {
	dir := t.TempDir()
	tbl := buildTable(t, filepath.Join(dir, "level1"), []block.Command{block.Put(1, 1)})

	to := filepath.Join(dir, "level2")
	if err := tbl.Rename(to); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if filepath.Dir(tbl.FilePath()) != to {
		t.Fatalf("expected table to live in %s, got %s", to, filepath.Dir(tbl.FilePath()))
	}
	if _, err := tbl.View(); err != nil {
		t.Fatalf("View after rename: %v", err)
	}
}

func TestLoadExistingReconstructsMetadata(t *testing.T) {
	dir := t.TempDir()
	cmds := []block.Command{
		block.Put(-5, 50),
		block.Put(0, 0),
		block.Delete(3),
		block.Put(9, 90),
	}
	tbl := buildTable(t, dir, cmds)
	path := tbl.FilePath()

	reloaded, err := LoadExisting(path)
	if err != nil {
		t.Fatalf("LoadExisting: %v", err)
	}

	if reloaded.MinKey() != tbl.MinKey() || reloaded.MaxKey() != tbl.MaxKey() {
		t.Fatalf("range mismatch: got [%d,%d] want [%d,%d]",
			reloaded.MinKey(), reloaded.MaxKey(), tbl.MinKey(), tbl.MaxKey())
	}
	if len(reloaded.Index()) != len(tbl.Index()) {
		t.Fatalf("fence index length mismatch: got %d want %d", len(reloaded.Index()), len(tbl.Index()))
	}
	for _, c := range cmds {
		if !reloaded.Bloom().MaybeContains(c.Key) {
			t.Fatalf("reloaded bloom missing key %d", c.Key)
		}
	}
}

func TestLoadExistingRejectsBadName(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "not-a-range")
	if err := writeEmptyFile(bad); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := LoadExisting(bad); err == nil {
		t.Fatalf("expected error for an unparseable file name")
	}
}

func writeEmptyFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}
