package table

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/flashkv/flashkv/internal/block"
)

// View is a read-only, positional-IO handle onto one table file. Per the
// resource policy (§5), a table holds no file descriptor between
// operations: callers open a View, use it, and Close it — they never keep
// one alive across a lock release or a network write.
type View struct {
	file *os.File
	buf  [block.Size]byte
}

func newView(path string) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "table view: open %s", path)
	}
	return &View{file: f}, nil
}

// GetBlockAt reads the block at the given index via positional IO. ok is
// false once index is past the end of the file. A short final read (the
// last block of a file may be shorter than 4096 bytes) is 0xFF-terminated
// right after the bytes actually read, so iteration still stops correctly.
func (v *View) GetBlockAt(index int) (buf []byte, ok bool, err error) {
	n, err := v.file.ReadAt(v.buf[:], int64(index)*block.Size)
	if err != nil && err != io.EOF {
		return nil, false, errors.Wrapf(err, "table view: read block %d", index)
	}
	if n == 0 {
		return nil, false, nil
	}
	if n < block.Size {
		v.buf[n] = 0xFF
	}
	return v.buf[:], true, nil
}

// DeleteFile removes the table's backing file. Used as the "on-done delete"
// hook once a compaction has fully consumed a source table (§4.F).
func (v *View) DeleteFile() error {
	path := v.file.Name()
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "table view: delete %s", path)
	}
	return nil
}

// Close releases the underlying file descriptor.
func (v *View) Close() error {
	if err := v.file.Close(); err != nil {
		return errors.Wrapf(err, "table view: close %s", v.file.Name())
	}
	return nil
}
