package block

import (
	"encoding/binary"
	"iter"

	"github.com/cockroachdb/errors"
)

// Size is the fixed physical size of a block in bytes.
const Size = 4096

// ErrInvalidTag is returned by Decode when a block byte does not parse as
// 0x00 (Put), 0x01 (Delete), or 0xFF (padding/sentinel) — a format error.
var ErrInvalidTag = errors.New("block: invalid command tag")

// Writer packs commands into a single 4096-byte page in key-sorted order,
// with no intra-block index. Records are never split across the page
// boundary: when the next command would not fit, the tail is padded with
// 0xFF and Push returns false.
type Writer struct {
	buf  [Size]byte
	n    int
	keys []int32
}

// NewWriter returns an empty block writer.
func NewWriter() *Writer {
	return &Writer{keys: make([]int32, 0, 256)}
}

// IsEmpty reports whether any command has been pushed.
func (w *Writer) IsEmpty() bool { return len(w.keys) == 0 }

// Clear resets the writer to empty, ready for reuse.
func (w *Writer) Clear() {
	w.n = 0
	w.keys = w.keys[:0]
}

// Push appends cmd to the block. It returns false when the remaining
// capacity cannot hold the command's encoded size; in that case the tail is
// padded with 0xFF and no append is performed — callers must start a new
// block and retry the same command there.
func (w *Writer) Push(cmd Command) bool {
	size := cmd.Size()
	if w.n+size > Size {
		for w.n < Size {
			w.buf[w.n] = tagPadding
			w.n++
		}
		return false
	}

	w.buf[w.n] = byte(cmd.Op)
	binary.BigEndian.PutUint32(w.buf[w.n+1:], uint32(cmd.Key))
	if cmd.Op == OpPut {
		binary.BigEndian.PutUint32(w.buf[w.n+5:], uint32(cmd.Val))
	}
	w.n += size
	w.keys = append(w.keys, cmd.Key)
	return true
}

// Bytes returns the packed page: exactly Size bytes if the block was filled
// (and thus 0xFF-padded) by an overflowing Push, or the shorter prefix of
// bytes actually written otherwise — the final block of a table is allowed
// to be short on disk (§4.B, §6).
func (w *Writer) Bytes() []byte { return w.buf[:w.n] }

// Keys returns the keys inserted so far, in insertion (and therefore sorted)
// order — used to feed the Bloom filter and the table's fence index.
func (w *Writer) Keys() []int32 { return w.keys }

// Decode iterates the commands packed into buf (a full or short block read),
// stopping at the first 0xFF tag or at the end of buf. A truncated record or
// an unrecognized tag yields (Command{}, ErrInvalidTag) as the final item —
// callers typically treat this as fatal to the read (§7).
func Decode(buf []byte) iter.Seq2[Command, error] {
	return func(yield func(Command, error) bool) {
		i := 0
		for i < len(buf) {
			tag := buf[i]
			if tag == tagPadding {
				return
			}

			switch Op(tag) {
			case OpPut:
				if i+9 > len(buf) {
					yield(Command{}, errors.Wrap(ErrInvalidTag, "truncated put"))
					return
				}
				key := int32(binary.BigEndian.Uint32(buf[i+1:]))
				val := int32(binary.BigEndian.Uint32(buf[i+5:]))
				if !yield(Command{Op: OpPut, Key: key, Val: val}, nil) {
					return
				}
				i += 9
			case OpDelete:
				if i+5 > len(buf) {
					yield(Command{}, errors.Wrap(ErrInvalidTag, "truncated delete"))
					return
				}
				key := int32(binary.BigEndian.Uint32(buf[i+1:]))
				if !yield(Command{Op: OpDelete, Key: key}, nil) {
					return
				}
				i += 5
			default:
				yield(Command{}, ErrInvalidTag)
				return
			}
		}
	}
}
