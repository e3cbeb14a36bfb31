// Package memlevel implements the in-memory write buffer, level 0 (spec
// §3, §4.D): an ordered mapping of key to value-or-tombstone, bounded by
// MemCapacity, and the sole mutable data structure of the core.
//
// The ordering structure is a skip list: a forward-pointer, coin-flip-leveled
// structure specialized to fixed int32 keys and Put-or-tombstone values.
package memlevel

import (
	"iter"
	"math/rand"

	"github.com/flashkv/flashkv/internal/block"
	"github.com/flashkv/flashkv/internal/lsm"
	"github.com/flashkv/flashkv/internal/table"
)

const maxSkipListLevel = 32

type entry struct {
	val     int32
	deleted bool
}

type node struct {
	key     int32
	val     entry
	forward []*node
}

func newNode(key int32, v entry, levels int) *node {
	return &node{key: key, val: v, forward: make([]*node, levels+1)}
}

// Level is the ordered in-memory key-value buffer. It is not safe for
// concurrent use by itself — the Database facade serializes access with its
// own lock and swaps the whole Level out when it fills (§5).
type Level struct {
	head   *node
	levels int
	size   int
}

// New returns an empty level.
func New() *Level {
	return &Level{
		head:   newNode(0, entry{}, 0),
		levels: -1,
	}
}

// Len returns the number of distinct keys currently buffered (Puts and
// tombstones both count).
func (l *Level) Len() int { return l.size }

func randomLevel() int {
	level := 0
	for rand.Int31()&1 == 0 && level < maxSkipListLevel {
		level++
	}
	return level
}

func (l *Level) adjustLevels(level int) {
	prev := l.head.forward
	l.head = newNode(0, entry{}, level)
	l.levels = level
	copy(l.head.forward, prev)
}

func (l *Level) put(key int32, v entry) {
	newLevel := randomLevel()
	if newLevel > l.levels {
		l.adjustLevels(newLevel)
	}

	updates := make([]*node, l.levels+1)
	x := l.head
	for level := l.levels; level >= 0; level-- {
		for x.forward[level] != nil && x.forward[level].key < key {
			x = x.forward[level]
		}
		updates[level] = x
	}

	if x.forward[0] != nil && x.forward[0].key == key {
		x.forward[0].val = v
		return
	}

	newNode := newNode(key, v, newLevel)
	for level := 0; level <= newLevel; level++ {
		newNode.forward[level] = updates[level].forward[level]
		updates[level].forward[level] = newNode
	}
	l.size++
}

// Insert records key -> val.
func (l *Level) Insert(key, val int32) {
	l.put(key, entry{val: val})
}

// Delete records a tombstone for key.
func (l *Level) Delete(key int32) {
	l.put(key, entry{deleted: true})
}

// Get looks up key, distinguishing an absent key from an explicit tombstone.
func (l *Level) Get(key int32) lsm.GetResult {
	x := l.head
	for level := l.levels; level >= 0; level-- {
		for x.forward[level] != nil && x.forward[level].key <= key {
			if x.forward[level].key == key {
				v := x.forward[level].val
				if v.deleted {
					return lsm.DeletedResult()
				}
				return lsm.FoundResult(v.val)
			}
			x = x.forward[level]
		}
	}
	return lsm.NotFoundResult()
}

func toCommand(key int32, v entry) block.Command {
	if v.deleted {
		return block.Delete(key)
	}
	return block.Put(key, v.val)
}

// All iterates every record in ascending key order, projecting Puts and
// tombstones alike as commands — used to flush the whole level to a table.
func (l *Level) All() iter.Seq[block.Command] {
	return func(yield func(block.Command) bool) {
		for x := l.head.forward[0]; x != nil; x = x.forward[0] {
			if !yield(toCommand(x.key, x.val)) {
				return
			}
		}
	}
}

// RangeFrom iterates every record with key >= lo, in ascending order.
func (l *Level) RangeFrom(lo int32) iter.Seq[block.Command] {
	return func(yield func(block.Command) bool) {
		x := l.head
		for level := l.levels; level >= 0; level-- {
			for x.forward[level] != nil && x.forward[level].key < lo {
				x = x.forward[level]
			}
		}
		for cur := x.forward[0]; cur != nil; cur = cur.forward[0] {
			if !yield(toCommand(cur.key, cur.val)) {
				return
			}
		}
	}
}

// WriteToTable flushes the level's contents, in ascending key order, to a
// brand-new table under dir. Tombstones are preserved into the table so
// deletes survive the flush into level 1 (§4.D).
func (l *Level) WriteToTable(dir string) (*table.Table, error) {
	b, err := table.NewBuilder(dir)
	if err != nil {
		return nil, err
	}

	w := block.NewWriter()
	for cmd := range l.All() {
		if !w.Push(cmd) {
			if err := b.InsertBlock(w); err != nil {
				return nil, err
			}
			w.Clear()
			w.Push(cmd)
		}
	}
	if !w.IsEmpty() {
		if err := b.InsertBlock(w); err != nil {
			return nil, err
		}
	}

	return b.Build()
}
