// Package compaction implements moving a drained level's tables into its
// successor level (spec §4.F, §4.G): tables whose range touches no table
// already in the destination are simply relocated; tables whose ranges
// overlap are grouped and rewritten together through a k-way merge so the
// destination level comes out of the operation still sorted and
// non-overlapping.
//
// Grounded on original_source's src/data/mod.rs (find_intersections and the
// NoIntersections/IntersectingGroups apply step), adapted to Go's iterator
// idiom via internal/mergeiter.
package compaction

import (
	"iter"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/flashkv/flashkv/internal/block"
	"github.com/flashkv/flashkv/internal/disklevel"
	"github.com/flashkv/flashkv/internal/mergeiter"
	"github.com/flashkv/flashkv/internal/table"
)

type taggedTable struct {
	t        *table.Table
	isSource bool
}

// group is a maximal run of mutually-overlapping source and destination
// tables, found by sweeping both sorted, individually-disjoint lists
// together and merging runs whose ranges chain into one another.
type group struct {
	sources []*table.Table
	dest    []*table.Table
}

func (g group) needsMerge() bool {
	return len(g.sources) > 0 && len(g.dest) > 0 || len(g.sources) > 1
}

// findGroups partitions sources and the destination level's existing tables
// into groups. A group with no destination member and exactly one source
// table needs only a relocation; anything bigger needs a real merge.
func findGroups(sources []*table.Table, destTables []*table.Table) []group {
	all := make([]taggedTable, 0, len(sources)+len(destTables))
	for _, t := range sources {
		all = append(all, taggedTable{t: t, isSource: true})
	}
	for _, t := range destTables {
		all = append(all, taggedTable{t: t, isSource: false})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].t.MinKey() < all[j].t.MinKey() })

	var groups []group
	i := 0
	for i < len(all) {
		var g group
		maxKey := all[i].t.MaxKey()
		j := i
		for j < len(all) {
			if j > i && all[j].t.MinKey() > maxKey {
				break
			}
			if all[j].t.MaxKey() > maxKey {
				maxKey = all[j].t.MaxKey()
			}
			if all[j].isSource {
				g.sources = append(g.sources, all[j].t)
			} else {
				g.dest = append(g.dest, all[j].t)
			}
			j++
		}
		groups = append(groups, g)
		i = j
	}
	return groups
}

// Apply merges sources into dest: each source table either gets relocated
// (its range touches nothing already in dest) or, together with whatever it
// overlaps, rewritten into one or more new tables via a k-way merge where a
// source record wins over a destination record on a key collision (a source
// level is always logically newer than its destination). dest is mutated in
// place; sources themselves are consumed (deleted) by the merge once fully
// read, or renamed into dest's directory when merely relocated.
func Apply(sources []*table.Table, dest *disklevel.Level) error {
	groups := findGroups(sources, dest.Tables())

	var final []*table.Table
	for _, g := range groups {
		switch {
		case len(g.sources) == 0:
			// Untouched destination table(s): carry forward as-is.
			final = append(final, g.dest...)

		case !g.needsMerge():
			// Exactly one source table, no destination overlap: cheapest
			// possible move is a rename, no rewrite or re-indexing needed.
			t := g.sources[0]
			if err := t.Rename(dest.Directory()); err != nil {
				return errors.Wrap(err, "compaction: relocate table")
			}
			final = append(final, t)

		default:
			built, err := mergeGroup(g, dest.Directory())
			if err != nil {
				return errors.Wrap(err, "compaction: merge group")
			}
			final = append(final, built...)
		}
	}

	dest.SetTables(final)
	return nil
}

// mergeGroup performs the actual k-way merge for one overlapping group,
// streaming the result into one or more freshly built tables (a group's
// total size can exceed a single table's block budget).
func mergeGroup(g group, destDir string) ([]*table.Table, error) {
	sort.Slice(g.sources, func(i, j int) bool { return g.sources[i].MinKey() < g.sources[j].MinKey() })
	sort.Slice(g.dest, func(i, j int) bool { return g.dest[i].MinKey() < g.dest[j].MinKey() })

	streams := make([]iter.Seq[block.Command], 0, len(g.sources)+len(g.dest))
	for _, t := range g.sources {
		streams = append(streams, t.Commands(0, true))
	}
	for _, t := range g.dest {
		streams = append(streams, t.Commands(0, true))
	}

	var built []*table.Table
	b, err := table.NewBuilder(destDir)
	if err != nil {
		return nil, err
	}

	w := block.NewWriter()
	seal := func() error {
		if w.IsEmpty() {
			return nil
		}
		if err := b.InsertBlock(w); err != nil {
			return err
		}
		w.Clear()
		return nil
	}

	for cmd := range mergeiter.Merge(streams...) {
		if !w.Push(cmd) {
			if err := seal(); err != nil {
				return nil, err
			}
			if b.Full() {
				nt, err := b.Build()
				if err != nil {
					return nil, err
				}
				built = append(built, nt)

				b, err = table.NewBuilder(destDir)
				if err != nil {
					return nil, err
				}
			}
			w.Push(cmd)
		}
	}
	if err := seal(); err != nil {
		return nil, err
	}
	if !b.IsEmpty() {
		nt, err := b.Build()
		if err != nil {
			return nil, err
		}
		built = append(built, nt)
	}

	return built, nil
}
