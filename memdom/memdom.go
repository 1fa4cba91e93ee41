// Package memdom implements MemDom, the byte-addressed sparse store behind
// the stack region of the RCP domain. Writes are recorded as (offset,
// width, value) cells in an immutable radix tree keyed by offset, which
// keeps iteration sorted for the print_invariants dump without the
// verifier ever needing to allocate a dense byte array per stack frame.
package memdom

import (
	"encoding/binary"
	"fmt"
	"sort"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/pchaigno/go-ebpf-verifier/numset"
	"github.com/pchaigno/go-ebpf-verifier/rcp"
	"github.com/pchaigno/go-ebpf-verifier/typeset"
)

// bias shifts signed offsets into the unsigned range so that big-endian
// byte encoding preserves numeric order in the radix tree.
const bias = int64(1) << 31

func encodeKey(off int64) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(off+bias))
	return buf[:]
}

// Cell records that bytes [Offset, Offset+Width) were last written with
// Value, possibly weakly joined with earlier overlapping writes.
type Cell struct {
	Offset int64
	Width  int64
	Value  rcp.Domain
}

func (c Cell) overlaps(off, width int64) bool {
	return c.Offset < off+width && off < c.Offset+c.Width
}

func (c Cell) exact(off, width int64) bool {
	return c.Offset == off && c.Width == width
}

// Dom is the abstract store for one stack frame. The zero Dom is not
// usable; construct with Bot or Init.
type Dom struct {
	universe typeset.Universe
	tree     *iradix.Tree

	// Infeasible mirrors the RCP convention: true means this store (and
	// by extension the whole Machine) is on an unreachable path.
	Infeasible bool

	// Unknown is set once a store targets a TOP offset set: every load
	// thereafter must assume the whole frame may have been touched,
	// without the store being infeasible.
	Unknown bool
}

// Bot returns the infeasible store.
func Bot(u typeset.Universe) Dom {
	return Dom{universe: u, tree: iradix.New(), Infeasible: true}
}

// Init returns the initial, fully-unwritten store for a fresh stack frame.
func Init(u typeset.Universe) Dom {
	return Dom{universe: u, tree: iradix.New()}
}

func (d Dom) clone() Dom {
	return Dom{universe: d.universe, tree: d.tree, Infeasible: d.Infeasible, Unknown: d.Unknown}
}

func (d Dom) cells() []Cell {
	var out []Cell
	it := d.tree.Root().Iterator()
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		_ = k
		out = append(out, v.(Cell))
	}
	return out
}

func (d Dom) cellAt(off int64) (Cell, bool) {
	v, ok := d.tree.Get(encodeKey(off))
	if !ok {
		return Cell{}, false
	}
	return v.(Cell), true
}

func (d Dom) insert(c Cell) Dom {
	out := d.clone()
	tree, _, _ := out.tree.Insert(encodeKey(c.Offset), c)
	out.tree = tree
	return out
}

func (d Dom) removeOverlapping(off, width int64) Dom {
	out := d.clone()
	for _, c := range d.cells() {
		if c.overlaps(off, width) {
			tree, _, _ := out.tree.Delete(encodeKey(c.Offset))
			out.tree = tree
		}
	}
	return out
}

func (d Dom) collapseUnknown() Dom {
	out := d.clone()
	out.tree = iradix.New()
	out.Unknown = true
	return out
}

// storeWeak joins value into every cell overlapping (off, width), and
// records a new cell for the exact range if none existed yet.
func (d Dom) storeWeak(off, width int64, value rcp.Domain) Dom {
	out := d.clone()
	hadExact := false
	for _, c := range d.cells() {
		if !c.overlaps(off, width) {
			continue
		}
		if c.exact(off, width) {
			hadExact = true
		}
		out = out.insert(Cell{Offset: c.Offset, Width: c.Width, Value: rcp.Join(c.Value, value)})
	}
	if !hadExact {
		if existing, ok := out.cellAt(off); ok && existing.Width == width {
			out = out.insert(Cell{Offset: off, Width: width, Value: rcp.Join(existing.Value, value)})
		} else {
			out = out.insert(Cell{Offset: off, Width: width, Value: value})
		}
	}
	return out
}

// Store writes value at width bytes starting at each offset in offsets.
// A singleton offset is a strong update: cells it fully or partially
// overlaps are cleared first, then the new cell is recorded. A
// non-singleton offset set weak-updates every candidate offset, since
// the write may or may not land on any particular one. An offset set of
// TOP collapses the whole store to Unknown, matching the "make weak
// updates extremely weak" rule the Machine applies to ambiguous
// pointers.
func (d Dom) Store(offsets numset.Dom, width int64, value rcp.Domain) Dom {
	if d.Infeasible {
		return d
	}
	if offsets.IsTop() {
		return d.collapseUnknown()
	}
	if offsets.IsSingle() {
		off := offsets.Single64()
		out := d.removeOverlapping(off, width)
		return out.insert(Cell{Offset: off, Width: width, Value: value})
	}
	out := d
	for _, off := range offsets.Elems() {
		out = out.storeWeak(off, width, value)
	}
	return out
}

// StoreDynamic weak-updates the cartesian product of every offset in
// offsets and every width in widths. An offset set of TOP collapses the
// store to Unknown, as in Store.
func (d Dom) StoreDynamic(offsets, widths numset.Dom, value rcp.Domain) Dom {
	if d.Infeasible {
		return d
	}
	if offsets.IsTop() {
		return d.collapseUnknown()
	}
	out := d
	for _, off := range offsets.Elems() {
		for _, w := range widths.Elems() {
			out = out.storeWeak(off, w, value)
		}
	}
	return out
}

func (d Dom) loadSingle(off, width int64) rcp.Domain {
	if c, ok := d.cellAt(off); ok && c.Width == width {
		return c.Value
	}
	var joined rcp.Domain
	found := false
	ambiguous := false
	for _, c := range d.cells() {
		if !c.overlaps(off, width) {
			continue
		}
		ambiguous = true
		if !found {
			joined = c.Value
			found = true
		} else {
			joined = rcp.Join(joined, c.Value)
		}
	}
	if !found {
		return rcp.Bot(d.universe)
	}
	if ambiguous {
		return rcp.NumTop(d.universe)
	}
	return joined
}

// Load reads width bytes at each offset in offsets and joins the
// results. A singleton offset returns its exact cell precisely; a
// partial overlap with other recorded cells is ambiguous and returns
// num-TOP; no overlap at all returns BOT. TOP offsets (or an already
// Unknown store) return num-TOP unconditionally, since any byte may have
// been touched.
func (d Dom) Load(offsets numset.Dom, width int64) rcp.Domain {
	if d.Infeasible {
		return rcp.Bot(d.universe)
	}
	if d.Unknown || offsets.IsTop() {
		return rcp.NumTop(d.universe)
	}
	if offsets.IsBot() {
		return rcp.Bot(d.universe)
	}
	if offsets.IsSingle() {
		return d.loadSingle(offsets.Single64(), width)
	}
	out := rcp.Bot(d.universe)
	any := false
	for _, off := range offsets.Elems() {
		v := d.loadSingle(off, width)
		if v.IsBot() {
			continue
		}
		if !any {
			out = v
			any = true
		} else {
			out = rcp.Join(out, v)
		}
	}
	return out
}

// Join is the MemDom lattice join: cellwise join where both stores agree
// on a cell's exact shape, dropped otherwise (sound: a cell only one
// side wrote is not known on the other path), and BOT||x == x.
func Join(a, b Dom) Dom {
	if a.Infeasible {
		return b
	}
	if b.Infeasible {
		return a
	}
	out := Init(a.universe)
	out.Unknown = a.Unknown || b.Unknown
	for _, ca := range a.cells() {
		if cb, ok := b.cellAt(ca.Offset); ok && cb.Width == ca.Width {
			out = out.insert(Cell{Offset: ca.Offset, Width: ca.Width, Value: rcp.Join(ca.Value, cb.Value)})
		}
	}
	return out
}

// String renders the store's cells in offset order, for invariant dumps.
func (d Dom) String() string {
	if d.Infeasible {
		return "bot"
	}
	cells := d.cells()
	sort.Slice(cells, func(i, j int) bool { return cells[i].Offset < cells[j].Offset })
	s := ""
	if d.Unknown {
		s += "unknown;"
	}
	for _, c := range cells {
		s += fmt.Sprintf("[%d,+%d)=%s;", c.Offset, c.Width, c.Value)
	}
	if s == "" {
		return "empty"
	}
	return s
}
