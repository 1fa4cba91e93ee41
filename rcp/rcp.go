// Package rcp implements the RCP (Register/Context/Packet) domain: the
// per-value abstract domain decomposing a value into independent region
// components (num, ctx offset, stack offset, packet offset, fd, one
// offset per declared map, and a packet_end flag).
package rcp

import (
	"fmt"
	"strings"

	"github.com/pchaigno/go-ebpf-verifier/numset"
	"github.com/pchaigno/go-ebpf-verifier/typeset"
)

// MapDef carries the metadata this package needs about a declared map.
type MapDef struct {
	ValueSize int
}

// Domain is an RCP value: an independent NumSet/OffsetSet per region.
// The zero Domain (no maps) is BOT. Values are immutable.
type Domain struct {
	universe typeset.Universe

	Num       numset.Dom
	Ctx       numset.Dom
	Stack     numset.Dom
	Packet    numset.Dom
	FD        numset.Dom
	Maps      []numset.Dom // len == universe.NumMaps
	PacketEnd bool
}

// NumTop returns the "any number" value: Num = TOP, all other components BOT.
func NumTop(u typeset.Universe) Domain {
	out := Bot(u)
	out.Num = numset.Top()
	return out
}

// Top returns the fully havoced value: every component TOP, packet_end
// set. Used where a value must be widened past even NumTop, e.g. a
// non-singleton ctx offset read, which may alias any context field.
func Top(u typeset.Universe) Domain {
	out := Bot(u)
	out.Num = numset.Top()
	out.Ctx = numset.Top()
	out.Stack = numset.Top()
	out.Packet = numset.Top()
	out.FD = numset.Top()
	out.PacketEnd = true
	for i := range out.Maps {
		out.Maps[i] = numset.Top()
	}
	return out
}

// Bot returns the BOT value for a universe of the given size.
func Bot(u typeset.Universe) Domain {
	maps := make([]numset.Dom, u.NumMaps)
	for i := range maps {
		maps[i] = numset.Bot()
	}
	return Domain{
		universe: u,
		Num:      numset.Bot(),
		Ctx:      numset.Bot(),
		Stack:    numset.Bot(),
		Packet:   numset.Bot(),
		FD:       numset.Bot(),
		Maps:     maps,
	}
}

func (d Domain) Universe() typeset.Universe { return d.universe }

func (d Domain) clone() Domain {
	maps := append([]numset.Dom(nil), d.Maps...)
	d.Maps = maps
	return d
}

func (d Domain) WithNum(v int64) Domain {
	out := d.clone()
	out.Num = numset.Single(v)
	return out
}

func (d Domain) WithCtx(off int64) Domain {
	out := d.clone()
	out.Ctx = numset.Single(off)
	return out
}

func (d Domain) WithStack(off int64) Domain {
	out := d.clone()
	out.Stack = numset.Single(off)
	return out
}

func (d Domain) WithPacket(off int64) Domain {
	out := d.clone()
	out.Packet = numset.Single(off)
	return out
}

func (d Domain) WithFD(id int64) Domain {
	out := d.clone()
	out.FD = numset.Single(id)
	return out
}

func (d Domain) WithMap(i int, off int64) Domain {
	out := d.clone()
	out.Maps[i] = numset.Single(off)
	return out
}

func (d Domain) WithPacketEnd() Domain {
	out := d.clone()
	out.PacketEnd = true
	return out
}

// Region returns the offset component for a single-kind typeset region
// (Ctx, Stack, Packet, or a map kind). Num/FD/PacketEnd are not regions
// in this sense and return BOT.
func (d Domain) Region(k typeset.Kind) numset.Dom {
	switch k {
	case typeset.Ctx:
		return d.Ctx
	case typeset.Stack:
		return d.Stack
	case typeset.Packet:
		return d.Packet
	default:
		if k >= typeset.MapBase && int(k-typeset.MapBase) < len(d.Maps) {
			return d.Maps[k-typeset.MapBase]
		}
		return numset.Bot()
	}
}

func (d Domain) withRegion(k typeset.Kind, v numset.Dom) Domain {
	out := d.clone()
	switch k {
	case typeset.Ctx:
		out.Ctx = v
	case typeset.Stack:
		out.Stack = v
	case typeset.Packet:
		out.Packet = v
	default:
		if k >= typeset.MapBase && int(k-typeset.MapBase) < len(out.Maps) {
			out.Maps[k-typeset.MapBase] = v
		}
	}
	return out
}

func (d Domain) joinRegion(k typeset.Kind, v numset.Dom) Domain {
	return d.withRegion(k, numset.Join(d.Region(k), v))
}

// offsetKinds enumerates the region kinds that carry an OffsetSet.
func (d Domain) offsetKinds() []typeset.Kind {
	ks := []typeset.Kind{typeset.Ctx, typeset.Stack, typeset.Packet}
	for i := 0; i < d.universe.NumMaps; i++ {
		ks = append(ks, typeset.MapBase+typeset.Kind(i))
	}
	return ks
}

// NonBotRegions lists the offset-bearing regions which are not BOT.
func (d Domain) NonBotRegions() []typeset.Kind {
	var out []typeset.Kind
	for _, k := range d.offsetKinds() {
		if !d.Region(k).IsBot() {
			out = append(out, k)
		}
	}
	return out
}

func (d Domain) HasFD() bool   { return !d.FD.IsBot() }
func (d Domain) HasNum() bool  { return !d.Num.IsBot() }
func (d Domain) HasPtr() bool  { return len(d.NonBotRegions()) > 0 }

// IsBot reports whether every component is BOT and packet_end unset:
// the "semantic value = union of the non-empty components" is then empty.
func (d Domain) IsBot() bool {
	if !d.Num.IsBot() || !d.Ctx.IsBot() || !d.Stack.IsBot() || !d.Packet.IsBot() || !d.FD.IsBot() || d.PacketEnd {
		return false
	}
	for _, m := range d.Maps {
		if !m.IsBot() {
			return false
		}
	}
	return true
}

// MustBeNum reports whether the only possible region is num.
func (d Domain) MustBeNum() bool {
	return !d.Num.IsBot() && d.FD.IsBot() && !d.PacketEnd && len(d.NonBotRegions()) == 0
}

func (d Domain) MaybePacket() bool { return !d.Packet.IsBot() }

func (d Domain) MaybeMap() bool {
	for _, m := range d.Maps {
		if !m.IsBot() {
			return true
		}
	}
	return false
}

func (d Domain) IsPureNum() bool {
	return d.FD.IsBot() && !d.PacketEnd && len(d.NonBotRegions()) == 0
}

func (d Domain) hasAnyPtrOrFD() bool {
	return d.HasFD() || d.HasPtr() || d.PacketEnd
}

// Zero returns a same-shape value with every non-BOT offset component
// replaced by the singleton {0}; num/fd/packet_end pass through.
func (d Domain) Zero() Domain {
	out := d.clone()
	for _, k := range d.offsetKinds() {
		if !d.Region(k).IsBot() {
			out = out.withRegion(k, numset.Single(0))
		}
	}
	return out
}

// Join is the RCP lattice join: componentwise NumSet/OffsetSet join.
func Join(a, b Domain) Domain {
	out := a.clone()
	out.Num = numset.Join(a.Num, b.Num)
	out.Ctx = numset.Join(a.Ctx, b.Ctx)
	out.Stack = numset.Join(a.Stack, b.Stack)
	out.Packet = numset.Join(a.Packet, b.Packet)
	out.FD = numset.Join(a.FD, b.FD)
	out.PacketEnd = a.PacketEnd || b.PacketEnd
	for i := range out.Maps {
		out.Maps[i] = numset.Join(a.Maps[i], b.Maps[i])
	}
	return out
}

// Meet is the RCP lattice meet: componentwise NumSet/OffsetSet meet.
func Meet(a, b Domain) Domain {
	out := a.clone()
	out.Num = numset.Meet(a.Num, b.Num)
	out.Ctx = numset.Meet(a.Ctx, b.Ctx)
	out.Stack = numset.Meet(a.Stack, b.Stack)
	out.Packet = numset.Meet(a.Packet, b.Packet)
	out.FD = numset.Meet(a.FD, b.FD)
	out.PacketEnd = a.PacketEnd && b.PacketEnd
	for i := range out.Maps {
		out.Maps[i] = numset.Meet(a.Maps[i], b.Maps[i])
	}
	return out
}

func (d Domain) Equal(o Domain) bool {
	if !d.Num.Equal(o.Num) || !d.Ctx.Equal(o.Ctx) || !d.Stack.Equal(o.Stack) ||
		!d.Packet.Equal(o.Packet) || !d.FD.Equal(o.FD) || d.PacketEnd != o.PacketEnd {
		return false
	}
	for i := range d.Maps {
		if !d.Maps[i].Equal(o.Maps[i]) {
			return false
		}
	}
	return true
}

// crossRegion reports whether a and b have non-BOT offset regions that
// differ, i.e. pointers into two distinct regions.
func crossRegion(a, b Domain) bool {
	ra, rb := a.NonBotRegions(), b.NonBotRegions()
	if len(ra) == 0 || len(rb) == 0 {
		return false
	}
	set := map[typeset.Kind]bool{}
	for _, k := range ra {
		set[k] = true
	}
	for _, k := range rb {
		if !set[k] {
			return true
		}
	}
	return false
}

// Add implements pointer/scalar addition: pointer + num adjusts the
// offset component; any other combination (ptr+ptr, fd+anything,
// packet_end+anything) degrades to num-TOP.
func Add(a, b Domain) Domain {
	if a.IsBot() || b.IsBot() {
		return Bot(a.universe)
	}
	out := Bot(a.universe)
	any := false
	for _, k := range a.offsetKinds() {
		aOff, bOff := a.Region(k), b.Region(k)
		if !aOff.IsBot() && !b.Num.IsBot() {
			out = out.joinRegion(k, numset.Arith(numset.Add, aOff, b.Num))
			any = true
		}
		if !bOff.IsBot() && !a.Num.IsBot() {
			out = out.joinRegion(k, numset.Arith(numset.Add, bOff, a.Num))
			any = true
		}
	}
	if !a.Num.IsBot() && !b.Num.IsBot() {
		out.Num = numset.Join(out.Num, numset.Arith(numset.Add, a.Num, b.Num))
		any = true
	}
	if messyAdd(a, b) {
		out.Num = numset.Join(out.Num, numset.Top())
		any = true
	}
	if !any {
		return Bot(a.universe)
	}
	return out
}

func messyAdd(a, b Domain) bool {
	if a.HasFD() && (b.HasNum() || b.HasFD() || b.HasPtr() || b.PacketEnd) {
		return true
	}
	if b.HasFD() && (a.HasNum() || a.HasPtr() || a.PacketEnd) {
		return true
	}
	if a.PacketEnd && (b.HasNum() || b.HasPtr()) {
		return true
	}
	if b.PacketEnd && (a.HasNum() || a.HasPtr()) {
		return true
	}
	return a.HasPtr() && b.HasPtr()
}

// Sub implements pointer/scalar subtraction: ptr - num adjusts the
// offset; ptr - same-region-ptr yields a num difference; any other
// combination degrades to num-TOP.
func Sub(a, b Domain) Domain {
	if a.IsBot() || b.IsBot() {
		return Bot(a.universe)
	}
	out := Bot(a.universe)
	any := false
	for _, k := range a.offsetKinds() {
		aOff, bOff := a.Region(k), b.Region(k)
		if !aOff.IsBot() && !b.Num.IsBot() {
			out = out.joinRegion(k, numset.Arith(numset.Sub, aOff, b.Num))
			any = true
		}
		if !aOff.IsBot() && !bOff.IsBot() {
			out.Num = numset.Join(out.Num, numset.Arith(numset.Sub, aOff, bOff))
			any = true
		}
	}
	if !a.Num.IsBot() && !b.Num.IsBot() {
		out.Num = numset.Join(out.Num, numset.Arith(numset.Sub, a.Num, b.Num))
		any = true
	}
	if messySub(a, b) {
		out.Num = numset.Join(out.Num, numset.Top())
		any = true
	}
	if !any {
		return Bot(a.universe)
	}
	return out
}

func messySub(a, b Domain) bool {
	if crossRegion(a, b) {
		return true
	}
	if b.HasPtr() && a.HasNum() {
		return true // num - ptr is invalid
	}
	if a.HasFD() && (b.HasNum() || b.HasFD() || b.HasPtr() || b.PacketEnd) {
		return true
	}
	if b.HasFD() && (a.HasNum() || a.HasPtr() || a.PacketEnd) {
		return true
	}
	if a.PacketEnd && (b.HasNum() || b.HasPtr()) {
		return true
	}
	if b.PacketEnd && (a.HasNum() || a.HasPtr()) {
		return true
	}
	return false
}

// Exec applies a bitwise/shift op. These project through num only: if
// either operand carries a non-num region the whole result becomes
// num-TOP.
func Exec(op numset.ArithOp, a, b Domain) Domain {
	out := Bot(a.universe)
	if a.IsBot() || b.IsBot() {
		return out
	}
	if a.IsPureNum() && b.IsPureNum() {
		out.Num = numset.Arith(op, a.Num, b.Num)
		return out
	}
	if a.HasNum() || b.HasNum() || a.hasAnyPtrOrFD() || b.hasAnyPtrOrFD() {
		out.Num = numset.Top()
	}
	return out
}

// Assume sharpens left in place (returning the sharpened value): it
// restricts left to the regions in whenTypes, then for each region
// present in both left and right applies the region-local NumSet
// assume; a region present only on the left is eliminated unless op is
// NE.
func Assume(left Domain, op numset.CmpOp, right Domain, whenTypes typeset.Set) Domain {
	out := AssumeType(left, whenTypes)
	for _, k := range append(out.offsetKinds(), typeset.Num, typeset.FD) {
		if !whenTypes.Has(k) {
			continue
		}
		l := componentOf(out, k)
		if l.IsBot() {
			continue
		}
		r := componentOf(right, k)
		if r.IsBot() {
			if op != numset.NE {
				out = withComponent(out, k, numset.Bot())
			}
			continue
		}
		out = withComponent(out, k, numset.Assume(l, op, r))
	}
	return out
}

// Satisfied reports whether every concrete value of left, restricted to
// whenTypes, satisfies "left op right".
func Satisfied(left Domain, op numset.CmpOp, right Domain, whenTypes typeset.Set) bool {
	for _, k := range append(left.offsetKinds(), typeset.Num, typeset.FD) {
		if !whenTypes.Has(k) {
			continue
		}
		l := componentOf(left, k)
		if l.IsBot() {
			continue
		}
		r := componentOf(right, k)
		if r.IsBot() {
			if op != numset.NE {
				return false
			}
			continue
		}
		if !numset.Satisfied(l, op, r) {
			return false
		}
	}
	return true
}

func componentOf(d Domain, k typeset.Kind) numset.Dom {
	if k == typeset.Num {
		return d.Num
	}
	if k == typeset.FD {
		return d.FD
	}
	return d.Region(k)
}

func withComponent(d Domain, k typeset.Kind, v numset.Dom) Domain {
	if k == typeset.Num {
		out := d.clone()
		out.Num = v
		return out
	}
	if k == typeset.FD {
		out := d.clone()
		out.FD = v
		return out
	}
	return d.withRegion(k, v)
}

// AssumeType restricts d to only the regions named in types (num and fd
// included), bottoming out everything else. This is the TypeConstraint
// form of assume with no "given" qualifier.
func AssumeType(d Domain, types typeset.Set) Domain {
	out := d.clone()
	if !types.Has(typeset.Num) {
		out.Num = numset.Bot()
	}
	if !types.Has(typeset.FD) {
		out.FD = numset.Bot()
	}
	if !types.Has(typeset.Ctx) {
		out.Ctx = numset.Bot()
	}
	if !types.Has(typeset.Stack) {
		out.Stack = numset.Bot()
	}
	if !types.Has(typeset.Packet) {
		out.Packet = numset.Bot()
	}
	out.PacketEnd = d.PacketEnd && types.Has(typeset.Packet)
	for i := range out.Maps {
		if !types.Has(typeset.MapBase + typeset.Kind(i)) {
			out.Maps[i] = numset.Bot()
		}
	}
	return out
}

// SatisfiedType reports whether d's non-BOT regions are all within types.
func SatisfiedType(d Domain, types typeset.Set) bool {
	if d.HasNum() && !types.Has(typeset.Num) {
		return false
	}
	if d.HasFD() && !types.Has(typeset.FD) {
		return false
	}
	for _, k := range d.NonBotRegions() {
		if !types.Has(k) {
			return false
		}
	}
	return true
}

// AssumeGivenType restricts d to types, but only when given might carry
// givenTypes; when given definitely cannot, the premise is false and d
// is left unchanged (sound, if imprecise).
func AssumeGivenType(d Domain, types typeset.Set, given Domain, givenTypes typeset.Set) Domain {
	if !couldBe(given, givenTypes) {
		return d
	}
	return AssumeType(d, types)
}

func couldBe(d Domain, types typeset.Set) bool {
	if d.HasNum() && types.Has(typeset.Num) {
		return true
	}
	if d.HasFD() && types.Has(typeset.FD) {
		return true
	}
	for _, k := range d.NonBotRegions() {
		if types.Has(k) {
			return true
		}
	}
	return false
}

// SatisfiedGivenType reports whether the conditional TypeConstraint
// holds: vacuously true if given cannot be of givenTypes, otherwise d
// must definitely be of types.
func SatisfiedGivenType(d Domain, types typeset.Set, given Domain, givenTypes typeset.Set) bool {
	if !couldBe(given, givenTypes) {
		return true
	}
	return SatisfiedType(d, types)
}

// MapLookupElem models bpf_map_lookup_elem: d is expected to carry an fd
// singleton; the result is the union of a value-pointer for the
// indicated map (offset 0) and a null (num 0) result.
func MapLookupElem(d Domain, mapDefs []MapDef) Domain {
	out := Bot(d.universe)
	out.Num = numset.Single(0)
	for _, fd := range d.FD.Elems() {
		if fd >= 0 && int(fd) < len(mapDefs) && int(fd) < len(out.Maps) {
			out.Maps[fd] = numset.Join(out.Maps[fd], numset.Single(0))
		}
	}
	return out
}

func (d Domain) String() string {
	var parts []string
	if !d.Num.IsBot() {
		parts = append(parts, fmt.Sprintf("num=%s", d.Num))
	}
	if !d.Ctx.IsBot() {
		parts = append(parts, fmt.Sprintf("ctx=%s", d.Ctx))
	}
	if !d.Stack.IsBot() {
		parts = append(parts, fmt.Sprintf("stack=%s", d.Stack))
	}
	if !d.Packet.IsBot() {
		parts = append(parts, fmt.Sprintf("packet=%s", d.Packet))
	}
	if !d.FD.IsBot() {
		parts = append(parts, fmt.Sprintf("fd=%s", d.FD))
	}
	for i, m := range d.Maps {
		if !m.IsBot() {
			parts = append(parts, fmt.Sprintf("map_%d=%s", i, m))
		}
	}
	if d.PacketEnd {
		parts = append(parts, "packet_end")
	}
	if len(parts) == 0 {
		return "bot"
	}
	return strings.Join(parts, ",")
}
