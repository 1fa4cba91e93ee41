// Package typeset implements the finite type lattice eBPF values live in:
// num, ctx, stack, packet, fd and one kind per declared map.
package typeset

import (
	"fmt"
	"strings"
)

// Kind indexes a single region in the type universe. The five fixed
// kinds occupy the low bits; map kinds start at MapBase.
type Kind uint

const (
	Num Kind = iota
	Ctx
	Stack
	Packet
	FD
	MapBase
)

// MaxMaps bounds how many map regions a single 64-bit bitset can track.
// No known eBPF program declares more than a handful of maps; this is a
// generous ceiling, not a tuning parameter.
const MaxMaps = 64 - int(MapBase)

// Set is a finite subset of the type universe, represented as a bitset.
// The zero Set is the empty set (no types, i.e. BOT for TypeSet purposes).
type Set uint64

// Single returns the singleton set containing only k.
func Single(k Kind) Set { return Set(1) << uint(k) }

// Map returns the singleton set for the i'th declared map.
func Map(i int) Set { return Single(MapBase + Kind(i)) }

func (s Set) Has(k Kind) bool { return s&Single(k) != 0 }

func (s Set) Union(o Set) Set        { return s | o }
func (s Set) Intersect(o Set) Set    { return s & o }
func (s Set) Without(o Set) Set      { return s &^ o }
func (s Set) Empty() bool            { return s == 0 }
func (s Set) Equal(o Set) bool       { return s == o }
func (s Set) Subset(o Set) bool      { return s&o == s }
func (s Set) Intersects(o Set) bool  { return s&o != 0 }
func (s Set) Singleton() (Kind, bool) {
	if s == 0 || s&(s-1) != 0 {
		return 0, false
	}
	for k := Kind(0); k < 64; k++ {
		if s.Has(k) {
			return k, true
		}
	}
	return 0, false
}

// Universe fixes the number of declared maps, which determines the
// derived sets (all, ptr, mem, maps, nonfd).
type Universe struct {
	NumMaps int
}

func (u Universe) All() Set {
	var s Set
	for i := 0; i < u.NumMaps; i++ {
		s |= Map(i)
	}
	return s | Single(Num) | Single(Ctx) | Single(Stack) | Single(Packet) | Single(FD)
}

func (u Universe) Maps() Set {
	var s Set
	for i := 0; i < u.NumMaps; i++ {
		s |= Map(i)
	}
	return s
}

func (u Universe) Ptr() Set    { return u.All().Without(Single(Num) | Single(FD)) }
func (u Universe) Mem() Set    { return u.Maps().Union(Single(Stack)).Union(Single(Packet)) }
func (u Universe) NonFD() Set  { return u.All().Without(Single(FD)) }
func (u Universe) Num() Set    { return Single(Num) }
func (u Universe) Ctx() Set    { return Single(Ctx) }
func (u Universe) Stack() Set  { return Single(Stack) }
func (u Universe) Packet() Set { return Single(Packet) }
func (u Universe) FD() Set     { return Single(FD) }

// Indices enumerates the type universe in the order the extractor walks
// it when expanding a multi-region constraint into per-region pieces:
// each declared map first, then ctx, stack, packet, num, fd.
func (u Universe) Indices() []Kind {
	idx := make([]Kind, 0, u.NumMaps+5)
	for i := 0; i < u.NumMaps; i++ {
		idx = append(idx, MapBase+Kind(i))
	}
	return append(idx, Ctx, Stack, Packet, Num, FD)
}

var fixedKindNames = []struct {
	kind Kind
	name string
}{
	{Num, "num"}, {Ctx, "ctx"}, {Stack, "stack"}, {Packet, "packet"}, {FD, "fd"},
}

func (s Set) String() string {
	var parts []string
	for _, kn := range fixedKindNames {
		if s.Has(kn.kind) {
			parts = append(parts, kn.name)
		}
	}
	for i := 0; i < MaxMaps; i++ {
		if s.Has(MapBase + Kind(i)) {
			parts = append(parts, fmt.Sprintf("map_%d", i))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
