package numset

import (
	"reflect"
	"testing"

	gocmp "github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func domEqual(a, b Dom) bool {
	return a.Equal(b)
}

func diff(a, b Dom) string {
	return gocmp.Diff(a, b, gocmp.Exporter(func(_ reflect.Type) bool { return true }), cmpopts.EquateComparable())
}

func TestJoinIdentities(t *testing.T) {
	x := Single(5)
	if !Join(Bot(), x).Equal(x) {
		t.Fatalf("BOT join x != x: %s", diff(Join(Bot(), x), x))
	}
	if !Join(Top(), x).Equal(Top()) {
		t.Fatalf("TOP join x != TOP")
	}
}

func TestJoinCommutative(t *testing.T) {
	a := FromSlice([]int64{1, 2})
	b := FromSlice([]int64{2, 3})
	if !Join(a, b).Equal(Join(b, a)) {
		t.Fatalf("join not commutative")
	}
}

func TestJoinAssociative(t *testing.T) {
	a := Single(1)
	b := Single(2)
	c := Single(3)
	if !Join(Join(a, b), c).Equal(Join(a, Join(b, c))) {
		t.Fatalf("join not associative")
	}
}

func TestJoinWidensPastK(t *testing.T) {
	vs := make([]int64, 0, K+1)
	for i := 0; i < K+1; i++ {
		vs = append(vs, int64(i))
	}
	d := FromSlice(vs)
	if !d.IsTop() {
		t.Fatalf("expected widen to TOP, got %s", d)
	}
}

func TestMeetIdentities(t *testing.T) {
	x := Single(5)
	if !Meet(Bot(), x).IsBot() {
		t.Fatalf("BOT meet x != BOT")
	}
	if !Meet(Top(), x).Equal(x) {
		t.Fatalf("TOP meet x != x")
	}
}

func TestArithBotTopPropagate(t *testing.T) {
	if !Arith(Add, Bot(), Single(1)).IsBot() {
		t.Fatalf("BOT should propagate through arith")
	}
	if !Arith(Add, Top(), Single(1)).IsTop() {
		t.Fatalf("TOP should propagate through arith")
	}
}

func TestArithDivByPossibleZeroIsTop(t *testing.T) {
	divisor := FromSlice([]int64{0, 1})
	got := Arith(Div, Single(10), divisor)
	if !got.IsTop() {
		t.Fatalf("div by set containing 0 must be TOP, got %s", got)
	}
}

func TestArithDivNeverTraps(t *testing.T) {
	got := Arith(Div, Single(10), Single(0))
	if !got.IsTop() {
		t.Fatalf("div by exact 0 must yield TOP rather than panic, got %s", got)
	}
}

func TestArithPointwise(t *testing.T) {
	a := FromSlice([]int64{1, 2})
	b := FromSlice([]int64{10})
	got := Arith(Add, a, b)
	want := FromSlice([]int64{11, 12})
	if !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestAssumeExactOnSingletons(t *testing.T) {
	a := FromSlice([]int64{1, 2, 3})
	got := Assume(a, LT, Single(2))
	want := Single(1)
	if !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestAssumeImpreciseOnTop(t *testing.T) {
	a := FromSlice([]int64{1, 2, 3})
	got := Assume(a, LT, Top())
	if !got.Equal(a) {
		t.Fatalf("assume against TOP must return left unchanged, got %s", got)
	}
}

func TestSatisfiedBotVacuouslyTrue(t *testing.T) {
	if !Satisfied(Bot(), LT, Single(0)) {
		t.Fatalf("BOT must vacuously satisfy any relation")
	}
}

func TestSatisfiedTopNeverProven(t *testing.T) {
	if Satisfied(Top(), GE, Single(0)) {
		t.Fatalf("TOP can never be proven to satisfy a relation")
	}
}

func TestBoundedPrecision(t *testing.T) {
	tests := []Dom{
		Bot(), Top(), Single(1), FromSlice([]int64{1, 2, 3, 4}),
	}
	for _, d := range tests {
		if !d.IsTop() && len(d.Elems()) > K {
			t.Fatalf("domain %s exceeds K=%d without widening to TOP", d, K)
		}
	}
}
