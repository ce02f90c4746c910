package clock

import (
	"errors"
	"fmt"
	"testing"
	"testing/quick"
)

func stamp(vs ...uint64) VectorStamp {
	return VectorStamp{Values: vs}
}

// pair turns two arbitrary slices into equal-length stamps.
func pair(a, b []uint64) (VectorStamp, VectorStamp) {
	n := min(len(a), len(b))
	return stamp(a[:n]...), stamp(b[:n]...)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorStamp
		want Ordering
	}{
		{"equal", stamp(1, 2, 3), stamp(1, 2, 3), Equal},
		{"less", stamp(1, 2, 3), stamp(1, 3, 3), LessThan},
		{"greater", stamp(2, 2, 3), stamp(1, 2, 3), GreaterThan},
		{"concurrent", stamp(2, 0, 3), stamp(1, 2, 3), Concurrent},
		{"empty", stamp(), stamp(), Equal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Compare(tt.b)
			if err != nil {
				t.Fatalf("Compare: %v", err)
			}
			if got != tt.want {
				t.Errorf("Compare(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareDimensionMismatch(t *testing.T) {
	_, err := stamp(1, 2).Compare(stamp(1, 2, 3))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}

	c, _ := NewVector(2, 0)
	if err := c.Merge(stamp(1, 2, 3)); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch from Merge, got %v", err)
	}
	if got := c.Snapshot(); got.String() != "[0, 0]" {
		t.Fatalf("failed merge changed the clock: %v", got)
	}
}

func TestNewVectorRejectsBadOwner(t *testing.T) {
	for _, tc := range []struct{ n, owner int }{{0, 0}, {3, 3}, {3, -1}} {
		if _, err := NewVector(tc.n, tc.owner); err == nil {
			t.Errorf("NewVector(%d, %d) should fail", tc.n, tc.owner)
		}
	}
}

func TestCompareMirrors(t *testing.T) {
	f := func(a, b []uint64) bool {
		x, y := pair(a, b)
		xy, err1 := x.Compare(y)
		yx, err2 := y.Compare(x)
		return err1 == nil && err2 == nil && xy == yx.Mirror()
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestCompareSelfIsEqual(t *testing.T) {
	f := func(a []uint64) bool {
		o, err := stamp(a...).Compare(stamp(a...))
		return err == nil && o == Equal
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestMergeNeverMovesBackward(t *testing.T) {
	f := func(a, b []uint64) bool {
		x, y := pair(a, b)
		if x.Len() == 0 {
			return true
		}
		c := &Vector{owner: 0, v: x.Clone().Values}
		if err := c.Merge(y); err != nil {
			return false
		}
		o, err := c.Compare(y)
		if err != nil {
			return false
		}
		if o != Equal && o != GreaterThan {
			return false
		}
		o, _ = c.Compare(x)
		return o == Equal || o == GreaterThan
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestCopyComparesEqual(t *testing.T) {
	c, _ := NewVector(4, 2)
	c.Advance()
	c.Advance()
	_ = c.Merge(stamp(5, 0, 1, 7))

	cp := c.Copy()
	o, err := c.Compare(cp.Snapshot())
	if err != nil || o != Equal {
		t.Fatalf("copy compares %v (%v), want EQUAL", o, err)
	}

	cp.Advance()
	if o, _ := c.Compare(cp.Snapshot()); o != LessThan {
		t.Fatalf("advancing the copy must not touch the source, got %v", o)
	}
}

func TestAdvanceOnlyTouchesOwner(t *testing.T) {
	c, _ := NewVector(3, 1)
	s := c.Advance()
	if s.String() != "[0, 1, 0]" {
		t.Fatalf("got %v", s)
	}
	if s.Owner != 1 {
		t.Fatalf("stamp owner = %d, want 1", s.Owner)
	}
	s.Values[0] = 99
	if c.Snapshot().Values[0] != 0 {
		t.Fatal("stamp aliases the clock")
	}
}

func TestLamport(t *testing.T) {
	var c Lamport
	if got := c.Advance(); got != 1 {
		t.Fatalf("Advance = %d, want 1", got)
	}
	_ = c.Merge(5)
	if got := c.Snapshot(); got != 6 {
		t.Fatalf("after Merge(5) = %d, want 6", got)
	}
	_ = c.Merge(2)
	if got := c.Snapshot(); got != 7 {
		t.Fatalf("after Merge(2) = %d, want 7", got)
	}
	if o, _ := c.Compare(9); o != LessThan {
		t.Fatalf("Compare(9) = %v", o)
	}
}

func TestPrecedes(t *testing.T) {
	if !Precedes(5, 0, 5, 1) {
		t.Error("equal timestamps must break ties by lower index")
	}
	if Precedes(6, 0, 5, 1) {
		t.Error("larger timestamp must not win")
	}
	if !Precedes(4, 3, 5, 1) {
		t.Error("smaller timestamp must win regardless of index")
	}
}

func ExampleVector_Advance() {
	c, _ := NewVector(3, 0)
	c.Advance()
	_ = c.Merge(VectorStamp{Values: []uint64{0, 4, 2}})
	fmt.Println(c.Advance())
	// Output: [2, 4, 2]
}
