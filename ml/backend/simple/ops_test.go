package simple

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/flexattn/flexattn/ml"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()
	b := New()
	t.Cleanup(b.Close)
	return b.NewContext()
}

func TestRegisteredBackend(t *testing.T) {
	b, err := ml.NewBackend("simple")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if b.Name() != "simple" || b.Device() != ml.DeviceCPU {
		t.Errorf("backend = %s on %s", b.Name(), b.Device())
	}
}

func TestArithmeticBroadcast(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	row := ctx.FromFloats([]float32{10, 20, 30}, 3)
	col := ctx.FromFloats([]float32{100, 200}, 2, 1)

	if diff := cmp.Diff([]float32{11, 22, 33, 14, 25, 36}, a.Add(ctx, row).Floats()); diff != "" {
		t.Errorf("row broadcast mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]float32{101, 102, 103, 204, 205, 206}, a.Add(ctx, col).Floats()); diff != "" {
		t.Errorf("col broadcast mismatch:\n%s", diff)
	}
}

func TestIntDivisionTruncates(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromInts([]int32{7, -7}, 2)
	b := ctx.FromInts([]int32{2, 2}, 2)

	out := a.Div(ctx, b)
	if out.DType() != ml.DTypeI32 {
		t.Fatalf("dtype = %s, want I32", out.DType())
	}
	if diff := cmp.Diff([]int32{3, -3}, out.Ints()); diff != "" {
		t.Errorf("truncating division mismatch:\n%s", diff)
	}
}

func TestComparisonAndWhere(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 5, 3}, 3)
	b := ctx.FromFloats([]float32{2, 2, 3}, 3)

	gt := a.Greater(ctx, b)
	if diff := cmp.Diff([]bool{false, true, false}, gt.Bools()); diff != "" {
		t.Errorf("greater mismatch:\n%s", diff)
	}

	out := gt.Where(ctx, a, b)
	if diff := cmp.Diff([]float32{2, 5, 3}, out.Floats()); diff != "" {
		t.Errorf("where mismatch:\n%s", diff)
	}
}

func TestReductions(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	if diff := cmp.Diff([]float32{6, 15}, a.Sum(ctx, -1, false).Floats()); diff != "" {
		t.Errorf("sum mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 1}, a.Sum(ctx, 1, true).Shape()); diff != "" {
		t.Errorf("keepDim shape mismatch:\n%s", diff)
	}

	// Bool sums count as I32
	mask := ctx.FromBools([]bool{true, false, true, true}, 2, 2)
	counts := mask.Sum(ctx, -1, false)
	if counts.DType() != ml.DTypeI32 {
		t.Fatalf("bool sum dtype = %s, want I32", counts.DType())
	}
	if diff := cmp.Diff([]int32{1, 2}, counts.Ints()); diff != "" {
		t.Errorf("bool sum mismatch:\n%s", diff)
	}

	if diff := cmp.Diff([]bool{false, true}, mask.All(ctx, -1, false).Bools()); diff != "" {
		t.Errorf("all mismatch")
	}
	if diff := cmp.Diff([]bool{true, true}, mask.Any(ctx, -1, false).Bools()); diff != "" {
		t.Errorf("any mismatch")
	}
}

func TestArgsortStability(t *testing.T) {
	ctx := testContext(t)

	// equal keys keep their original order under a stable sort
	a := ctx.FromFloats([]float32{1, 0, 1, 0, 1}, 5)
	idx := a.Argsort(ctx, 0, true, true)
	if diff := cmp.Diff([]int32{0, 2, 4, 1, 3}, idx.Ints()); diff != "" {
		t.Errorf("stable descending argsort mismatch:\n%s", diff)
	}

	asc := a.Argsort(ctx, 0, false, true)
	if diff := cmp.Diff([]int32{1, 3, 0, 2, 4}, asc.Ints()); diff != "" {
		t.Errorf("stable ascending argsort mismatch:\n%s", diff)
	}
}

func TestScatter(t *testing.T) {
	ctx := testContext(t)

	base := ctx.Zeros(ml.DTypeI32, 2, 4)
	idx := ctx.FromInts([]int32{3, 0, 1, 2}, 2, 2)
	src := ctx.FromInts([]int32{7, 8, 9, 10}, 2, 2)

	out := base.Scatter(ctx, -1, idx, src)
	want := []int32{
		8, 0, 0, 7,
		0, 9, 10, 0,
	}
	if diff := cmp.Diff(want, out.Ints()); diff != "" {
		t.Errorf("scatter mismatch:\n%s", diff)
	}

	// the receiver is untouched
	if diff := cmp.Diff(make([]int32, 8), base.Ints()); diff != "" {
		t.Errorf("scatter mutated its receiver:\n%s", diff)
	}
}

func TestTakeAlongAxis(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{10, 20, 30, 40, 50, 60}, 2, 3)
	idx := ctx.FromInts([]int32{2, 0, 1, 1}, 2, 2)

	out := a.TakeAlongAxis(ctx, -1, idx)
	if diff := cmp.Diff([]float32{30, 10, 50, 50}, out.Floats()); diff != "" {
		t.Errorf("take_along_axis mismatch:\n%s", diff)
	}
}

func TestShapeOps(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	r := a.Reshape(ctx, 3, -1)
	if diff := cmp.Diff([]int{3, 2}, r.Shape()); diff != "" {
		t.Errorf("reshape shape mismatch:\n%s", diff)
	}

	p := a.Permute(ctx, 1, 0)
	if diff := cmp.Diff([]float32{1, 4, 2, 5, 3, 6}, p.Floats()); diff != "" {
		t.Errorf("permute mismatch:\n%s", diff)
	}

	e := ctx.FromFloats([]float32{1, 2}, 2, 1).Expand(ctx, 2, 3)
	if diff := cmp.Diff([]float32{1, 1, 1, 2, 2, 2}, e.Floats()); diff != "" {
		t.Errorf("expand mismatch:\n%s", diff)
	}

	n := a.Narrow(ctx, 1, 1, 2)
	if diff := cmp.Diff([]float32{2, 3, 5, 6}, n.Floats()); diff != "" {
		t.Errorf("narrow mismatch:\n%s", diff)
	}

	f := a.Flip(ctx, 1)
	if diff := cmp.Diff([]float32{3, 2, 1, 6, 5, 4}, f.Floats()); diff != "" {
		t.Errorf("flip mismatch:\n%s", diff)
	}
}

func TestConcatAndStack(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2}, 1, 2)
	b := ctx.FromFloats([]float32{3, 4}, 1, 2)

	c := a.Concat(ctx, b, 0)
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, c.Floats()); diff != "" {
		t.Errorf("concat mismatch:\n%s", diff)
	}

	s := a.Stack(ctx, 1, b)
	if diff := cmp.Diff([]int{1, 2, 2}, s.Shape()); diff != "" {
		t.Errorf("stack shape mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, s.Floats()); diff != "" {
		t.Errorf("stack mismatch:\n%s", diff)
	}
}

func TestCastF16RoundTrip(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{0.5, -1.25, 2}, 3)
	h := a.Cast(ctx, ml.DTypeF16)
	if h.DType() != ml.DTypeF16 {
		t.Fatalf("dtype = %s, want F16", h.DType())
	}

	back := h.Cast(ctx, ml.DTypeF32)
	if diff := cmp.Diff(a.Floats(), back.Floats()); diff != "" {
		t.Errorf("f16 round trip mismatch:\n%s", diff)
	}
}

func TestCastBool(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromInts([]int32{0, 3, -1}, 3)
	b := a.Cast(ctx, ml.DTypeBool)
	if diff := cmp.Diff([]bool{false, true, true}, b.Bools()); diff != "" {
		t.Errorf("bool cast mismatch:\n%s", diff)
	}
}

func TestMutatingOps(t *testing.T) {
	ctx := testContext(t)

	src := ctx.FromFloats([]float32{1, 2, 3}, 3)
	dst := ctx.Zeros(ml.DTypeF32, 3)

	if out := src.Copy(ctx, dst); out != dst {
		t.Error("copy should return its destination")
	}
	if diff := cmp.Diff([]float32{1, 2, 3}, dst.Floats()); diff != "" {
		t.Errorf("copy mismatch:\n%s", diff)
	}

	acc := ctx.FromFloats([]float32{1, 1, 1}, 3)
	if out := acc.AddAssign(ctx, src); out != acc {
		t.Error("add assign should return its receiver")
	}
	if diff := cmp.Diff([]float32{2, 3, 4}, acc.Floats()); diff != "" {
		t.Errorf("add assign mismatch:\n%s", diff)
	}
}

func TestArange(t *testing.T) {
	ctx := testContext(t)

	a := ctx.Arange(0, 5, 2, ml.DTypeI32)
	if diff := cmp.Diff([]int32{0, 2, 4}, a.Ints()); diff != "" {
		t.Errorf("arange mismatch:\n%s", diff)
	}
}

func TestTrig(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{0, float32(math.Pi) / 2}, 2)
	s := a.Sin(ctx).Floats()
	if math.Abs(float64(s[0])) > 1e-6 || math.Abs(float64(s[1])-1) > 1e-6 {
		t.Errorf("sin = %v", s)
	}
}

func TestBroadcastMismatchPanics(t *testing.T) {
	ctx := testContext(t)

	defer func() {
		if recover() == nil {
			t.Error("expected panic for incompatible shapes")
		}
	}()
	ctx.Zeros(ml.DTypeF32, 2).Add(ctx, ctx.Zeros(ml.DTypeF32, 3))
}
