package flow

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/flexattn/flexattn/ml"
	"github.com/flexattn/flexattn/ml/backend/simple"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()
	b := simple.New()
	t.Cleanup(b.Close)
	return b.NewContext()
}

func floats(t *testing.T, v any) []float32 {
	t.Helper()
	tensor, ok := v.(ml.Tensor)
	if !ok {
		t.Fatalf("result is %T, not a tensor", v)
	}
	return tensor.Floats()
}

func addBranch(bias float32) Branch {
	return func(ctx ml.Context, operands any) (any, error) {
		x := operands.(ml.Tensor)
		return x.Add(ctx, ctx.FromFloats([]float32{bias}, 1)), nil
	}
}

func TestCondEager(t *testing.T) {
	ctx := testContext(t)
	x := ctx.FromFloats([]float32{1, 2}, 2)

	for _, tt := range []struct {
		pred bool
		want []float32
	}{
		{true, []float32{11, 12}},
		{false, []float32{-19, -18}},
	} {
		out, err := Cond(ctx, ctx.FromBools([]bool{tt.pred}, 1), addBranch(10), addBranch(-20), x)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.want, floats(t, out)); diff != "" {
			t.Errorf("pred=%v mismatch:\n%s", tt.pred, diff)
		}
	}
}

func TestCondCapturedMatchesEager(t *testing.T) {
	ctx := testContext(t)
	x := ctx.FromFloats([]float32{3, 4}, 2)
	pred := ctx.FromBools([]bool{true}, 1)

	eager, err := Cond(ctx, pred, addBranch(1), addBranch(2), x)
	if err != nil {
		t.Fatal(err)
	}

	var captured any
	err = Captured(ctx, func() error {
		var err error
		captured, err = Cond(ctx, pred, addBranch(1), addBranch(2), x)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(floats(t, eager), floats(t, captured)); diff != "" {
		t.Errorf("captured result differs from eager:\n%s", diff)
	}
}

func TestCondBranchMismatch(t *testing.T) {
	ctx := testContext(t)
	x := ctx.FromFloats([]float32{1}, 1)

	twoLeaves := func(ctx ml.Context, operands any) (any, error) {
		v := operands.(ml.Tensor)
		return []ml.Tensor{v, v.Neg(ctx)}, nil
	}

	// the predicate picks the well-formed branch, the mismatch must still
	// be reported
	_, err := Cond(ctx, ctx.FromBools([]bool{true}, 1), addBranch(1), twoLeaves, x)
	if err == nil || !strings.Contains(err.Error(), "different numbers of leaves") {
		t.Errorf("err = %v, want leaf count mismatch", err)
	}

	wrongDType := func(ctx ml.Context, operands any) (any, error) {
		return operands.(ml.Tensor).Cast(ctx, ml.DTypeI32), nil
	}
	_, err = Cond(ctx, ctx.FromBools([]bool{true}, 1), addBranch(1), wrongDType, x)
	if err == nil || !strings.Contains(err.Error(), "dtype") {
		t.Errorf("err = %v, want dtype mismatch", err)
	}
}

func TestCondRejectsMutation(t *testing.T) {
	ctx := testContext(t)
	x := ctx.FromFloats([]float32{1}, 1)

	mutate := func(ctx ml.Context, operands any) (any, error) {
		v := operands.(ml.Tensor)
		one := ctx.FromFloats([]float32{1}, 1)
		return v.AddAssign(ctx, one).Scale(ctx, 1), nil
	}

	_, err := Cond(ctx, ctx.FromBools([]bool{true}, 1), mutate, addBranch(0), x)
	if err == nil || !strings.Contains(err.Error(), "mutating an input") {
		t.Errorf("err = %v, want mutation error", err)
	}
}

func TestCondPredValidation(t *testing.T) {
	ctx := testContext(t)
	x := ctx.FromFloats([]float32{1}, 1)

	_, err := Cond(ctx, ctx.FromFloats([]float32{1}, 1), addBranch(1), addBranch(2), x)
	if err == nil || !strings.Contains(err.Error(), "scalar Bool") {
		t.Errorf("err = %v, want predicate error", err)
	}

	_, err = Cond(ctx, ctx.FromBools([]bool{true, false}, 2), addBranch(1), addBranch(2), x)
	if err == nil || !strings.Contains(err.Error(), "scalar Bool") {
		t.Errorf("err = %v, want predicate error", err)
	}
}

func TestWhileLoopCountdown(t *testing.T) {
	ctx := testContext(t)

	cond := func(ctx ml.Context, carry any) (ml.Tensor, error) {
		v := carry.(ml.Tensor)
		return v.Greater(ctx, ctx.Zeros(ml.DTypeF32, 1)), nil
	}
	body := func(ctx ml.Context, carry any) (any, error) {
		v := carry.(ml.Tensor)
		return v.Sub(ctx, ctx.FromFloats([]float32{1}, 1)), nil
	}

	out, err := WhileLoop(ctx, cond, body, ctx.FromFloats([]float32{5}, 1))
	if err != nil {
		t.Fatal(err)
	}
	if got := floats(t, out)[0]; got != 0 {
		t.Errorf("final carry = %v, want 0", got)
	}

	// same loop under capture
	var captured any
	err = Captured(ctx, func() error {
		var err error
		captured, err = WhileLoop(ctx, cond, body, ctx.FromFloats([]float32{5}, 1))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := floats(t, captured)[0]; got != 0 {
		t.Errorf("captured final carry = %v, want 0", got)
	}
}

func TestWhileLoopCarryDrift(t *testing.T) {
	ctx := testContext(t)

	cond := func(ctx ml.Context, carry any) (ml.Tensor, error) {
		return ctx.FromBools([]bool{true}, 1), nil
	}
	grow := func(ctx ml.Context, carry any) (any, error) {
		v := carry.(ml.Tensor)
		return v.Concat(ctx, v, 0), nil
	}

	_, err := WhileLoop(ctx, cond, grow, ctx.FromFloats([]float32{1}, 1))
	if err == nil || !strings.Contains(err.Error(), "changed shape") {
		t.Errorf("err = %v, want carry shape error", err)
	}
}

func cumsumScan(ctx ml.Context, carry, x any) (any, any, error) {
	next := carry.(ml.Tensor).Add(ctx, x.(ml.Tensor))
	return next, next, nil
}

func TestScanCumsum(t *testing.T) {
	ctx := testContext(t)

	init := ctx.Zeros(ml.DTypeF32)
	xs := ctx.FromFloats([]float32{0, 1, 2, 3}, 4)

	carry, ys, err := Scan(ctx, cumsumScan, init, xs, 0, false)
	if err != nil {
		t.Fatal(err)
	}

	if got := floats(t, carry)[0]; got != 6 {
		t.Errorf("final carry = %v, want 6", got)
	}
	if diff := cmp.Diff([]float32{0, 1, 3, 6}, floats(t, ys)); diff != "" {
		t.Errorf("scan outputs mismatch:\n%s", diff)
	}
}

func TestScanCapturedMatchesEager(t *testing.T) {
	ctx := testContext(t)

	init := ctx.Zeros(ml.DTypeF32)
	xs := ctx.FromFloats([]float32{0, 1, 2, 3}, 4)

	var carry, ys any
	err := Captured(ctx, func() error {
		var err error
		carry, ys, err = Scan(ctx, cumsumScan, init, xs, 0, false)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := floats(t, carry)[0]; got != 6 {
		t.Errorf("captured final carry = %v, want 6", got)
	}
	if diff := cmp.Diff([]float32{0, 1, 3, 6}, floats(t, ys)); diff != "" {
		t.Errorf("captured scan outputs mismatch:\n%s", diff)
	}
}

func TestScanEmptyDim(t *testing.T) {
	ctx := testContext(t)

	_, _, err := Scan(ctx, cumsumScan, ctx.Zeros(ml.DTypeF32), ctx.Zeros(ml.DTypeF32, 0), 0, false)
	if err == nil || !strings.Contains(err.Error(), "dim of size 0") {
		t.Errorf("err = %v, want empty dim error", err)
	}
}

func TestScanRejectsMutation(t *testing.T) {
	ctx := testContext(t)

	mutating := func(ctx ml.Context, carry, x any) (any, any, error) {
		next := carry.(ml.Tensor).AddAssign(ctx, x.(ml.Tensor))
		return next.Scale(ctx, 1), next.Scale(ctx, 1), nil
	}

	err := Captured(ctx, func() error {
		_, _, err := Scan(ctx, mutating, ctx.Zeros(ml.DTypeF32), ctx.FromFloats([]float32{1, 2}, 2), 0, false)
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "mutating an input") {
		t.Errorf("err = %v, want mutation error", err)
	}
}

func TestScanCapturedCarryLeafMismatch(t *testing.T) {
	ctx := testContext(t)

	// fn drops the carry entirely, returning fewer leaves than the init
	dropCarry := func(ctx ml.Context, carry, x any) (any, any, error) {
		return []ml.Tensor{}, []ml.Tensor{}, nil
	}

	err := Captured(ctx, func() error {
		_, _, err := Scan(ctx, dropCarry, ctx.Zeros(ml.DTypeF32), ctx.FromFloats([]float32{1, 2}, 2), 0, false)
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "different numbers of leaves") {
		t.Errorf("err = %v, want carry leaf count error", err)
	}
}

func addCombine(ctx ml.Context, a, b any) (any, error) {
	return a.(ml.Tensor).Add(ctx, b.(ml.Tensor)), nil
}

func TestAssociativeScanForward(t *testing.T) {
	ctx := testContext(t)
	xs := ctx.FromFloats([]float32{0, 1, 2, 3}, 4)

	for _, mode := range []CombineMode{CombineGeneric, CombinePointwise} {
		out, err := AssociativeScan(ctx, addCombine, xs, 0, false, mode)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]float32{0, 1, 3, 6}, floats(t, out)); diff != "" {
			t.Errorf("mode %d mismatch:\n%s", mode, diff)
		}
	}
}

func TestAssociativeScanReverse(t *testing.T) {
	ctx := testContext(t)
	xs := ctx.FromFloats([]float32{0, 1, 2, 3}, 4)

	for _, mode := range []CombineMode{CombineGeneric, CombinePointwise} {
		out, err := AssociativeScan(ctx, addCombine, xs, 0, true, mode)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]float32{6, 6, 5, 3}, floats(t, out)); diff != "" {
			t.Errorf("mode %d mismatch:\n%s", mode, diff)
		}
	}
}

func TestAssociativeScanPointwiseCheck(t *testing.T) {
	ctx := testContext(t)
	xs := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)

	flipping := func(ctx ml.Context, a, b any) (any, error) {
		return a.(ml.Tensor).Flip(ctx, 0).Add(ctx, b.(ml.Tensor)), nil
	}

	_, err := AssociativeScan(ctx, flipping, xs, 0, false, CombinePointwise)
	if err == nil || !strings.Contains(err.Error(), "needs to be pointwise") {
		t.Errorf("err = %v, want pointwise error", err)
	}

	// the same combiner is fine sequentially
	if _, err := AssociativeScan(ctx, flipping, xs, 0, false, CombineGeneric); err != nil {
		t.Errorf("generic mode failed: %v", err)
	}
}

func TestAssociativeScanCaptured(t *testing.T) {
	ctx := testContext(t)
	xs := ctx.FromFloats([]float32{1, 2, 3}, 3)

	var out any
	err := Captured(ctx, func() error {
		var err error
		out, err = AssociativeScan(ctx, addCombine, xs, 0, false, CombinePointwise)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 3, 6}, floats(t, out)); diff != "" {
		t.Errorf("captured scan mismatch:\n%s", diff)
	}
}

func TestMap(t *testing.T) {
	ctx := testContext(t)

	xs := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	bias := ctx.FromFloats([]float32{10, 20}, 2)

	fn := func(ctx ml.Context, x any, args ...any) (any, error) {
		return x.(ml.Tensor).Add(ctx, args[0].(ml.Tensor)), nil
	}

	out, err := Map(ctx, fn, xs, bias)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{11, 22, 13, 24, 15, 26}
	if diff := cmp.Diff(want, floats(t, out)); diff != "" {
		t.Errorf("map mismatch:\n%s", diff)
	}

	var captured any
	err = Captured(ctx, func() error {
		var err error
		captured, err = Map(ctx, fn, xs, bias)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, floats(t, captured)); diff != "" {
		t.Errorf("captured map mismatch:\n%s", diff)
	}
}

func TestNestedCondInScan(t *testing.T) {
	ctx := testContext(t)

	xs := ctx.FromFloats([]float32{1, -2, 3, -4}, 4)
	pred := ctx.FromBools([]bool{true}, 1)

	// the inner cond records as a structured node inside the captured scan
	fn := func(ctx ml.Context, carry, x any) (any, any, error) {
		out, err := Cond(ctx, pred,
			func(ctx ml.Context, v any) (any, error) {
				return carry.(ml.Tensor).Add(ctx, v.(ml.Tensor)), nil
			},
			func(ctx ml.Context, v any) (any, error) {
				return carry.(ml.Tensor).Sub(ctx, v.(ml.Tensor)), nil
			},
			x)
		if err != nil {
			return nil, nil, err
		}
		return out, out, nil
	}

	var carry any
	err := Captured(ctx, func() error {
		var err error
		carry, _, err = Scan(ctx, fn, ctx.Zeros(ml.DTypeF32), xs, 0, false)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := floats(t, carry)[0]; got != -2 {
		t.Errorf("final carry = %v, want -2", got)
	}
}

func TestCapturedScopeRestored(t *testing.T) {
	ctx := testContext(t)

	func() {
		defer func() { recover() }()
		_ = Captured(ctx, func() error {
			panic("boom")
		})
	}()

	if ambient.active {
		t.Error("capture scope leaked after panic")
	}
}
