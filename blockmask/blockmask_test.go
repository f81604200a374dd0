package blockmask

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/flexattn/flexattn/ml"
)

func causalMask(t *testing.T, ctx ml.Context, b, h int) *BlockMask {
	t.Helper()
	m, err := CreateBlockMask(ctx, Mask(Causal), b, h, 8, 8, WithBlockSize(2, 2))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestFromKVBlocksDerivesTranspose(t *testing.T) {
	ctx := testContext(t)
	m := causalMask(t, ctx, 1, 1)

	// the Q-major views describe the same tile grid transposed
	kv, err := m.blockGrid(ctx)
	if err != nil {
		t.Fatal(err)
	}

	qGrid, err := OrderedToDense(ctx, m.QNumBlocks, m.QIndices)
	if err != nil {
		t.Fatal(err)
	}
	fullQ, err := OrderedToDense(ctx, m.FullQNumBlocks, m.FullQIndices)
	if err != nil {
		t.Fatal(err)
	}
	q := qGrid.LogicalOr(ctx, fullQ)

	kvT := kv.Permute(ctx, 0, 1, 3, 2)
	if diff := cmp.Diff(kvT.Bools(), q.Bools()); diff != "" {
		t.Errorf("q-major views are not the transpose:\n%s", diff)
	}
}

func TestFromKVBlocksValidation(t *testing.T) {
	ctx := testContext(t)

	counts := ctx.Zeros(ml.DTypeI32, 2)
	idx := ctx.Zeros(ml.DTypeI32, 2, 3)

	if _, err := FromKVBlocks(ctx, nil, nil, nil, nil, [2]int{2, 2}, nil); err == nil {
		t.Error("expected error for missing kv blocks")
	}
	if _, err := FromKVBlocks(ctx, counts, idx, counts, nil, [2]int{2, 2}, nil); err == nil {
		t.Error("expected error for half a full pair")
	}
	if _, err := FromKVBlocks(ctx, counts, ctx.Zeros(ml.DTypeI32, 2, 3, 1), nil, nil, [2]int{2, 2}, nil); err == nil {
		t.Error("expected error for rank mismatch")
	}
}

func TestAsTuple(t *testing.T) {
	ctx := testContext(t)
	m := causalMask(t, ctx, 1, 1)

	tuple := m.AsTuple()
	if len(tuple) != 8 {
		t.Fatalf("tuple has %d entries, want 8", len(tuple))
	}
	for i, tensor := range tuple {
		if tensor == nil {
			t.Errorf("tuple entry %d is nil", i)
		}
	}
}

func TestToDense(t *testing.T) {
	ctx := testContext(t)
	m := causalMask(t, ctx, 1, 1)

	dense, err := m.ToDense(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 1, 8, 8}, dense.Shape()); diff != "" {
		t.Fatalf("dense shape mismatch:\n%s", diff)
	}

	// partial tiles are refined through the predicate, so the result is
	// the exact element mask, not its tile-granular cover
	got := dense.Bools()
	for qi := 0; qi < 8; qi++ {
		for ki := 0; ki < 8; ki++ {
			want := ki <= qi
			if got[qi*8+ki] != want {
				t.Fatalf("element (%d,%d) = %v, want %v", qi, ki, got[qi*8+ki], want)
			}
		}
	}
}

func TestToDenseWithoutPredicate(t *testing.T) {
	ctx := testContext(t)

	counts := ctx.FromInts([]int32{1, 2}, 2)
	idx := ctx.FromInts([]int32{1, 0, 0, 1}, 2, 2)
	m, err := FromKVBlocks(ctx, counts, idx, nil, nil, [2]int{2, 2}, nil)
	if err != nil {
		t.Fatal(err)
	}

	dense, err := m.ToDense(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// no predicate to refine with, so computed tiles come out fully set
	want := []bool{
		false, false, true, true,
		false, false, true, true,
		true, true, true, true,
		true, true, true, true,
	}
	if diff := cmp.Diff(want, dense.Bools()); diff != "" {
		t.Errorf("dense mismatch:\n%s", diff)
	}
}

func TestSparsityBounds(t *testing.T) {
	ctx := testContext(t)

	dense, err := CreateBlockMask(ctx, Mask(Noop), 1, 1, 8, 8, WithBlockSize(2, 2))
	if err != nil {
		t.Fatal(err)
	}
	if dense.Sparsity() != 0 {
		t.Errorf("dense mask sparsity = %v, want 0", dense.Sparsity())
	}

	window, err := CreateBlockMask(ctx, Mask(SlidingWindow(2)), 1, 1, 16, 16, WithBlockSize(2, 2))
	if err != nil {
		t.Fatal(err)
	}
	if s := window.Sparsity(); s <= 0 || s >= 100 {
		t.Errorf("window sparsity = %v, want within (0, 100)", s)
	}
}

func TestIndexBatchAndHead(t *testing.T) {
	ctx := testContext(t)
	m := causalMask(t, ctx, 2, 3)

	sub, err := m.Index(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{4}, sub.KVNumBlocks.Shape()); diff != "" {
		t.Fatalf("indexed counts shape mismatch:\n%s", diff)
	}

	// the mask is batch and head invariant here, so the slice matches
	if diff := cmp.Diff([]int32{1, 1, 1, 1}, sub.KVNumBlocks.Ints()); diff != "" {
		t.Errorf("indexed counts mismatch:\n%s", diff)
	}

	if _, err := m.Index(ctx, 0, 0, 0); err == nil || !strings.Contains(err.Error(), "query-tile axis") {
		t.Errorf("err = %v, want query-tile axis rejection", err)
	}
	if _, err := m.Index(ctx, 5); err == nil {
		t.Error("expected out of range error")
	}
}

func TestToDevice(t *testing.T) {
	ctx := testContext(t)
	m := causalMask(t, ctx, 1, 1)

	same, err := m.To(ctx, ml.DeviceCPU)
	if err != nil {
		t.Fatal(err)
	}
	if same.KVNumBlocks != m.KVNumBlocks {
		t.Error("same-device move should not copy")
	}

	if _, err := m.To(ctx, "cuda:0"); err == nil {
		t.Error("expected error moving to a device the context cannot host")
	}
}

func TestRenderAndSummary(t *testing.T) {
	ctx := testContext(t)
	m := causalMask(t, ctx, 1, 2)

	out, err := m.Render(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, glyph := range []string{"█", "▒", "░", "sparsity"} {
		if !strings.Contains(out, glyph) {
			t.Errorf("render missing %q:\n%s", glyph, out)
		}
	}

	var sb strings.Builder
	if err := m.Summary(&sb); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sb.String(), "SPARSITY") {
		t.Errorf("summary missing header:\n%s", sb.String())
	}
}

func TestString(t *testing.T) {
	ctx := testContext(t)
	m := causalMask(t, ctx, 1, 1)

	s := m.String()
	if !strings.Contains(s, "BlockMask") || !strings.Contains(s, "sparsity") {
		t.Errorf("String() = %q", s)
	}
}
