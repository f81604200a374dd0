package blockmask

import (
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

func TestDenseToOrdered(t *testing.T) {
	ctx := testContext(t)

	// rows: [1,0,1,0], [0,0,0,0], [1,1,1,1]
	dense := ctx.FromBools([]bool{
		true, false, true, false,
		false, false, false, false,
		true, true, true, true,
	}, 3, 4)

	counts, indices, err := DenseToOrdered(ctx, dense)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{2, 0, 4}, counts.Ints()); diff != "" {
		t.Errorf("counts mismatch:\n%s", diff)
	}

	// live columns first in ascending order, then the dead ones in
	// ascending order, from the stable descending sort
	want := []int32{
		0, 2, 1, 3,
		0, 1, 2, 3,
		0, 1, 2, 3,
	}
	if diff := cmp.Diff(want, indices.Ints()); diff != "" {
		t.Errorf("indices mismatch:\n%s", diff)
	}
}

func TestOrderedRoundTrip(t *testing.T) {
	ctx := testContext(t)

	for _, tt := range []struct {
		name  string
		shape []int
		mask  []bool
	}{
		{"mixed", []int{2, 3}, []bool{true, false, true, false, false, true}},
		{"all_false", []int{2, 2}, []bool{false, false, false, false}},
		{"all_true", []int{2, 2}, []bool{true, true, true, true}},
		{"batched", []int{2, 1, 2, 2}, []bool{true, false, false, true, false, true, true, false}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			dense := ctx.FromBools(tt.mask, tt.shape...)

			counts, indices, err := DenseToOrdered(ctx, dense)
			if err != nil {
				t.Fatal(err)
			}
			back, err := OrderedToDense(ctx, counts, indices)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(dense.Bools(), back.Bools()); diff != "" {
				t.Errorf("round trip mismatch:\n%s", diff)
			}
		})
	}
}

func TestTransposeOrdered(t *testing.T) {
	ctx := testContext(t)

	dense := ctx.FromBools([]bool{
		true, true, false,
		false, true, false,
	}, 2, 3)

	counts, indices, err := DenseToOrdered(ctx, dense)
	if err != nil {
		t.Fatal(err)
	}

	countsT, indicesT, err := TransposeOrdered(ctx, counts, indices)
	if err != nil {
		t.Fatal(err)
	}

	// column j of the original is row j of the transpose
	if diff := cmp.Diff([]int32{1, 2, 0}, countsT.Ints()); diff != "" {
		t.Errorf("transposed counts mismatch:\n%s", diff)
	}

	denseT, err := OrderedToDense(ctx, countsT, indicesT)
	if err != nil {
		t.Fatal(err)
	}
	want := []bool{
		true, false,
		true, true,
		false, false,
	}
	if diff := cmp.Diff(want, denseT.Bools()); diff != "" {
		t.Errorf("transposed dense mismatch:\n%s", diff)
	}

	// transposing twice is the identity
	counts2, indices2, err := TransposeOrdered(ctx, countsT, indicesT)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(counts.Ints(), counts2.Ints()); diff != "" {
		t.Errorf("double transpose counts mismatch:\n%s", diff)
	}
	if diff := cmp.Diff(indices.Ints(), indices2.Ints()); diff != "" {
		t.Errorf("double transpose indices mismatch:\n%s", diff)
	}
}

func TestCodecValidation(t *testing.T) {
	ctx := testContext(t)

	if _, _, err := DenseToOrdered(ctx, ctx.Zeros(ml.DTypeI32, 2, 2)); err == nil {
		t.Error("expected error for non-Bool grid")
	}
	if _, _, err := DenseToOrdered(ctx, ctx.FromBools([]bool{true}, 1)); err == nil {
		t.Error("expected error for rank 1 grid")
	}

	counts := ctx.Zeros(ml.DTypeI32, 2)
	badIdx := ctx.Zeros(ml.DTypeI32, 3, 4)
	if _, err := OrderedToDense(ctx, counts, badIdx); err == nil {
		t.Error("expected error for mismatched leading dims")
	}

	overCounts := ctx.FromInts([]int32{5, 1}, 2)
	if _, err := OrderedToDense(ctx, overCounts, ctx.Zeros(ml.DTypeI32, 2, 3)); err == nil {
		t.Error("expected error for counts past the column extent")
	}
	negCounts := ctx.FromInts([]int32{-1, 0}, 2)
	if _, err := OrderedToDense(ctx, negCounts, ctx.Zeros(ml.DTypeI32, 2, 3)); err == nil {
		t.Error("expected error for negative counts")
	}
}
