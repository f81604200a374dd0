// Package blockmask compiles boolean attention predicates into
// block-sparse masks. A dense mask over query and key positions is tiled
// into blocks, each block classified as empty, partial or full, and the
// surviving blocks stored in a compact ordered layout: per-row counts
// plus per-row column indices with the live columns sorted first.
package blockmask

import (
	"fmt"

	"github.com/flexattn/flexattn/ml"
)

// DenseToOrdered converts a Bool block grid [..., R, C] into the ordered
// layout: counts [..., R] holding the number of live columns per row, and
// indices [..., R, C] with the live column indices first, in ascending
// order, followed by the dead ones. The ordering is exactly a stable
// descending sort of the 0/1 row, so equal entries keep their column
// order.
func DenseToOrdered(ctx ml.Context, dense ml.Tensor) (counts, indices ml.Tensor, err error) {
	if dense.DType() != ml.DTypeBool {
		return nil, nil, fmt.Errorf("blockmask: dense grid must be Bool, got %s", dense.DType())
	}
	if len(dense.Shape()) < 2 {
		return nil, nil, fmt.Errorf("blockmask: dense grid must have rank >= 2, got shape %v", dense.Shape())
	}

	grid := dense.Cast(ctx, ml.DTypeI32)
	counts = grid.Sum(ctx, -1, false)
	indices = grid.Argsort(ctx, -1, true, true)
	return counts, indices, nil
}

// OrderedToDense reverses DenseToOrdered. Slots past a row's count hold
// garbage indices; they are routed to a sentinel column one past the end
// of a widened grid and sliced away, so no masking pass over the index
// payload is needed.
func OrderedToDense(ctx ml.Context, counts, indices ml.Tensor) (ml.Tensor, error) {
	cs, is := counts.Shape(), indices.Shape()
	if len(is) != len(cs)+1 {
		return nil, fmt.Errorf("blockmask: indices rank %d does not extend counts rank %d by one", len(is), len(cs))
	}
	for i := range cs {
		if cs[i] != is[i] {
			return nil, fmt.Errorf("blockmask: counts shape %v does not prefix indices shape %v", cs, is)
		}
	}
	if counts.DType() != ml.DTypeI32 || indices.DType() != ml.DTypeI32 {
		return nil, fmt.Errorf("blockmask: counts and indices must be I32, got %s and %s", counts.DType(), indices.DType())
	}

	c := is[len(is)-1]
	for _, n := range counts.Ints() {
		if n < 0 || int(n) > c {
			return nil, fmt.Errorf("blockmask: count %d outside the %d columns available", n, c)
		}
	}

	// valid[..., r, j] = j < counts[..., r]
	cols := ctx.Arange(0, float32(c), 1, ml.DTypeI32)
	keep := cols.Less(ctx, counts.Reshape(ctx, append(cs, 1)...))

	sentinel := ctx.FromInts([]int32{int32(c)}, 1)
	target := keep.Where(ctx, indices, sentinel)

	wide := append(append([]int(nil), is[:len(is)-1]...), c+1)
	ones := ctx.FromInts([]int32{1}, 1).Expand(ctx, is...)
	grid := ctx.Zeros(ml.DTypeI32, wide...).Scatter(ctx, -1, target, ones)

	return grid.Narrow(ctx, -1, 0, c).Cast(ctx, ml.DTypeBool), nil
}

// TransposeOrdered converts a KV-major ordered layout into the Q-major
// one (or back) by round-tripping through the dense grid and swapping its
// last two dims.
func TransposeOrdered(ctx ml.Context, counts, indices ml.Tensor) (ml.Tensor, ml.Tensor, error) {
	dense, err := OrderedToDense(ctx, counts, indices)
	if err != nil {
		return nil, nil, err
	}

	rank := len(dense.Shape())
	axes := make([]int, rank)
	for i := range axes {
		axes[i] = i
	}
	axes[rank-2], axes[rank-1] = axes[rank-1], axes[rank-2]

	return DenseToOrdered(ctx, dense.Permute(ctx, axes...))
}
