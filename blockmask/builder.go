package blockmask

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/flexattn/flexattn/ml"
)

// DefaultBlockSize is the tile edge used when no option overrides it.
const DefaultBlockSize = 128

type builderOptions struct {
	blockSize          [2]int
	separateFullBlocks bool
	device             ml.Device
}

type Option func(*builderOptions)

// WithBlockSize overrides the query and key tile sizes.
func WithBlockSize(q, kv int) Option {
	return func(o *builderOptions) {
		o.blockSize = [2]int{q, kv}
	}
}

// WithSeparateFullBlocks controls whether fully live blocks are tracked
// apart from partial ones. Kernels skip the predicate entirely on full
// blocks, so this defaults to on.
func WithSeparateFullBlocks(v bool) Option {
	return func(o *builderOptions) {
		o.separateFullBlocks = v
	}
}

// WithDevice pins the mask to a device. Building on a context hosted
// elsewhere fails instead of silently migrating.
func WithDevice(d ml.Device) Option {
	return func(o *builderOptions) {
		o.device = d
	}
}

func roundUp(n, m int) int {
	return (n + m - 1) / m * m
}

// indexGrids builds the broadcastable index tensors handed to mask
// predicates.
func indexGrids(ctx ml.Context, b, h, qLen, kvLen int) (bi, hi, qi, kvi ml.Tensor) {
	bi = ctx.Arange(0, float32(b), 1, ml.DTypeI32).Reshape(ctx, b, 1, 1, 1)
	hi = ctx.Arange(0, float32(h), 1, ml.DTypeI32).Reshape(ctx, 1, h, 1, 1)
	qi = ctx.Arange(0, float32(qLen), 1, ml.DTypeI32).Reshape(ctx, 1, 1, qLen, 1)
	kvi = ctx.Arange(0, float32(kvLen), 1, ml.DTypeI32).Reshape(ctx, 1, 1, 1, kvLen)
	return bi, hi, qi, kvi
}

// CreateMask evaluates a predicate at every position, materializing the
// dense Bool mask [b, h, qLen, kvLen]. Score predicates are evaluated on a
// zero score tensor; positions they send to negative infinity are masked.
func CreateMask(ctx ml.Context, pred Predicate, b, h, qLen, kvLen int) (ml.Tensor, error) {
	for _, d := range []int{b, h, qLen, kvLen} {
		if d <= 0 {
			return nil, fmt.Errorf("blockmask: mask dims must be positive, got [%d, %d, %d, %d]", b, h, qLen, kvLen)
		}
	}

	bi, hi, qi, kvi := indexGrids(ctx, b, h, qLen, kvLen)

	var mask ml.Tensor
	switch pred.kind {
	case KindMask:
		mask = pred.mask(ctx, bi, hi, qi, kvi)
		if mask.DType() != ml.DTypeBool {
			return nil, fmt.Errorf("blockmask: mask predicate returned %s, want Bool", mask.DType())
		}

	case KindScore:
		scores := ctx.Zeros(ml.DTypeF32, b, h, qLen, kvLen)
		out := pred.score(ctx, scores, bi, hi, qi, kvi)
		negInf := ctx.FromFloats([]float32{float32(math.Inf(-1))}, 1)
		mask = out.Equal(ctx, negInf).LogicalNot(ctx)

	default:
		return nil, fmt.Errorf("blockmask: unknown predicate kind %d", pred.kind)
	}

	return mask.Expand(ctx, b, h, qLen, kvLen), nil
}

// CreateBlockMask compiles a mask predicate into a BlockMask. The
// sequence is padded up to whole tiles, the predicate evaluated densely
// over the padded grid, and each tile classified by its live count.
func CreateBlockMask(ctx ml.Context, pred Predicate, b, h, qLen, kvLen int, opts ...Option) (*BlockMask, error) {
	if pred.kind != KindMask {
		return nil, fmt.Errorf("blockmask: %s predicates cannot drive block construction, pass a mask predicate", pred.kind)
	}

	options := builderOptions{
		blockSize:          [2]int{DefaultBlockSize, DefaultBlockSize},
		separateFullBlocks: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if options.device != "" && options.device != ctx.Device() {
		return nil, fmt.Errorf("blockmask: requested device %s but context is on %s", options.device, ctx.Device())
	}
	if options.blockSize[0] <= 0 || options.blockSize[1] <= 0 {
		return nil, fmt.Errorf("blockmask: block size must be positive, got %v", options.blockSize)
	}

	if qLen <= 0 || kvLen <= 0 {
		return nil, fmt.Errorf("blockmask: sequence lengths must be positive, got q=%d kv=%d", qLen, kvLen)
	}

	// short sequences shrink the tile instead of padding to a mostly
	// empty one
	qb := min(options.blockSize[0], qLen)
	kvb := min(options.blockSize[1], kvLen)

	paddedQ, paddedKV := roundUp(qLen, qb), roundUp(kvLen, kvb)
	rows, cols := paddedQ/qb, paddedKV/kvb

	dense, err := CreateMask(ctx, pred, b, h, paddedQ, paddedKV)
	if err != nil {
		return nil, err
	}

	// live count per tile
	perBlock := dense.Cast(ctx, ml.DTypeI32).
		Reshape(ctx, b, h, rows, qb, cols, kvb).
		Permute(ctx, 0, 1, 2, 4, 3, 5).
		Sum(ctx, -1, false).
		Sum(ctx, -1, false)

	zero := ctx.Zeros(ml.DTypeI32, 1)
	hasAny := perBlock.Greater(ctx, zero)

	var kvNum, kvIdx, fullNum, fullIdx ml.Tensor
	if options.separateFullBlocks {
		isFull := perBlock.Equal(ctx, ctx.FromInts([]int32{int32(qb * kvb)}, 1))
		partial := hasAny.LogicalAnd(ctx, isFull.LogicalNot(ctx))

		kvNum, kvIdx, err = DenseToOrdered(ctx, partial)
		if err != nil {
			return nil, err
		}
		fullNum, fullIdx, err = DenseToOrdered(ctx, isFull)
		if err != nil {
			return nil, err
		}
	} else {
		kvNum, kvIdx, err = DenseToOrdered(ctx, hasAny)
		if err != nil {
			return nil, err
		}
	}

	m, err := FromKVBlocks(ctx, kvNum, kvIdx, fullNum, fullIdx, [2]int{qb, kvb}, pred.mask)
	if err != nil {
		return nil, err
	}

	slog.Debug("built block mask",
		"batch", b, "heads", h,
		"q_len", qLen, "kv_len", kvLen,
		"block_size", m.blockSize,
		"grid", []int{rows, cols},
		"sparsity", fmt.Sprintf("%.2f%%", m.Sparsity()))

	return m, nil
}
