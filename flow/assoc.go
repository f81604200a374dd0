package flow

import (
	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/ml"
	"github.com/flexattn/flexattn/pytree"
	"github.com/flexattn/flexattn/trace"
)

// AssociativeScan computes the inclusive scan of fn over xs along dim.
// fn must be associative; the result has the same structure and shapes as
// xs. With reverse set the scan accumulates from the far end, so slice i
// holds the combination of slices i..n-1.
//
// CombinePointwise runs a doubling schedule with O(log n) combiner
// applications over whole slabs; fn is traced first to verify it only
// uses pointwise ops. CombineGeneric applies fn slice by slice.
func AssociativeScan(ctx ml.Context, fn CombineFunc, xs any, dim int, reverse bool, mode CombineMode) (any, error) {
	leaves, st, err := operandLeaves("associative_scan", ctx, xs)
	if err != nil {
		return nil, err
	}
	n, err := scanLen("associative_scan", leaves, dim)
	if err != nil {
		return nil, err
	}

	tc, nested := ctx.(*trace.Context)

	var parent *trace.Context
	session := ambient.session
	switch {
	case nested:
		parent = tc
	case !ambient.active:
		session = trace.NewSession(ctx.Device())
	}

	// the combiner contract is checked on a trace regardless of mode
	sliceSpecs := make([]trace.ArgSpec, 0, 2*len(leaves))
	for i := 0; i < 2; i++ {
		for _, leaf := range leaves {
			sliceSpecs = append(sliceSpecs, sliceSpec(leaf, dim))
		}
	}

	var outSt *pytree.Structure
	combineP, err := traceCombine(session, parent, fn, st, sliceSpecs, len(leaves), &outSt)
	if err != nil {
		return nil, err
	}

	elemSpecs := sliceSpecs[:len(leaves)]
	if err := checkContract("associative_scan", "xs", "combine_fn output", st, outSt, elemSpecs, combineP.OutputSpecs()); err != nil {
		return nil, err
	}
	if err := trace.CheckPurity(combineP); err != nil {
		return nil, errors.Wrap(err, "associative_scan")
	}
	if mode == CombinePointwise {
		if err := checkPointwise(combineP); err != nil {
			return nil, err
		}
	}

	if nested {
		attr := &trace.Attr{Ints: []int{dim, n, int(mode)}, Bool1: reverse}
		outs, err := tc.Subprogram("associative_scan", []*trace.Program{combineP}, leaves, attr, specsOf(leaves))
		if err != nil {
			return nil, err
		}
		return pytree.Unflatten(st, outs)
	}

	apply := func(a, b []ml.Tensor) ([]ml.Tensor, error) {
		if ambient.active {
			return combineP.Replay(ctx, append(append([]ml.Tensor(nil), a...), b...), &trace.ReplayEnv{Lifted: session.Lifted()})
		}
		return applyCombine(ctx, fn, st, a, b)
	}

	out, err := runAssociativeScan(ctx, apply, leaves, dim, reverse, n, mode)
	if err != nil {
		return nil, err
	}
	return pytree.Unflatten(st, out)
}

func traceCombine(session *trace.Session, parent *trace.Context, fn CombineFunc, st *pytree.Structure, specs []trace.ArgSpec, nLeaves int, outSt **pytree.Structure) (*trace.Program, error) {
	wrap := func(tc ml.Context, args []ml.Tensor) ([]ml.Tensor, error) {
		a, err := pytree.Unflatten(st, args[:nLeaves])
		if err != nil {
			return nil, err
		}
		b, err := pytree.Unflatten(st, args[nLeaves:])
		if err != nil {
			return nil, err
		}
		out, err := fn(tc, a, b)
		if err != nil {
			return nil, err
		}
		leaves, s, err := pytree.Flatten(out)
		if err != nil {
			return nil, err
		}
		*outSt = s
		return leaves, nil
	}

	var p *trace.Program
	var err error
	if parent != nil {
		p, err = parent.TraceChild("associative_scan.fn", specs, wrap)
	} else {
		p, err = session.Trace("associative_scan.fn", specs, wrap)
	}
	if err != nil {
		return nil, errors.Wrap(err, "associative_scan: combine_fn")
	}
	return p, nil
}

// checkPointwise rejects combiners containing anything but pointwise ops,
// parameters and captured operands.
func checkPointwise(p *trace.Program) error {
	for _, n := range p.Nodes() {
		switch n.Op() {
		case trace.OpParameter, trace.OpCaptured:
			continue
		}
		if !trace.Pointwise(n.Op()) {
			return errors.Errorf("associative_scan: combine_fn needs to be pointwise, found %s; use CombineGeneric instead", n.Op())
		}
	}
	return nil
}

// applyCombine calls fn on leaf lists rebuilt into pytrees.
func applyCombine(ctx ml.Context, fn CombineFunc, st *pytree.Structure, a, b []ml.Tensor) ([]ml.Tensor, error) {
	at, err := pytree.Unflatten(st, a)
	if err != nil {
		return nil, err
	}
	bt, err := pytree.Unflatten(st, b)
	if err != nil {
		return nil, err
	}
	out, err := fn(ctx, at, bt)
	if err != nil {
		return nil, errors.Wrap(err, "associative_scan: combine_fn")
	}
	leaves, _, err := pytree.Flatten(out)
	return leaves, err
}

// runAssociativeScan executes the scan with the given combiner. reverse is
// handled by flipping the inputs, scanning forward and flipping back.
func runAssociativeScan(ctx ml.Context, apply func(a, b []ml.Tensor) ([]ml.Tensor, error), leaves []ml.Tensor, dim int, reverse bool, n int, mode CombineMode) ([]ml.Tensor, error) {
	dims := make([]int, len(leaves))
	for i, leaf := range leaves {
		d, err := normDim("associative_scan", dim, len(leaf.Shape()))
		if err != nil {
			return nil, err
		}
		dims[i] = d
	}

	flip := func(ts []ml.Tensor) []ml.Tensor {
		out := make([]ml.Tensor, len(ts))
		for i, t := range ts {
			out[i] = t.Flip(ctx, dims[i])
		}
		return out
	}

	if reverse {
		leaves = flip(leaves)
	}

	var out []ml.Tensor
	var err error
	if mode == CombinePointwise {
		out, err = doublingScan(ctx, apply, leaves, dims, n)
	} else {
		out, err = sequentialScan(ctx, apply, leaves, dims, n)
	}
	if err != nil {
		return nil, err
	}

	if reverse {
		out = flip(out)
	}
	return out, nil
}

// sequentialScan combines slice by slice, keeping the scanned dim at
// size 1 so slices concatenate back without reshapes.
func sequentialScan(ctx ml.Context, apply func(a, b []ml.Tensor) ([]ml.Tensor, error), leaves []ml.Tensor, dims []int, n int) ([]ml.Tensor, error) {
	slice := func(i int) []ml.Tensor {
		out := make([]ml.Tensor, len(leaves))
		for j, leaf := range leaves {
			out[j] = leaf.Narrow(ctx, dims[j], i, 1)
		}
		return out
	}

	acc := slice(0)
	parts := make([][]ml.Tensor, n)
	parts[0] = acc

	for i := 1; i < n; i++ {
		next, err := apply(acc, slice(i))
		if err != nil {
			return nil, err
		}
		parts[i] = next
		acc = next
	}

	out := make([]ml.Tensor, len(leaves))
	for j := range leaves {
		res := parts[0][j]
		for i := 1; i < n; i++ {
			res = res.Concat(ctx, parts[i][j], dims[j])
		}
		out[j] = res
	}
	return out, nil
}

// doublingScan combines whole slabs at power-of-two offsets. After the
// pass with offset k, every position holds the combination of up to 2k
// trailing elements, so ceil(log2 n) passes suffice.
func doublingScan(ctx ml.Context, apply func(a, b []ml.Tensor) ([]ml.Tensor, error), leaves []ml.Tensor, dims []int, n int) ([]ml.Tensor, error) {
	cur := append([]ml.Tensor(nil), leaves...)

	for offset := 1; offset < n; offset *= 2 {
		earlier := make([]ml.Tensor, len(cur))
		later := make([]ml.Tensor, len(cur))
		head := make([]ml.Tensor, len(cur))
		for j, t := range cur {
			earlier[j] = t.Narrow(ctx, dims[j], 0, n-offset)
			later[j] = t.Narrow(ctx, dims[j], offset, n-offset)
			head[j] = t.Narrow(ctx, dims[j], 0, offset)
		}

		combined, err := apply(earlier, later)
		if err != nil {
			return nil, err
		}

		for j := range cur {
			cur[j] = head[j].Concat(ctx, combined[j], dims[j])
		}
	}
	return cur, nil
}
