package flow

import (
	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/ml"
	"github.com/flexattn/flexattn/pytree"
	"github.com/flexattn/flexattn/trace"
)

// Scan folds fn over slices of xs along dim, threading a carry. It
// returns the final carry and the per-slice outputs stacked along dim.
// With reverse set, slices are visited last to first; outputs stay
// aligned with their input slices.
func Scan(ctx ml.Context, fn ScanFunc, init, xs any, dim int, reverse bool) (any, any, error) {
	carryLeaves, carrySt, err := operandLeaves("scan", ctx, init)
	if err != nil {
		return nil, nil, err
	}
	xsLeaves, xsSt, err := operandLeaves("scan", ctx, xs)
	if err != nil {
		return nil, nil, err
	}

	n, err := scanLen("scan", xsLeaves, dim)
	if err != nil {
		return nil, nil, err
	}
	carrySpecs := specsOf(carryLeaves)

	tc, nested := ctx.(*trace.Context)
	if !nested && !ambient.active {
		return scanEager(ctx, fn, init, xsLeaves, xsSt, carrySt, carrySpecs, dim, reverse, n)
	}

	var parent *trace.Context
	session := ambient.session
	if nested {
		parent = tc
	}

	combineP, carryOutSt, ySt, err := traceScanFn(session, parent, fn, carrySt, xsSt, carrySpecs, xsLeaves, dim)
	if err != nil {
		return nil, nil, err
	}

	nCarry := len(carrySpecs)
	outSpecs := combineP.OutputSpecs()
	// slice by the carry structure fn actually returned; nCarry may exceed
	// the output count when fn drops carry leaves
	nCarryOut := carryOutSt.NumLeaves()
	if err := checkContract("scan", "carry", "fn carry output", carrySt, carryOutSt, carrySpecs, outSpecs[:nCarryOut]); err != nil {
		return nil, nil, err
	}
	if err := trace.CheckPurity(combineP); err != nil {
		return nil, nil, errors.Wrap(err, "scan")
	}

	ySpecs := outSpecs[nCarry:]

	if nested {
		outSpecs := append(append([]trace.ArgSpec(nil), carrySpecs...), stackedSpecs(ySpecs, dim, n)...)
		attr := &trace.Attr{Ints: []int{dim, n, nCarry}, Bool1: reverse}
		outs, err := tc.Subprogram("scan", []*trace.Program{combineP}, append(append([]ml.Tensor(nil), carryLeaves...), xsLeaves...), attr, outSpecs)
		if err != nil {
			return nil, nil, err
		}
		carry, err := pytree.Unflatten(carrySt, outs[:nCarry])
		if err != nil {
			return nil, nil, err
		}
		ys, err := pytree.Unflatten(ySt, outs[nCarry:])
		if err != nil {
			return nil, nil, err
		}
		return carry, ys, nil
	}

	env := &trace.ReplayEnv{Lifted: session.Lifted()}
	finalCarry, ys, err := replayScan(ctx, combineP, carryLeaves, xsLeaves, nCarry, dim, reverse, n, env)
	if err != nil {
		return nil, nil, err
	}

	carry, err := pytree.Unflatten(carrySt, finalCarry)
	if err != nil {
		return nil, nil, err
	}
	ysTree, err := pytree.Unflatten(ySt, ys)
	if err != nil {
		return nil, nil, err
	}
	return carry, ysTree, nil
}

// traceScanFn records fn with parameters carry + x slice. The program
// outputs are the carry leaves followed by the y leaves.
func traceScanFn(session *trace.Session, parent *trace.Context, fn ScanFunc, carrySt, xsSt *pytree.Structure, carrySpecs []trace.ArgSpec, xsLeaves []ml.Tensor, dim int) (*trace.Program, *pytree.Structure, *pytree.Structure, error) {
	specs := append([]trace.ArgSpec(nil), carrySpecs...)
	for _, leaf := range xsLeaves {
		specs = append(specs, sliceSpec(leaf, dim))
	}

	var carryOutSt, ySt *pytree.Structure
	nCarry := len(carrySpecs)

	wrap := func(tc ml.Context, args []ml.Tensor) ([]ml.Tensor, error) {
		carry, err := pytree.Unflatten(carrySt, args[:nCarry])
		if err != nil {
			return nil, err
		}
		x, err := pytree.Unflatten(xsSt, args[nCarry:])
		if err != nil {
			return nil, err
		}

		nextCarry, y, err := fn(tc, carry, x)
		if err != nil {
			return nil, err
		}

		carryLeaves, cs, err := pytree.Flatten(nextCarry)
		if err != nil {
			return nil, err
		}
		yLeaves, ys, err := pytree.Flatten(y)
		if err != nil {
			return nil, err
		}
		carryOutSt, ySt = cs, ys
		return append(carryLeaves, yLeaves...), nil
	}

	var p *trace.Program
	var err error
	if parent != nil {
		p, err = parent.TraceChild("scan.fn", specs, wrap)
	} else {
		p, err = session.Trace("scan.fn", specs, wrap)
	}
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "scan: fn")
	}
	return p, carryOutSt, ySt, nil
}

func scanEager(ctx ml.Context, fn ScanFunc, carry any, xsLeaves []ml.Tensor, xsSt, carrySt *pytree.Structure, carrySpecs []trace.ArgSpec, dim int, reverse bool, n int) (any, any, error) {
	steps := make([][]ml.Tensor, n)
	var ySt *pytree.Structure

	for step := 0; step < n; step++ {
		i := step
		if reverse {
			i = n - 1 - step
		}

		sliced := make([]ml.Tensor, len(xsLeaves))
		for j, leaf := range xsLeaves {
			sliced[j] = sliceLeaf(ctx, leaf, dim, i)
		}
		x, err := pytree.Unflatten(xsSt, sliced)
		if err != nil {
			return nil, nil, err
		}

		next, y, err := fn(ctx, carry, x)
		if err != nil {
			return nil, nil, errors.Wrap(err, "scan: fn")
		}

		nextLeaves, nextSt, err := operandLeaves("scan", ctx, next)
		if err != nil {
			return nil, nil, err
		}
		if err := checkContract("scan", "carry", "fn carry output", carrySt, nextSt, carrySpecs, specsOf(nextLeaves)); err != nil {
			return nil, nil, err
		}

		yLeaves, ys, err := pytree.Flatten(y)
		if err != nil {
			return nil, nil, err
		}
		if ySt == nil {
			ySt = ys
		} else if !ySt.Equal(ys) {
			return nil, nil, errors.Errorf("scan: fn output structure changed from %s to %s", ySt, ys)
		}

		steps[i] = yLeaves
		carry = next
	}

	stacked, err := pytree.Unflatten(ySt, stackLeaves(ctx, steps, dim))
	if err != nil {
		return nil, nil, err
	}
	return carry, stacked, nil
}

func replayScan(ctx ml.Context, combineP *trace.Program, carryLeaves, xsLeaves []ml.Tensor, nCarry, dim int, reverse bool, n int, env *trace.ReplayEnv) ([]ml.Tensor, []ml.Tensor, error) {
	steps := make([][]ml.Tensor, n)

	for step := 0; step < n; step++ {
		i := step
		if reverse {
			i = n - 1 - step
		}

		args := append([]ml.Tensor(nil), carryLeaves...)
		for _, leaf := range xsLeaves {
			args = append(args, sliceLeaf(ctx, leaf, dim, i))
		}

		outs, err := combineP.Replay(ctx, args, env)
		if err != nil {
			return nil, nil, errors.Wrap(err, "scan: fn")
		}
		carryLeaves = outs[:nCarry]
		steps[i] = outs[nCarry:]
	}

	return carryLeaves, stackLeaves(ctx, steps, dim), nil
}

// stackedSpecs inserts a dim of size n into each spec's shape.
func stackedSpecs(specs []trace.ArgSpec, dim, n int) []trace.ArgSpec {
	out := make([]trace.ArgSpec, len(specs))
	for i, spec := range specs {
		rank := len(spec.Shape) + 1
		d := dim
		if d < 0 {
			d += rank
		}
		shape := make([]int, 0, rank)
		shape = append(shape, spec.Shape[:d]...)
		shape = append(shape, n)
		shape = append(shape, spec.Shape[d:]...)
		out[i] = trace.ArgSpec{DType: spec.DType, Shape: shape}
	}
	return out
}
