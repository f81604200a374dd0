package flow

import (
	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/ml"
	"github.com/flexattn/flexattn/pytree"
	"github.com/flexattn/flexattn/trace"
)

// Map applies fn to each slice of xs along the leading dim and stacks the
// results. args are forwarded to every call unchanged, which is how
// non-mapped operands are threaded through.
func Map(ctx ml.Context, fn MapFunc, xs any, args ...any) (any, error) {
	xsLeaves, xsSt, err := operandLeaves("map", ctx, xs)
	if err != nil {
		return nil, err
	}
	n, err := scanLen("map", xsLeaves, 0)
	if err != nil {
		return nil, err
	}

	var argLeaves []ml.Tensor
	var argSts []*pytree.Structure
	for i, arg := range args {
		leaves, st, err := operandLeaves("map", ctx, arg)
		if err != nil {
			return nil, errors.Wrapf(err, "map: arg %d", i)
		}
		argLeaves = append(argLeaves, leaves...)
		argSts = append(argSts, st)
	}

	tc, nested := ctx.(*trace.Context)
	if !nested && !ambient.active {
		return mapEager(ctx, fn, args, xsLeaves, xsSt, n)
	}

	var parent *trace.Context
	session := ambient.session
	if nested {
		parent = tc
	}

	fnP, outSt, err := traceMapFn(session, parent, fn, xsSt, argSts, xsLeaves, argLeaves)
	if err != nil {
		return nil, err
	}
	if err := trace.CheckPurity(fnP); err != nil {
		return nil, errors.Wrap(err, "map")
	}

	if nested {
		attr := &trace.Attr{Ints: []int{n, len(xsLeaves)}}
		outs, err := tc.Subprogram("map", []*trace.Program{fnP},
			append(append([]ml.Tensor(nil), xsLeaves...), argLeaves...), attr,
			stackedSpecs(fnP.OutputSpecs(), 0, n))
		if err != nil {
			return nil, err
		}
		return pytree.Unflatten(outSt, outs)
	}

	env := &trace.ReplayEnv{Lifted: session.Lifted()}
	outs, err := replayMap(ctx, fnP, xsLeaves, argLeaves, n, env)
	if err != nil {
		return nil, err
	}
	return pytree.Unflatten(outSt, outs)
}

func traceMapFn(session *trace.Session, parent *trace.Context, fn MapFunc, xsSt *pytree.Structure, argSts []*pytree.Structure, xsLeaves, argLeaves []ml.Tensor) (*trace.Program, *pytree.Structure, error) {
	specs := make([]trace.ArgSpec, 0, len(xsLeaves)+len(argLeaves))
	for _, leaf := range xsLeaves {
		specs = append(specs, sliceSpec(leaf, 0))
	}
	specs = append(specs, specsOf(argLeaves)...)

	var outSt *pytree.Structure
	nXs := len(xsLeaves)

	wrap := func(tc ml.Context, in []ml.Tensor) ([]ml.Tensor, error) {
		x, err := pytree.Unflatten(xsSt, in[:nXs])
		if err != nil {
			return nil, err
		}

		rest := in[nXs:]
		callArgs := make([]any, len(argSts))
		for i, st := range argSts {
			k := st.NumLeaves()
			callArgs[i], err = pytree.Unflatten(st, rest[:k])
			if err != nil {
				return nil, err
			}
			rest = rest[k:]
		}

		out, err := fn(tc, x, callArgs...)
		if err != nil {
			return nil, err
		}
		leaves, s, err := pytree.Flatten(out)
		if err != nil {
			return nil, err
		}
		outSt = s
		return leaves, nil
	}

	var p *trace.Program
	var err error
	if parent != nil {
		p, err = parent.TraceChild("map.fn", specs, wrap)
	} else {
		p, err = session.Trace("map.fn", specs, wrap)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "map: fn")
	}
	return p, outSt, nil
}

func mapEager(ctx ml.Context, fn MapFunc, args []any, xsLeaves []ml.Tensor, xsSt *pytree.Structure, n int) (any, error) {
	steps := make([][]ml.Tensor, n)
	var outSt *pytree.Structure

	for i := 0; i < n; i++ {
		sliced := make([]ml.Tensor, len(xsLeaves))
		for j, leaf := range xsLeaves {
			sliced[j] = sliceLeaf(ctx, leaf, 0, i)
		}
		x, err := pytree.Unflatten(xsSt, sliced)
		if err != nil {
			return nil, err
		}

		out, err := fn(ctx, x, args...)
		if err != nil {
			return nil, errors.Wrap(err, "map: fn")
		}

		leaves, s, err := pytree.Flatten(out)
		if err != nil {
			return nil, err
		}
		if outSt == nil {
			outSt = s
		} else if !outSt.Equal(s) {
			return nil, errors.Errorf("map: fn output structure changed from %s to %s", outSt, s)
		}
		steps[i] = leaves
	}

	return pytree.Unflatten(outSt, stackLeaves(ctx, steps, 0))
}

func replayMap(ctx ml.Context, fnP *trace.Program, xsLeaves, argLeaves []ml.Tensor, n int, env *trace.ReplayEnv) ([]ml.Tensor, error) {
	steps := make([][]ml.Tensor, n)

	for i := 0; i < n; i++ {
		in := make([]ml.Tensor, 0, len(xsLeaves)+len(argLeaves))
		for _, leaf := range xsLeaves {
			in = append(in, sliceLeaf(ctx, leaf, 0, i))
		}
		in = append(in, argLeaves...)

		outs, err := fnP.Replay(ctx, in, env)
		if err != nil {
			return nil, errors.Wrap(err, "map: fn")
		}
		steps[i] = outs
	}

	return stackLeaves(ctx, steps, 0), nil
}
