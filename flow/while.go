package flow

import (
	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/ml"
	"github.com/flexattn/flexattn/pytree"
	"github.com/flexattn/flexattn/trace"
)

// WhileLoop repeatedly applies body to the carry while cond holds. The
// body must return a carry with the same structure, dtypes and compatible
// shapes as its input; termination is the caller's responsibility.
func WhileLoop(ctx ml.Context, cond CondFunc, body Branch, carry any) (any, error) {
	leaves, st, err := operandLeaves("while_loop", ctx, carry)
	if err != nil {
		return nil, err
	}
	specs := specsOf(leaves)

	tc, nested := ctx.(*trace.Context)
	if !nested && !ambient.active {
		return whileEager(ctx, cond, body, carry, st, specs)
	}

	var parent *trace.Context
	session := ambient.session
	if nested {
		parent = tc
	}

	condP, _, err := traceBranch(session, parent, "while.cond", st, specs, func(ctx ml.Context, carry any) (any, error) {
		return cond(ctx, carry)
	})
	if err != nil {
		return nil, errors.Wrap(err, "while_loop: cond")
	}
	if condP.NumOutputs() != 1 {
		return nil, errors.Errorf("while_loop: cond returned %d leaves, want a single scalar Bool", condP.NumOutputs())
	}
	if cs := condP.OutputSpecs()[0]; cs.DType != ml.DTypeBool || numel(cs.Shape) != 1 {
		return nil, errors.Errorf("while_loop: cond must return a scalar Bool tensor, got %s%v", cs.DType, cs.Shape)
	}

	bodyP, bodySt, err := traceBranch(session, parent, "while.body", st, specs, body)
	if err != nil {
		return nil, errors.Wrap(err, "while_loop: body")
	}

	if err := checkContract("while_loop", "carry", "body output", st, bodySt, specs, bodyP.OutputSpecs()); err != nil {
		return nil, err
	}
	if err := checkCarryShapes(specs, bodyP.OutputSpecs()); err != nil {
		return nil, err
	}
	if err := trace.CheckPurity(condP); err != nil {
		return nil, errors.Wrap(err, "while_loop")
	}
	if err := trace.CheckPurity(bodyP); err != nil {
		return nil, errors.Wrap(err, "while_loop")
	}

	if nested {
		outs, err := tc.Subprogram("while", []*trace.Program{condP, bodyP}, leaves, nil, bodyP.OutputSpecs())
		if err != nil {
			return nil, err
		}
		return pytree.Unflatten(bodySt, outs)
	}

	env := &trace.ReplayEnv{Lifted: session.Lifted()}
	outs, err := replayWhile(ctx, condP, bodyP, leaves, env)
	if err != nil {
		return nil, err
	}
	return pytree.Unflatten(bodySt, outs)
}

func whileEager(ctx ml.Context, cond CondFunc, body Branch, carry any, initSt *pytree.Structure, initSpecs []trace.ArgSpec) (any, error) {
	for {
		pred, err := cond(ctx, carry)
		if err != nil {
			return nil, errors.Wrap(err, "while_loop: cond")
		}
		keep, err := predValue("while_loop", pred)
		if err != nil {
			return nil, err
		}
		if !keep {
			return carry, nil
		}

		next, err := body(ctx, carry)
		if err != nil {
			return nil, errors.Wrap(err, "while_loop: body")
		}

		leaves, st, err := operandLeaves("while_loop", ctx, next)
		if err != nil {
			return nil, err
		}
		nextSpecs := specsOf(leaves)
		if err := checkContract("while_loop", "carry", "body output", initSt, st, initSpecs, nextSpecs); err != nil {
			return nil, err
		}
		if err := checkCarryShapes(initSpecs, nextSpecs); err != nil {
			return nil, err
		}
		carry = next
	}
}

// checkCarryShapes demands exact shape equality. The broadcast oracle is
// too lax here: a carry growing along a broadcastable dim would loop
// without ever tripping the contract check.
func checkCarryShapes(init, next []trace.ArgSpec) error {
	for i := range init {
		a, b := init[i].Shape, next[i].Shape
		same := len(a) == len(b)
		for j := 0; same && j < len(a); j++ {
			same = a[j] == b[j]
		}
		if !same {
			return errors.Errorf("while_loop: carry leaf %d changed shape from %v to %v", i, a, b)
		}
	}
	return nil
}

func replayWhile(ctx ml.Context, condP, bodyP *trace.Program, leaves []ml.Tensor, env *trace.ReplayEnv) ([]ml.Tensor, error) {
	for {
		preds, err := condP.Replay(ctx, leaves, env)
		if err != nil {
			return nil, errors.Wrap(err, "while_loop: cond")
		}
		keep, err := predValue("while_loop", preds[0])
		if err != nil {
			return nil, err
		}
		if !keep {
			return leaves, nil
		}

		leaves, err = bodyP.Replay(ctx, leaves, env)
		if err != nil {
			return nil, errors.Wrap(err, "while_loop: body")
		}
	}
}
