package flow

import (
	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/ml"
	"github.com/flexattn/flexattn/pytree"
	"github.com/flexattn/flexattn/trace"
)

// Cond evaluates ifTrue or ifFalse on operands depending on the scalar
// Bool predicate. Both branches are always traced and checked against
// each other, so a structure, dtype or shape mismatch between them is
// reported before any device computation runs, regardless of which branch
// the predicate would pick.
func Cond(ctx ml.Context, pred ml.Tensor, ifTrue, ifFalse Branch, operands any) (any, error) {
	if err := checkPred("cond", pred); err != nil {
		return nil, err
	}

	leaves, st, err := operandLeaves("cond", ctx, operands)
	if err != nil {
		return nil, err
	}
	specs := specsOf(leaves)

	tc, nested := ctx.(*trace.Context)

	var parent *trace.Context
	session := ambient.session
	switch {
	case nested:
		parent = tc
	case !ambient.active:
		session = trace.NewSession(ctx.Device())
	}

	trueP, trueSt, err := traceBranch(session, parent, "cond.true", st, specs, ifTrue)
	if err != nil {
		return nil, errors.Wrap(err, "cond: true branch")
	}
	falseP, falseSt, err := traceBranch(session, parent, "cond.false", st, specs, ifFalse)
	if err != nil {
		return nil, errors.Wrap(err, "cond: false branch")
	}

	if err := checkContract("cond", "true branch", "false branch", trueSt, falseSt, trueP.OutputSpecs(), falseP.OutputSpecs()); err != nil {
		return nil, err
	}
	if err := trace.CheckPurity(trueP); err != nil {
		return nil, errors.Wrap(err, "cond")
	}
	if err := trace.CheckPurity(falseP); err != nil {
		return nil, errors.Wrap(err, "cond")
	}

	switch {
	case nested:
		outs, err := tc.Subprogram("cond", []*trace.Program{trueP, falseP},
			append([]ml.Tensor{pred}, leaves...), nil, trueP.OutputSpecs())
		if err != nil {
			return nil, err
		}
		return pytree.Unflatten(trueSt, outs)

	case ambient.active:
		take, err := predValue("cond", pred)
		if err != nil {
			return nil, err
		}
		chosen, chosenSt := trueP, trueSt
		if !take {
			chosen, chosenSt = falseP, falseSt
		}
		outs, err := chosen.Replay(ctx, leaves, &trace.ReplayEnv{Lifted: session.Lifted()})
		if err != nil {
			return nil, errors.Wrap(err, "cond")
		}
		return pytree.Unflatten(chosenSt, outs)

	default:
		take, err := predValue("cond", pred)
		if err != nil {
			return nil, err
		}
		if take {
			return ifTrue(ctx, operands)
		}
		return ifFalse(ctx, operands)
	}
}
