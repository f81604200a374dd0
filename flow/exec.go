package flow

import (
	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/ml"
	"github.com/flexattn/flexattn/trace"
)

// The executors below run structured nodes when a program that recorded
// them is replayed against a real backend.

func init() {
	trace.RegisterFlowExec("cond", execCond)
	trace.RegisterFlowExec("while", execWhile)
	trace.RegisterFlowExec("scan", execScan)
	trace.RegisterFlowExec("associative_scan", execAssociativeScan)
	trace.RegisterFlowExec("map", execMap)
}

func nodeChildren(node *trace.Node) ([]*trace.Program, error) {
	p := node.Program()
	ids := node.Children()
	out := make([]*trace.Program, len(ids))
	for i, id := range ids {
		child, err := p.Child(id)
		if err != nil {
			return nil, err
		}
		out[i] = child
	}
	return out, nil
}

func execCond(ctx ml.Context, node *trace.Node, inputs []ml.Tensor, env *trace.ReplayEnv) ([]ml.Tensor, error) {
	children, err := nodeChildren(node)
	if err != nil {
		return nil, err
	}

	take, err := predValue("cond", inputs[0])
	if err != nil {
		return nil, err
	}
	chosen := children[0]
	if !take {
		chosen = children[1]
	}
	return chosen.Replay(ctx, inputs[1:], env)
}

func execWhile(ctx ml.Context, node *trace.Node, inputs []ml.Tensor, env *trace.ReplayEnv) ([]ml.Tensor, error) {
	children, err := nodeChildren(node)
	if err != nil {
		return nil, err
	}
	return replayWhile(ctx, children[0], children[1], inputs, env)
}

func execScan(ctx ml.Context, node *trace.Node, inputs []ml.Tensor, env *trace.ReplayEnv) ([]ml.Tensor, error) {
	children, err := nodeChildren(node)
	if err != nil {
		return nil, err
	}

	attr := node.Attrs()
	dim, n, nCarry := attr.Ints[0], attr.Ints[1], attr.Ints[2]

	carry, ys, err := replayScan(ctx, children[0], inputs[:nCarry], inputs[nCarry:], nCarry, dim, attr.Bool1, n, env)
	if err != nil {
		return nil, err
	}
	return append(carry, ys...), nil
}

func execAssociativeScan(ctx ml.Context, node *trace.Node, inputs []ml.Tensor, env *trace.ReplayEnv) ([]ml.Tensor, error) {
	children, err := nodeChildren(node)
	if err != nil {
		return nil, err
	}

	attr := node.Attrs()
	dim, n, mode := attr.Ints[0], attr.Ints[1], CombineMode(attr.Ints[2])

	apply := func(a, b []ml.Tensor) ([]ml.Tensor, error) {
		outs, err := children[0].Replay(ctx, append(append([]ml.Tensor(nil), a...), b...), env)
		if err != nil {
			return nil, errors.Wrap(err, "associative_scan: combine_fn")
		}
		return outs, nil
	}
	return runAssociativeScan(ctx, apply, inputs, dim, attr.Bool1, n, mode)
}

func execMap(ctx ml.Context, node *trace.Node, inputs []ml.Tensor, env *trace.ReplayEnv) ([]ml.Tensor, error) {
	children, err := nodeChildren(node)
	if err != nil {
		return nil, err
	}

	attr := node.Attrs()
	n, nXs := attr.Ints[0], attr.Ints[1]
	return replayMap(ctx, children[0], inputs[:nXs], inputs[nXs:], n, env)
}
