package trace

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/ml"
)

// FlowExec executes a structured operator node during replay. inputs are
// the already evaluated node inputs; env resolves captured operands of the
// node's child programs.
type FlowExec func(ctx ml.Context, node *Node, inputs []ml.Tensor, env *ReplayEnv) ([]ml.Tensor, error)

var flowExecs = map[string]FlowExec{}

// RegisterFlowExec installs the executor for a structured operator kind.
// The operator layer registers its kinds at init; re-registering panics.
func RegisterFlowExec(kind string, fn FlowExec) {
	if _, ok := flowExecs[kind]; ok {
		panic(fmt.Sprintf("trace: flow executor %q already registered", kind))
	}
	flowExecs[kind] = fn
}

// ReplayEnv resolves captured operands during replay. Lifted holds the
// session operands by slot; Parent maps nodes of enclosing programs to
// their values in the enclosing replay.
type ReplayEnv struct {
	Lifted []ml.Tensor
	Parent map[*Node]ml.Tensor
}

// Replay executes the program against a real context. operands bind the
// parameters in slot order.
func (p *Program) Replay(ctx ml.Context, operands []ml.Tensor, env *ReplayEnv) ([]ml.Tensor, error) {
	if !p.sealed {
		return nil, errors.Errorf("trace: replaying unsealed program %s", p.name)
	}
	if len(operands) != len(p.params) {
		return nil, errors.Errorf("trace: program %s takes %d operands, got %d", p.name, len(p.params), len(operands))
	}
	if env == nil {
		env = &ReplayEnv{}
	}

	vals := make([]ml.Tensor, len(p.nodes))
	multi := map[*Node][]ml.Tensor{}

	in := func(n *Node, i int) ml.Tensor { return vals[n.inputs[i].idx] }

	for _, n := range p.nodes {
		var err error
		vals[n.idx], err = p.replayNode(ctx, n, in, vals, multi, env)
		if err != nil {
			return nil, errors.Wrapf(err, "trace: %s node %%%d (%s)", p.name, n.idx, n.op)
		}
	}

	outs := make([]ml.Tensor, len(p.outputs))
	for i, out := range p.outputs {
		outs[i] = vals[out.idx]
	}
	return outs, nil
}

func (p *Program) replayNode(ctx ml.Context, n *Node, in func(*Node, int) ml.Tensor, vals []ml.Tensor, multi map[*Node][]ml.Tensor, env *ReplayEnv) (ml.Tensor, error) {
	attr := n.attr

	switch n.op {
	case OpParameter:
		return nil, errors.New("parameter slot not bound")

	case OpCaptured:
		if n.sessionSlot >= 0 {
			if n.sessionSlot >= len(env.Lifted) {
				return nil, errors.Errorf("captured slot %d outside lifted operands (%d)", n.sessionSlot, len(env.Lifted))
			}
			return env.Lifted[n.sessionSlot], nil
		}
		v, ok := env.Parent[n.parentRef]
		if !ok {
			return nil, errors.New("captured operand from enclosing program not resolved")
		}
		return v, nil

	case OpConstant:
		switch attr.Const {
		case ConstZeros:
			return ctx.Zeros(n.dtype, n.shape...), nil
		case ConstFloats:
			return ctx.FromFloats(attr.Floats, n.shape...), nil
		case ConstInts:
			return ctx.FromInts(attr.IntVal, n.shape...), nil
		case ConstBools:
			return ctx.FromBools(attr.Bools, n.shape...), nil
		case ConstArange:
			return ctx.Arange(attr.Floats[0], attr.Floats[1], attr.Floats[2], attr.DType), nil
		}
		return nil, errors.Errorf("unknown constant kind %d", attr.Const)

	case OpSubprogram:
		exec, ok := flowExecs[n.flowKind]
		if !ok {
			return nil, errors.Errorf("no executor registered for %q", n.flowKind)
		}

		inputs := make([]ml.Tensor, len(n.inputs))
		for i := range n.inputs {
			inputs[i] = in(n, i)
		}

		child := &ReplayEnv{Lifted: env.Lifted, Parent: map[*Node]ml.Tensor{}}
		for k, v := range env.Parent {
			child.Parent[k] = v
		}
		for _, pn := range p.nodes {
			if pn.idx >= n.idx {
				break
			}
			if v := vals[pn.idx]; v != nil {
				child.Parent[pn] = v
			}
		}

		outs, err := exec(ctx, n, inputs, child)
		if err != nil {
			return nil, err
		}
		if len(outs) != n.NumOutputs() {
			return nil, errors.Errorf("%q produced %d outputs, node declares %d", n.flowKind, len(outs), n.NumOutputs())
		}
		multi[n] = outs
		return nil, nil

	case OpSelect:
		return multi[n.inputs[0]][n.selectIdx], nil

	case OpAdd:
		return in(n, 0).Add(ctx, in(n, 1)), nil
	case OpSub:
		return in(n, 0).Sub(ctx, in(n, 1)), nil
	case OpMul:
		return in(n, 0).Mul(ctx, in(n, 1)), nil
	case OpDiv:
		return in(n, 0).Div(ctx, in(n, 1)), nil
	case OpNeg:
		return in(n, 0).Neg(ctx), nil
	case OpScale:
		return in(n, 0).Scale(ctx, attr.Float), nil
	case OpSin:
		return in(n, 0).Sin(ctx), nil
	case OpCos:
		return in(n, 0).Cos(ctx), nil

	case OpEqual:
		return in(n, 0).Equal(ctx, in(n, 1)), nil
	case OpGreater:
		return in(n, 0).Greater(ctx, in(n, 1)), nil
	case OpGreaterOrEqual:
		return in(n, 0).GreaterOrEqual(ctx, in(n, 1)), nil
	case OpLess:
		return in(n, 0).Less(ctx, in(n, 1)), nil
	case OpLessOrEqual:
		return in(n, 0).LessOrEqual(ctx, in(n, 1)), nil

	case OpLogicalAnd:
		return in(n, 0).LogicalAnd(ctx, in(n, 1)), nil
	case OpLogicalOr:
		return in(n, 0).LogicalOr(ctx, in(n, 1)), nil
	case OpLogicalNot:
		return in(n, 0).LogicalNot(ctx), nil
	case OpWhere:
		return in(n, 0).Where(ctx, in(n, 1), in(n, 2)), nil

	case OpSum:
		return in(n, 0).Sum(ctx, attr.Ints[0], attr.Bool1), nil
	case OpAll:
		return in(n, 0).All(ctx, attr.Ints[0], attr.Bool1), nil
	case OpAny:
		return in(n, 0).Any(ctx, attr.Ints[0], attr.Bool1), nil

	case OpArgsort:
		return in(n, 0).Argsort(ctx, attr.Ints[0], attr.Bool1, attr.Bool2), nil
	case OpScatter:
		return in(n, 0).Scatter(ctx, attr.Ints[0], in(n, 1), in(n, 2)), nil
	case OpTakeAlongAxis:
		return in(n, 0).TakeAlongAxis(ctx, attr.Ints[0], in(n, 1)), nil

	case OpReshape:
		return in(n, 0).Reshape(ctx, attr.Ints...), nil
	case OpPermute:
		return in(n, 0).Permute(ctx, attr.Ints...), nil
	case OpContiguous:
		return in(n, 0).Contiguous(ctx), nil
	case OpExpand:
		return in(n, 0).Expand(ctx, attr.Ints...), nil
	case OpNarrow:
		return in(n, 0).Narrow(ctx, attr.Ints[0], attr.Ints[1], attr.Ints[2]), nil
	case OpFlip:
		return in(n, 0).Flip(ctx, attr.Ints[0]), nil
	case OpConcat:
		return in(n, 0).Concat(ctx, in(n, 1), attr.Ints[0]), nil
	case OpStack:
		rest := make([]ml.Tensor, len(n.inputs)-1)
		for i := 1; i < len(n.inputs); i++ {
			rest[i-1] = in(n, i)
		}
		return in(n, 0).Stack(ctx, attr.Ints[0], rest...), nil
	case OpCast:
		return in(n, 0).Cast(ctx, attr.DType), nil

	case OpCopy:
		return in(n, 0).Copy(ctx, in(n, 1)), nil
	case OpAddAssign:
		return in(n, 0).AddAssign(ctx, in(n, 1)), nil
	}

	return nil, errors.Errorf("unhandled op %s", n.op)
}
