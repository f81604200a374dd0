package trace

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/ml"
)

// Context is the recording implementation of ml.Context. Tensor methods
// called with it append nodes to the program under construction instead of
// computing values.
type Context struct {
	p *Program
	s *Session
}

func (c *Context) Device() ml.Device { return c.p.device }
func (c *Context) Close()            {}

// Program returns the program being recorded.
func (c *Context) Program() *Program { return c.p }

func (c *Context) constant(dtype ml.DType, shape []int, attr *Attr) ml.Tensor {
	n := c.p.newNode(OpConstant, dtype, shape)
	n.attr = attr
	return &Tensor{node: n, ctx: c}
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.constant(dtype, shape, &Attr{Const: ConstZeros, DType: dtype})
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.constant(dtype, shape, &Attr{Const: ConstZeros, DType: dtype})
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	if len(s) != numel(shape) {
		panic(fmt.Sprintf("trace: %d values for shape %v", len(s), shape))
	}
	return c.constant(ml.DTypeF32, shape, &Attr{Const: ConstFloats, Floats: append([]float32(nil), s...)})
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	if len(s) != numel(shape) {
		panic(fmt.Sprintf("trace: %d values for shape %v", len(s), shape))
	}
	return c.constant(ml.DTypeI32, shape, &Attr{Const: ConstInts, IntVal: append([]int32(nil), s...)})
}

func (c *Context) FromBools(s []bool, shape ...int) ml.Tensor {
	if len(s) != numel(shape) {
		panic(fmt.Sprintf("trace: %d values for shape %v", len(s), shape))
	}
	return c.constant(ml.DTypeBool, shape, &Attr{Const: ConstBools, Bools: append([]bool(nil), s...)})
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	n := arangeLen(start, stop, step)
	return c.constant(dtype, []int{n}, &Attr{
		Const:  ConstArange,
		DType:  dtype,
		Floats: []float32{start, stop, step},
	})
}

// operand resolves a tensor argument to a node of the current program,
// lifting concrete tensors into the session and closing over nodes of
// enclosing programs.
func (c *Context) operand(t ml.Tensor) (*Node, error) {
	if tt, ok := t.(*Tensor); ok {
		if tt.node.p == c.p {
			return tt.node, nil
		}
		return c.captureParent(tt.node)
	}
	if t.Device() != c.p.device {
		return nil, errors.Errorf("trace: operand on device %s, program %s is on %s", t.Device(), c.p.name, c.p.device)
	}
	return c.captureLifted(c.s.lift(t), t), nil
}

func (c *Context) captureLifted(slot int, t ml.Tensor) *Node {
	for _, cap := range c.p.captured {
		if cap.sessionSlot == slot {
			return cap
		}
	}
	n := c.p.newNode(OpCaptured, t.DType(), t.Shape())
	n.sessionSlot = slot
	n.slot = len(c.p.captured)
	c.p.captured = append(c.p.captured, n)
	return n
}

func (c *Context) captureParent(src *Node) (*Node, error) {
	anc := c.p.parent
	for anc != nil && anc != src.p {
		anc = anc.parent
	}
	if anc == nil {
		return nil, errors.Errorf("trace: tensor recorded in %s used in unrelated program %s", src.p.name, c.p.name)
	}
	for _, cap := range c.p.captured {
		if cap.parentRef == src {
			return cap, nil
		}
	}
	n := c.p.newNode(OpCaptured, src.dtype, src.Shape())
	n.parentRef = src
	n.slot = len(c.p.captured)
	c.p.captured = append(c.p.captured, n)
	return n, nil
}

func (c *Context) mustOperand(t ml.Tensor) *Node {
	n, err := c.operand(t)
	if err != nil {
		panic(err.Error())
	}
	return n
}

// TraceChild records a nested program whose free references may reach back
// into the program this context records.
func (c *Context) TraceChild(name string, specs []ArgSpec, fn func(ctx ml.Context, args []ml.Tensor) ([]ml.Tensor, error)) (*Program, error) {
	return c.s.trace(name, c.p, specs, fn)
}

// Subprogram records a structured operator call over child programs and
// returns one symbolic tensor per output spec.
func (c *Context) Subprogram(kind string, children []*Program, inputs []ml.Tensor, attr *Attr, outSpecs []ArgSpec) ([]ml.Tensor, error) {
	inNodes := make([]*Node, len(inputs))
	for i, in := range inputs {
		n, err := c.operand(in)
		if err != nil {
			return nil, errors.Wrapf(err, "trace: %s input %d", kind, i)
		}
		inNodes[i] = n
	}

	n := c.p.newNode(OpSubprogram, ml.DTypeOther, nil, inNodes...)
	n.flowKind = kind
	n.attr = attr
	for _, ch := range children {
		n.children = append(n.children, ch.ID())
		c.p.children[ch.ID()] = ch
	}

	outs := make([]ml.Tensor, len(outSpecs))
	for i, spec := range outSpecs {
		n.outDTypes = append(n.outDTypes, spec.DType)
		n.outShapes = append(n.outShapes, append([]int(nil), spec.Shape...))

		sel := c.p.newNode(OpSelect, spec.DType, spec.Shape, n)
		sel.selectIdx = i
		outs[i] = &Tensor{node: sel, ctx: c}
	}
	return outs, nil
}

// Tensor is a symbolic handle to a recorded node. It carries shape and
// dtype but no values.
type Tensor struct {
	node *Node
	ctx  *Context
}

// Node exposes the recorded node behind the handle.
func (t *Tensor) Node() *Node { return t.node }

func (t *Tensor) Dim(n int) int {
	return t.node.shape[normDim(n, len(t.node.shape))]
}

func (t *Tensor) Shape() []int      { return t.node.Shape() }
func (t *Tensor) DType() ml.DType   { return t.node.dtype }
func (t *Tensor) Device() ml.Device { return t.node.p.device }

func (t *Tensor) Floats() []float32 {
	panic("trace: cannot read values from a traced tensor")
}

func (t *Tensor) Ints() []int32 {
	panic("trace: cannot read values from a traced tensor")
}

func (t *Tensor) Bools() []bool {
	panic("trace: cannot read values from a traced tensor")
}

func tctx(ctx ml.Context) *Context {
	c, ok := ctx.(*Context)
	if !ok {
		panic(fmt.Sprintf("trace: traced tensor used with %T instead of a tracing context", ctx))
	}
	return c
}

func requireNumeric(op string, dts ...ml.DType) {
	for _, dt := range dts {
		if dt == ml.DTypeBool {
			panic(fmt.Sprintf("trace: %s requires a numeric tensor, got Bool", op))
		}
	}
}

func requireBool(op string, dts ...ml.DType) {
	for _, dt := range dts {
		if dt != ml.DTypeBool {
			panic(fmt.Sprintf("trace: %s requires a Bool tensor, got %s", op, dt))
		}
	}
}

func promote(a, b ml.DType) ml.DType {
	if a == ml.DTypeF32 || b == ml.DTypeF32 || a == ml.DTypeF16 || b == ml.DTypeF16 {
		return ml.DTypeF32
	}
	return ml.DTypeI32
}

func (t *Tensor) record(ctx ml.Context, op OpKind, dtype ml.DType, shape []int, attr *Attr, inputs ...ml.Tensor) ml.Tensor {
	c := tctx(ctx)
	nodes := make([]*Node, 0, len(inputs)+1)
	nodes = append(nodes, c.mustOperand(t))
	for _, in := range inputs {
		nodes = append(nodes, c.mustOperand(in))
	}
	n := c.p.newNode(op, dtype, shape, nodes...)
	n.attr = attr
	return &Tensor{node: n, ctx: c}
}

func (t *Tensor) binary(ctx ml.Context, op OpKind, t2 ml.Tensor, out ml.DType) ml.Tensor {
	return t.record(ctx, op, out, broadcastShape(t.node.shape, t2.Shape()), nil, t2)
}

func (t *Tensor) arith(ctx ml.Context, op OpKind, name string, t2 ml.Tensor) ml.Tensor {
	requireNumeric(name, t.node.dtype, t2.DType())
	return t.binary(ctx, op, t2, promote(t.node.dtype, t2.DType()))
}

func (t *Tensor) compare(ctx ml.Context, op OpKind, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, op, t2, ml.DTypeBool)
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor { return t.arith(ctx, OpAdd, "Add", t2) }
func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor { return t.arith(ctx, OpSub, "Sub", t2) }
func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor { return t.arith(ctx, OpMul, "Mul", t2) }
func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor { return t.arith(ctx, OpDiv, "Div", t2) }

func (t *Tensor) Neg(ctx ml.Context) ml.Tensor {
	requireNumeric("Neg", t.node.dtype)
	return t.record(ctx, OpNeg, t.node.dtype, t.node.shape, nil)
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	requireNumeric("Scale", t.node.dtype)
	return t.record(ctx, OpScale, t.node.dtype, t.node.shape, &Attr{Float: s})
}

func (t *Tensor) Sin(ctx ml.Context) ml.Tensor {
	requireNumeric("Sin", t.node.dtype)
	return t.record(ctx, OpSin, ml.DTypeF32, t.node.shape, nil)
}

func (t *Tensor) Cos(ctx ml.Context) ml.Tensor {
	requireNumeric("Cos", t.node.dtype)
	return t.record(ctx, OpCos, ml.DTypeF32, t.node.shape, nil)
}

func (t *Tensor) Equal(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.compare(ctx, OpEqual, t2)
}

func (t *Tensor) Greater(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.compare(ctx, OpGreater, t2)
}

func (t *Tensor) GreaterOrEqual(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.compare(ctx, OpGreaterOrEqual, t2)
}

func (t *Tensor) Less(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.compare(ctx, OpLess, t2)
}

func (t *Tensor) LessOrEqual(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.compare(ctx, OpLessOrEqual, t2)
}

func (t *Tensor) LogicalAnd(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	requireBool("LogicalAnd", t.node.dtype, t2.DType())
	return t.binary(ctx, OpLogicalAnd, t2, ml.DTypeBool)
}

func (t *Tensor) LogicalOr(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	requireBool("LogicalOr", t.node.dtype, t2.DType())
	return t.binary(ctx, OpLogicalOr, t2, ml.DTypeBool)
}

func (t *Tensor) LogicalNot(ctx ml.Context) ml.Tensor {
	requireBool("LogicalNot", t.node.dtype)
	return t.record(ctx, OpLogicalNot, ml.DTypeBool, t.node.shape, nil)
}

func (t *Tensor) Where(ctx ml.Context, onTrue, onFalse ml.Tensor) ml.Tensor {
	requireBool("Where", t.node.dtype)
	if onTrue.DType() != onFalse.DType() {
		panic(fmt.Sprintf("trace: Where branches have different dtypes: %s vs %s", onTrue.DType(), onFalse.DType()))
	}
	shape := broadcastShape(broadcastShape(t.node.shape, onTrue.Shape()), onFalse.Shape())
	return t.record(ctx, OpWhere, onTrue.DType(), shape, nil, onTrue, onFalse)
}

func (t *Tensor) reduce(ctx ml.Context, op OpKind, out ml.DType, dim int, keepDim bool) ml.Tensor {
	d := normDim(dim, len(t.node.shape))
	return t.record(ctx, op, out, reducedShape(t.node.shape, d, keepDim), &Attr{Ints: []int{d}, Bool1: keepDim})
}

func (t *Tensor) Sum(ctx ml.Context, dim int, keepDim bool) ml.Tensor {
	out := t.node.dtype
	if out == ml.DTypeBool {
		out = ml.DTypeI32
	}
	return t.reduce(ctx, OpSum, out, dim, keepDim)
}

func (t *Tensor) All(ctx ml.Context, dim int, keepDim bool) ml.Tensor {
	return t.reduce(ctx, OpAll, ml.DTypeBool, dim, keepDim)
}

func (t *Tensor) Any(ctx ml.Context, dim int, keepDim bool) ml.Tensor {
	return t.reduce(ctx, OpAny, ml.DTypeBool, dim, keepDim)
}

func (t *Tensor) Argsort(ctx ml.Context, dim int, descending, stable bool) ml.Tensor {
	d := normDim(dim, len(t.node.shape))
	return t.record(ctx, OpArgsort, ml.DTypeI32, t.node.shape, &Attr{Ints: []int{d}, Bool1: descending, Bool2: stable})
}

func (t *Tensor) Scatter(ctx ml.Context, dim int, index, src ml.Tensor) ml.Tensor {
	d := normDim(dim, len(t.node.shape))
	if len(index.Shape()) != len(t.node.shape) {
		panic(fmt.Sprintf("trace: Scatter index rank %d does not match operand rank %d", len(index.Shape()), len(t.node.shape)))
	}
	if index.DType() != ml.DTypeI32 {
		panic(fmt.Sprintf("trace: Scatter index must be I32, got %s", index.DType()))
	}
	return t.record(ctx, OpScatter, t.node.dtype, t.node.shape, &Attr{Ints: []int{d}}, index, src)
}

func (t *Tensor) TakeAlongAxis(ctx ml.Context, dim int, index ml.Tensor) ml.Tensor {
	d := normDim(dim, len(t.node.shape))
	if len(index.Shape()) != len(t.node.shape) {
		panic(fmt.Sprintf("trace: TakeAlongAxis index rank %d does not match operand rank %d", len(index.Shape()), len(t.node.shape)))
	}
	if index.DType() != ml.DTypeI32 {
		panic(fmt.Sprintf("trace: TakeAlongAxis index must be I32, got %s", index.DType()))
	}
	return t.record(ctx, OpTakeAlongAxis, t.node.dtype, index.Shape(), &Attr{Ints: []int{d}}, index)
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	out := reshapeOut(t.node.shape, shape)
	return t.record(ctx, OpReshape, t.node.dtype, out, &Attr{Ints: out})
}

func (t *Tensor) Permute(ctx ml.Context, axes ...int) ml.Tensor {
	out, norm := permuteOut(t.node.shape, axes)
	return t.record(ctx, OpPermute, t.node.dtype, out, &Attr{Ints: norm})
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t.record(ctx, OpContiguous, t.node.dtype, t.node.shape, nil)
}

func (t *Tensor) Expand(ctx ml.Context, shape ...int) ml.Tensor {
	expandCheck(t.node.shape, shape)
	out := append([]int(nil), shape...)
	return t.record(ctx, OpExpand, t.node.dtype, out, &Attr{Ints: out})
}

func (t *Tensor) Narrow(ctx ml.Context, dim, start, length int) ml.Tensor {
	d := normDim(dim, len(t.node.shape))
	if start < 0 || length < 0 || start+length > t.node.shape[d] {
		panic(fmt.Sprintf("trace: Narrow [%d:%d] out of range for dim of size %d", start, start+length, t.node.shape[d]))
	}
	out := t.node.Shape()
	out[d] = length
	return t.record(ctx, OpNarrow, t.node.dtype, out, &Attr{Ints: []int{d, start, length}})
}

func (t *Tensor) Flip(ctx ml.Context, dim int) ml.Tensor {
	d := normDim(dim, len(t.node.shape))
	return t.record(ctx, OpFlip, t.node.dtype, t.node.shape, &Attr{Ints: []int{d}})
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	d := normDim(dim, len(t.node.shape))
	s2 := t2.Shape()
	if len(s2) != len(t.node.shape) {
		panic(fmt.Sprintf("trace: Concat rank mismatch: %v vs %v", t.node.shape, s2))
	}
	out := t.node.Shape()
	for i := range out {
		if i == d {
			out[i] += s2[i]
		} else if out[i] != s2[i] {
			panic(fmt.Sprintf("trace: Concat shapes %v and %v differ outside dim %d", t.node.shape, s2, d))
		}
	}
	return t.record(ctx, OpConcat, t.node.dtype, out, &Attr{Ints: []int{d}}, t2)
}

func (t *Tensor) Stack(ctx ml.Context, dim int, s ...ml.Tensor) ml.Tensor {
	rank := len(t.node.shape) + 1
	d := normDim(dim, rank)
	for _, o := range s {
		os := o.Shape()
		if len(os) != len(t.node.shape) {
			panic(fmt.Sprintf("trace: Stack rank mismatch: %v vs %v", t.node.shape, os))
		}
		for i := range os {
			if os[i] != t.node.shape[i] {
				panic(fmt.Sprintf("trace: Stack shapes %v and %v differ", t.node.shape, os))
			}
		}
	}
	out := make([]int, 0, rank)
	out = append(out, t.node.shape[:d]...)
	out = append(out, len(s)+1)
	out = append(out, t.node.shape[d:]...)
	return t.record(ctx, OpStack, t.node.dtype, out, &Attr{Ints: []int{d}}, s...)
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	return t.record(ctx, OpCast, dtype, t.node.shape, &Attr{DType: dtype})
}

func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	if numel(t.node.shape) != numel(t2.Shape()) {
		panic(fmt.Sprintf("trace: Copy numel mismatch: %v vs %v", t.node.shape, t2.Shape()))
	}
	return t.record(ctx, OpCopy, t2.DType(), t2.Shape(), nil, t2)
}

func (t *Tensor) AddAssign(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	requireNumeric("AddAssign", t.node.dtype, t2.DType())
	bs := broadcastShape(t.node.shape, t2.Shape())
	if numel(bs) != numel(t.node.shape) {
		panic(fmt.Sprintf("trace: AddAssign operand %v does not broadcast into %v", t2.Shape(), t.node.shape))
	}
	return t.record(ctx, OpAddAssign, t.node.dtype, t.node.shape, nil, t2)
}
