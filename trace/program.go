package trace

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/ml"
)

// ConstKind distinguishes how a constant node materializes at replay.
type ConstKind int

const (
	ConstZeros ConstKind = iota
	ConstFloats
	ConstInts
	ConstBools
	ConstArange
)

// Attr carries the non-tensor arguments of an op, e.g. dims, scalars and
// literal payloads. Which fields are meaningful depends on the op kind.
type Attr struct {
	Ints  []int
	Float float64
	Bool1 bool
	Bool2 bool
	DType ml.DType
	Const ConstKind

	Floats []float32
	IntVal []int32
	Bools  []bool
}

// Node is one recorded operation. Nodes are identified by pointer and own
// their inferred output dtype and shape.
type Node struct {
	p      *Program
	idx    int
	op     OpKind
	inputs []*Node
	attr   *Attr

	dtype ml.DType
	shape []int

	// parameter and captured slots
	slot int

	// captured proxies resolve either to a session-lifted tensor or to a
	// node of an enclosing program.
	sessionSlot int
	parentRef   *Node

	// subprogram bookkeeping
	flowKind  string
	children  []uuid.UUID
	outDTypes []ml.DType
	outShapes [][]int

	// select output index into a subprogram node
	selectIdx int
}

func (n *Node) Op() OpKind         { return n.op }
func (n *Node) Program() *Program  { return n.p }
func (n *Node) Inputs() []*Node    { return append([]*Node(nil), n.inputs...) }
func (n *Node) DType() ml.DType    { return n.dtype }
func (n *Node) Shape() []int       { return append([]int(nil), n.shape...) }
func (n *Node) FlowKind() string   { return n.flowKind }
func (n *Node) Children() []uuid.UUID {
	return append([]uuid.UUID(nil), n.children...)
}
func (n *Node) Attrs() *Attr       { return n.attr }
func (n *Node) NumOutputs() int    { return len(n.outShapes) }
func (n *Node) OutShapes() [][]int { return n.outShapes }
func (n *Node) OutDTypes() []ml.DType {
	return append([]ml.DType(nil), n.outDTypes...)
}

// Program is a sealed sequence of nodes with designated parameters,
// captured operands and outputs. Sub-programs recorded by control flow
// operators live in the children arena keyed by id.
type Program struct {
	id     uuid.UUID
	name   string
	device ml.Device
	parent *Program

	params   []*Node
	captured []*Node
	nodes    []*Node
	outputs  []*Node

	children map[uuid.UUID]*Program
	session  *Session
	sealed   bool
}

func (p *Program) ID() uuid.UUID     { return p.id }
func (p *Program) Name() string      { return p.name }
func (p *Program) Device() ml.Device { return p.device }
func (p *Program) NumParams() int    { return len(p.params) }
func (p *Program) NumOutputs() int   { return len(p.outputs) }
func (p *Program) Nodes() []*Node    { return append([]*Node(nil), p.nodes...) }
func (p *Program) Outputs() []*Node  { return append([]*Node(nil), p.outputs...) }

// Captured returns the proxy nodes for operands this program closes over.
func (p *Program) Captured() []*Node { return append([]*Node(nil), p.captured...) }

// Child resolves a sub-program by id.
func (p *Program) Child(id uuid.UUID) (*Program, error) {
	c, ok := p.children[id]
	if !ok {
		return nil, errors.Errorf("trace: program %s has no child %s", p.name, id)
	}
	return c, nil
}

// OutputSpecs returns the dtype and shape of each program output.
func (p *Program) OutputSpecs() []ArgSpec {
	specs := make([]ArgSpec, len(p.outputs))
	for i, out := range p.outputs {
		specs[i] = ArgSpec{DType: out.dtype, Shape: out.Shape()}
	}
	return specs
}

func (p *Program) newNode(op OpKind, dtype ml.DType, shape []int, inputs ...*Node) *Node {
	if p.sealed {
		panic(fmt.Sprintf("trace: recording into sealed program %s", p.name))
	}
	n := &Node{
		p:           p,
		idx:         len(p.nodes),
		op:          op,
		inputs:      inputs,
		dtype:       dtype,
		shape:       append([]int(nil), shape...),
		slot:        -1,
		sessionSlot: -1,
		selectIdx:   -1,
	}
	p.nodes = append(p.nodes, n)
	return n
}

// String lists the recorded ops, one per line, for debugging and tests.
func (p *Program) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "program %s(%d params, %d captured)\n", p.name, len(p.params), len(p.captured))
	for _, n := range p.nodes {
		fmt.Fprintf(&sb, "  %%%d = %s", n.idx, n.op)
		for _, in := range n.inputs {
			fmt.Fprintf(&sb, " %%%d", in.idx)
		}
		fmt.Fprintf(&sb, " : %s%v\n", n.dtype, n.shape)
	}
	return sb.String()
}

// ArgSpec is the dtype and shape contract of one tensor argument.
type ArgSpec struct {
	DType ml.DType
	Shape []int
}

// SpecOf extracts the spec of any tensor, concrete or traced.
func SpecOf(t ml.Tensor) ArgSpec {
	return ArgSpec{DType: t.DType(), Shape: t.Shape()}
}

// Session owns the operands lifted out of traced callables. Lifting is
// deduplicated across every program traced in the session, so a tensor
// closed over by several branches occupies a single slot.
type Session struct {
	device ml.Device
	lifted []ml.Tensor
	slots  map[ml.Tensor]int
}

func NewSession(device ml.Device) *Session {
	return &Session{device: device, slots: map[ml.Tensor]int{}}
}

// Lifted returns the operands captured so far, in slot order.
func (s *Session) Lifted() []ml.Tensor {
	return append([]ml.Tensor(nil), s.lifted...)
}

func (s *Session) lift(t ml.Tensor) int {
	if slot, ok := s.slots[t]; ok {
		return slot
	}
	slot := len(s.lifted)
	s.lifted = append(s.lifted, t)
	s.slots[t] = slot
	return slot
}

// Trace records fn as a program with the given parameter specs. fn sees
// symbolic arguments; any concrete tensor it touches is lifted into the
// session and recorded as a captured operand.
func (s *Session) Trace(name string, specs []ArgSpec, fn func(ctx ml.Context, args []ml.Tensor) ([]ml.Tensor, error)) (*Program, error) {
	return s.trace(name, nil, specs, fn)
}

func (s *Session) trace(name string, parent *Program, specs []ArgSpec, fn func(ctx ml.Context, args []ml.Tensor) ([]ml.Tensor, error)) (*Program, error) {
	p := &Program{
		id:       uuid.New(),
		name:     name,
		device:   s.device,
		parent:   parent,
		children: map[uuid.UUID]*Program{},
		session:  s,
	}

	tctx := &Context{p: p, s: s}
	args := make([]ml.Tensor, len(specs))
	for i, spec := range specs {
		n := p.newNode(OpParameter, spec.DType, spec.Shape)
		n.slot = i
		p.params = append(p.params, n)
		args[i] = &Tensor{node: n, ctx: tctx}
	}

	outs, err := fn(tctx, args)
	if err != nil {
		return nil, err
	}

	for i, out := range outs {
		n, err := tctx.operand(out)
		if err != nil {
			return nil, errors.Wrapf(err, "trace: %s output %d", name, i)
		}
		p.outputs = append(p.outputs, n)
	}

	p.sealed = true
	return p, nil
}
