// Package flow provides structured control flow operators over tensors:
// Cond, WhileLoop, Scan, AssociativeScan and Map. Callables take and
// return pytrees of tensors.
//
// The operators run in one of three modes. Called with a plain backend
// context they execute eagerly. Inside a Captured scope they are traced,
// checked and replayed, which is how a compiler front end would consume
// them. Called with a tracing context they record themselves as a single
// structured node holding their callables as sub-programs.
package flow

import (
	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/ml"
	"github.com/flexattn/flexattn/pytree"
	"github.com/flexattn/flexattn/trace"
)

// Branch is a callable over one pytree of operands.
type Branch func(ctx ml.Context, operands any) (any, error)

// CondFunc computes a loop predicate from the carry. It must return a
// scalar Bool tensor.
type CondFunc func(ctx ml.Context, carry any) (ml.Tensor, error)

// ScanFunc combines a carry with one slice of the scanned input and
// returns the next carry and the slice's output.
type ScanFunc func(ctx ml.Context, carry, x any) (any, any, error)

// CombineFunc is an associative binary combiner over pytrees.
type CombineFunc func(ctx ml.Context, a, b any) (any, error)

// MapFunc is applied to each slice of the mapped input. args are passed
// through unchanged on every call.
type MapFunc func(ctx ml.Context, x any, args ...any) (any, error)

// CombineMode selects the associative scan execution strategy.
type CombineMode int

const (
	// CombineGeneric applies the combiner sequentially. It works for any
	// associative combiner.
	CombineGeneric CombineMode = iota

	// CombinePointwise uses a logarithmic doubling schedule. The combiner
	// must consist of pointwise ops only; this is checked.
	CombinePointwise
)

// scope is the ambient capture state. It is per-process, like the
// capture flags it models; the operators are not safe for concurrent
// capture from multiple goroutines.
type scope struct {
	active  bool
	session *trace.Session
}

var ambient scope

// Captured runs fn with sub-program capture enabled: every operator call
// inside is traced, contract- and purity-checked, then replayed against
// ctx. The previous capture state is restored when fn returns, including
// on panic.
func Captured(ctx ml.Context, fn func() error) error {
	prev := ambient
	ambient = scope{active: true, session: trace.NewSession(ctx.Device())}
	defer func() { ambient = prev }()
	return fn()
}

// ShapeOracle decides whether two leaf shapes from different branches can
// be considered equal. The default demands broadcast compatibility; a
// symbolic shape system can install a laxer one.
type ShapeOracle interface {
	Compatible(a, b []int) bool
}

type broadcastOracle struct{}

func (broadcastOracle) Compatible(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] && a[i] != 1 && b[i] != 1 {
			return false
		}
	}
	return true
}

var oracle ShapeOracle = broadcastOracle{}

// SetShapeOracle replaces the shape compatibility oracle used by the
// branch contract checks.
func SetShapeOracle(o ShapeOracle) {
	if o == nil {
		oracle = broadcastOracle{}
		return
	}
	oracle = o
}

// operandLeaves flattens a pytree and validates that every leaf lives on
// the context's device.
func operandLeaves(op string, ctx ml.Context, v any) ([]ml.Tensor, *pytree.Structure, error) {
	leaves, st, err := pytree.Flatten(v)
	if err != nil {
		return nil, nil, errors.Wrap(err, op)
	}
	for i, leaf := range leaves {
		if leaf.Device() != ctx.Device() {
			return nil, nil, errors.Errorf("%s: leaf %d is on device %s, context is on %s", op, i, leaf.Device(), ctx.Device())
		}
	}
	return leaves, st, nil
}

func specsOf(leaves []ml.Tensor) []trace.ArgSpec {
	specs := make([]trace.ArgSpec, len(leaves))
	for i, leaf := range leaves {
		specs[i] = trace.SpecOf(leaf)
	}
	return specs
}

// traceBranch records fn as a program. Under a tracing context the
// program is a child of the enclosing one, so free references to outer
// traced tensors resolve as closure captures.
func traceBranch(session *trace.Session, parent *trace.Context, name string, st *pytree.Structure, specs []trace.ArgSpec, fn Branch) (*trace.Program, *pytree.Structure, error) {
	var outSt *pytree.Structure
	wrap := func(tc ml.Context, args []ml.Tensor) ([]ml.Tensor, error) {
		tree, err := pytree.Unflatten(st, args)
		if err != nil {
			return nil, err
		}
		out, err := fn(tc, tree)
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
		p, err = parent.TraceChild(name, specs, wrap)
	} else {
		p, err = session.Trace(name, specs, wrap)
	}
	if err != nil {
		return nil, nil, err
	}
	return p, outSt, nil
}

// predValue reads a scalar Bool predicate.
func predValue(op string, pred ml.Tensor) (bool, error) {
	if err := checkPred(op, pred); err != nil {
		return false, err
	}
	return pred.Bools()[0], nil
}

func checkPred(op string, pred ml.Tensor) error {
	if pred.DType() != ml.DTypeBool || numel(pred.Shape()) != 1 {
		return errors.Errorf("%s: predicate must be a scalar Bool tensor, got %s%v", op, pred.DType(), pred.Shape())
	}
	return nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func normDim(op string, dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		return 0, errors.Errorf("%s: dim %d out of range for rank %d", op, dim, rank)
	}
	return dim, nil
}

// scanLen returns the common size of the scanned dim across leaves.
func scanLen(op string, leaves []ml.Tensor, dim int) (int, error) {
	if len(leaves) == 0 {
		return 0, errors.Errorf("%s: xs has no tensor leaves", op)
	}
	n := -1
	for i, leaf := range leaves {
		d, err := normDim(op, dim, len(leaf.Shape()))
		if err != nil {
			return 0, errors.Wrapf(err, "%s: leaf %d", op, i)
		}
		size := leaf.Dim(d)
		if n == -1 {
			n = size
		} else if size != n {
			return 0, errors.Errorf("%s: leaf %d has %d slices along dim %d, leaf 0 has %d", op, i, size, dim, n)
		}
	}
	if n == 0 {
		return 0, errors.Errorf("%s: cannot scan over a dim of size 0", op)
	}
	return n, nil
}

// sliceLeaf extracts slice i along dim and drops the dim.
func sliceLeaf(ctx ml.Context, leaf ml.Tensor, dim, i int) ml.Tensor {
	d, _ := normDim("slice", dim, len(leaf.Shape()))
	narrow := leaf.Narrow(ctx, d, i, 1)
	shape := narrow.Shape()
	return narrow.Reshape(ctx, append(shape[:d], shape[d+1:]...)...)
}

// sliceSpec is the spec of one slice with the scanned dim dropped.
func sliceSpec(leaf ml.Tensor, dim int) trace.ArgSpec {
	d, _ := normDim("slice", dim, len(leaf.Shape()))
	shape := leaf.Shape()
	return trace.ArgSpec{DType: leaf.DType(), Shape: append(shape[:d], shape[d+1:]...)}
}

// stackLeaves stacks per-step leaves into one tensor per leaf position,
// inserting a dim of size len(steps) at dim.
func stackLeaves(ctx ml.Context, steps [][]ml.Tensor, dim int) []ml.Tensor {
	out := make([]ml.Tensor, len(steps[0]))
	for j := range out {
		rest := make([]ml.Tensor, 0, len(steps)-1)
		for _, step := range steps[1:] {
			rest = append(rest, step[j])
		}
		out[j] = steps[0][j].Stack(ctx, dim, rest...)
	}
	return out
}
