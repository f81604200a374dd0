// Package trace captures tensor programs symbolically. A traced callable
// runs against a recording context; every tensor method appends a node to
// a program instead of computing. Programs can be inspected for structural
// properties and replayed against a real backend context.
package trace

import (
	"fmt"

	"github.com/emirpasic/gods/v2/sets/hashset"
)

// OpKind identifies a recorded operation.
type OpKind int

const (
	OpInvalid OpKind = iota

	// graph-structural ops
	OpParameter
	OpCaptured
	OpConstant
	OpSubprogram
	OpSelect

	// arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpScale
	OpSin
	OpCos

	// comparison
	OpEqual
	OpGreater
	OpGreaterOrEqual
	OpLess
	OpLessOrEqual

	// logical
	OpLogicalAnd
	OpLogicalOr
	OpLogicalNot
	OpWhere

	// reduction
	OpSum
	OpAll
	OpAny

	// indexing
	OpArgsort
	OpScatter
	OpTakeAlongAxis

	// shape
	OpReshape
	OpPermute
	OpContiguous
	OpExpand
	OpNarrow
	OpFlip
	OpConcat
	OpStack
	OpCast

	// mutating
	OpCopy
	OpAddAssign
)

// OpInfo describes the structural properties of an op kind. AliasArg and
// MutatesArg are input positions, or -1.
type OpInfo struct {
	Name string

	// Pointwise ops apply independently per element with broadcasting.
	// The associative scan doubling path is only valid over these.
	Pointwise bool

	// Mutating ops write through MutatesArg in place.
	Mutating   bool
	MutatesArg int

	// AliasArg is the input whose storage the output may share.
	AliasArg int
}

var (
	opInfos   = map[OpKind]OpInfo{}
	pointwise = hashset.New[OpKind]()
)

// Register adds an op kind to the registry. Backends or operator layers
// can register additional kinds; re-registering panics.
func Register(kind OpKind, info OpInfo) {
	if _, ok := opInfos[kind]; ok {
		panic(fmt.Sprintf("trace: op %s already registered", info.Name))
	}
	opInfos[kind] = info
	if info.Pointwise {
		pointwise.Add(kind)
	}
}

// Info returns the registered description of kind.
func Info(kind OpKind) OpInfo {
	info, ok := opInfos[kind]
	if !ok {
		panic(fmt.Sprintf("trace: unregistered op kind %d", kind))
	}
	return info
}

// Pointwise reports whether kind is registered as a pointwise op.
func Pointwise(kind OpKind) bool {
	return pointwise.Contains(kind)
}

func (k OpKind) String() string {
	if info, ok := opInfos[k]; ok {
		return info.Name
	}
	return fmt.Sprintf("op(%d)", int(k))
}

func pointwiseOp(name string) OpInfo {
	return OpInfo{Name: name, Pointwise: true, MutatesArg: -1, AliasArg: -1}
}

func plainOp(name string) OpInfo {
	return OpInfo{Name: name, MutatesArg: -1, AliasArg: -1}
}

func viewOp(name string) OpInfo {
	return OpInfo{Name: name, MutatesArg: -1, AliasArg: 0}
}

func init() {
	Register(OpParameter, plainOp("parameter"))
	Register(OpCaptured, plainOp("captured"))
	Register(OpConstant, pointwiseOp("constant"))
	Register(OpSubprogram, plainOp("subprogram"))
	Register(OpSelect, OpInfo{Name: "select", MutatesArg: -1, AliasArg: 0})

	Register(OpAdd, pointwiseOp("add"))
	Register(OpSub, pointwiseOp("sub"))
	Register(OpMul, pointwiseOp("mul"))
	Register(OpDiv, pointwiseOp("div"))
	Register(OpNeg, pointwiseOp("neg"))
	Register(OpScale, pointwiseOp("scale"))
	Register(OpSin, pointwiseOp("sin"))
	Register(OpCos, pointwiseOp("cos"))

	Register(OpEqual, pointwiseOp("equal"))
	Register(OpGreater, pointwiseOp("greater"))
	Register(OpGreaterOrEqual, pointwiseOp("greater_or_equal"))
	Register(OpLess, pointwiseOp("less"))
	Register(OpLessOrEqual, pointwiseOp("less_or_equal"))

	Register(OpLogicalAnd, pointwiseOp("logical_and"))
	Register(OpLogicalOr, pointwiseOp("logical_or"))
	Register(OpLogicalNot, pointwiseOp("logical_not"))
	Register(OpWhere, pointwiseOp("where"))

	Register(OpSum, plainOp("sum"))
	Register(OpAll, plainOp("all"))
	Register(OpAny, plainOp("any"))

	Register(OpArgsort, plainOp("argsort"))
	Register(OpScatter, plainOp("scatter"))
	Register(OpTakeAlongAxis, plainOp("take_along_axis"))

	Register(OpReshape, viewOp("reshape"))
	Register(OpPermute, viewOp("permute"))
	Register(OpContiguous, plainOp("contiguous"))
	Register(OpExpand, viewOp("expand"))
	Register(OpNarrow, viewOp("narrow"))
	Register(OpFlip, plainOp("flip"))
	Register(OpConcat, plainOp("concat"))
	Register(OpStack, plainOp("stack"))
	Register(OpCast, pointwiseOp("cast"))

	Register(OpCopy, OpInfo{Name: "copy", Mutating: true, MutatesArg: 1, AliasArg: 1})
	Register(OpAddAssign, OpInfo{Name: "add_assign", Mutating: true, MutatesArg: 0, AliasArg: 0})
}
