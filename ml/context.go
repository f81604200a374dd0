package ml

// Context represents an execution context for tensor operations. Contexts
// are cheap to create and are not safe for concurrent use.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor
	FromBools(s []bool, shape ...int) Tensor

	// Arange creates a 1D tensor with values within the interval
	// [start, stop) increased by step.
	Arange(start, stop, step float32, dtype DType) Tensor

	Device() Device
	Close()
}

// Tensor represents a multi-dimensional array with various operations.
//
// All binary elementwise and comparison operations broadcast their operands
// following the usual trailing-axis rules. Operations on incompatible
// shapes, dtypes or devices panic: those are programmer errors, not runtime
// conditions.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType
	Device() Device

	Floats() []float32
	Ints() []int32
	Bools() []bool

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor
	Neg(ctx Context) Tensor
	Scale(ctx Context, s float64) Tensor
	Sin(ctx Context) Tensor
	Cos(ctx Context) Tensor

	Equal(ctx Context, t2 Tensor) Tensor
	Greater(ctx Context, t2 Tensor) Tensor
	GreaterOrEqual(ctx Context, t2 Tensor) Tensor
	Less(ctx Context, t2 Tensor) Tensor
	LessOrEqual(ctx Context, t2 Tensor) Tensor

	LogicalAnd(ctx Context, t2 Tensor) Tensor
	LogicalOr(ctx Context, t2 Tensor) Tensor
	LogicalNot(ctx Context) Tensor

	// Where selects from onTrue where the receiver (a bool tensor) is set
	// and from onFalse elsewhere.
	Where(ctx Context, onTrue, onFalse Tensor) Tensor

	Sum(ctx Context, dim int, keepDim bool) Tensor
	All(ctx Context, dim int, keepDim bool) Tensor
	Any(ctx Context, dim int, keepDim bool) Tensor

	// Argsort returns the indices that sort the tensor along dim. The sort
	// is stable when requested: equal elements keep their original relative
	// order. Downstream block index semantics rely on this.
	Argsort(ctx Context, dim int, descending, stable bool) Tensor

	// Scatter writes src values into a copy of the receiver at the
	// positions selected by index along dim, torch-style.
	Scatter(ctx Context, dim int, index, src Tensor) Tensor
	TakeAlongAxis(ctx Context, dim int, index Tensor) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, axes ...int) Tensor
	Contiguous(ctx Context) Tensor
	Expand(ctx Context, shape ...int) Tensor
	Narrow(ctx Context, dim, start, length int) Tensor
	Flip(ctx Context, dim int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Stack(ctx Context, dim int, s ...Tensor) Tensor
	Cast(ctx Context, dtype DType) Tensor

	// Copy writes the receiver's elements into t2 and returns t2. It is a
	// mutating operation.
	Copy(ctx Context, t2 Tensor) Tensor

	// AddAssign accumulates t2 into the receiver in place and returns the
	// receiver. It is a mutating operation.
	AddAssign(ctx Context, t2 Tensor) Tensor
}
