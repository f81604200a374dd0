package simple

import (
	"fmt"
	"math"
	"sort"

	"github.com/x448/float16"

	"github.com/flexattn/flexattn/ml"
)

func promote(a, b ml.DType) ml.DType {
	if a == ml.DTypeF32 || b == ml.DTypeF32 || a == ml.DTypeF16 || b == ml.DTypeF16 {
		return ml.DTypeF32
	}
	return ml.DTypeI32
}

func requireNumeric(op string, ts ...*Tensor) {
	for _, t := range ts {
		if t.dtype == ml.DTypeBool {
			panic(fmt.Sprintf("simple: %s requires a numeric tensor, got Bool", op))
		}
	}
}

func requireBool(op string, ts ...*Tensor) {
	for _, t := range ts {
		if t.dtype != ml.DTypeBool {
			panic(fmt.Sprintf("simple: %s requires a Bool tensor, got %s", op, t.dtype))
		}
	}
}

func (t *Tensor) binaryOp(op string, t2 ml.Tensor, out ml.DType, fn func(a, b float64) float64) *Tensor {
	rhs := asSimple(op, t2)
	sameDevice(t, rhs)

	outShape := broadcastShape(t.shape, rhs.shape)
	res := newTensor(t.b, out, outShape...)

	outStrides := strides(outShape)
	aStrides := strides(t.shape)
	bStrides := strides(rhs.shape)

	parallelFor(res.numel(), func(start, end int) {
		for i := start; i < end; i++ {
			ai := bcastOffset(i, outShape, outStrides, t.shape, aStrides)
			bi := bcastOffset(i, outShape, outStrides, rhs.shape, bStrides)
			res.setAt(i, fn(t.at(ai), rhs.at(bi)))
		}
	})
	return res
}

func (t *Tensor) unaryOp(out ml.DType, fn func(a float64) float64) *Tensor {
	res := newTensor(t.b, out, t.shape...)
	parallelFor(t.numel(), func(start, end int) {
		for i := start; i < end; i++ {
			res.setAt(i, fn(t.at(i)))
		}
	})
	return res
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	requireNumeric("Add", t, asSimple("Add", t2))
	return t.binaryOp("Add", t2, promote(t.dtype, t2.DType()), func(a, b float64) float64 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	requireNumeric("Sub", t, asSimple("Sub", t2))
	return t.binaryOp("Sub", t2, promote(t.dtype, t2.DType()), func(a, b float64) float64 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	requireNumeric("Mul", t, asSimple("Mul", t2))
	return t.binaryOp("Mul", t2, promote(t.dtype, t2.DType()), func(a, b float64) float64 { return a * b })
}

func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	requireNumeric("Div", t, asSimple("Div", t2))
	out := promote(t.dtype, t2.DType())
	return t.binaryOp("Div", t2, out, func(a, b float64) float64 {
		if out == ml.DTypeI32 {
			return math.Trunc(a / b)
		}
		return a / b
	})
}

func (t *Tensor) Neg(ctx ml.Context) ml.Tensor {
	requireNumeric("Neg", t)
	return t.unaryOp(t.dtype, func(a float64) float64 { return -a })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	requireNumeric("Scale", t)
	return t.unaryOp(t.dtype, func(a float64) float64 { return a * s })
}

func (t *Tensor) Sin(ctx ml.Context) ml.Tensor {
	requireNumeric("Sin", t)
	return t.unaryOp(ml.DTypeF32, math.Sin)
}

func (t *Tensor) Cos(ctx ml.Context) ml.Tensor {
	requireNumeric("Cos", t)
	return t.unaryOp(ml.DTypeF32, math.Cos)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (t *Tensor) Equal(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp("Equal", t2, ml.DTypeBool, func(a, b float64) float64 { return boolToFloat(a == b) })
}

func (t *Tensor) Greater(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp("Greater", t2, ml.DTypeBool, func(a, b float64) float64 { return boolToFloat(a > b) })
}

func (t *Tensor) GreaterOrEqual(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp("GreaterOrEqual", t2, ml.DTypeBool, func(a, b float64) float64 { return boolToFloat(a >= b) })
}

func (t *Tensor) Less(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp("Less", t2, ml.DTypeBool, func(a, b float64) float64 { return boolToFloat(a < b) })
}

func (t *Tensor) LessOrEqual(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp("LessOrEqual", t2, ml.DTypeBool, func(a, b float64) float64 { return boolToFloat(a <= b) })
}

func (t *Tensor) LogicalAnd(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	requireBool("LogicalAnd", t, asSimple("LogicalAnd", t2))
	return t.binaryOp("LogicalAnd", t2, ml.DTypeBool, func(a, b float64) float64 { return boolToFloat(a != 0 && b != 0) })
}

func (t *Tensor) LogicalOr(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	requireBool("LogicalOr", t, asSimple("LogicalOr", t2))
	return t.binaryOp("LogicalOr", t2, ml.DTypeBool, func(a, b float64) float64 { return boolToFloat(a != 0 || b != 0) })
}

func (t *Tensor) LogicalNot(ctx ml.Context) ml.Tensor {
	requireBool("LogicalNot", t)
	return t.unaryOp(ml.DTypeBool, func(a float64) float64 { return boolToFloat(a == 0) })
}

func (t *Tensor) Where(ctx ml.Context, onTrue, onFalse ml.Tensor) ml.Tensor {
	requireBool("Where", t)
	x, y := asSimple("Where", onTrue), asSimple("Where", onFalse)
	sameDevice(t, x)
	sameDevice(t, y)
	if x.dtype != y.dtype {
		panic(fmt.Sprintf("simple: Where branches have different dtypes: %s vs %s", x.dtype, y.dtype))
	}

	outShape := broadcastShape(broadcastShape(t.shape, x.shape), y.shape)
	res := newTensor(t.b, x.dtype, outShape...)

	outStrides := strides(outShape)
	cStrides := strides(t.shape)
	xStrides := strides(x.shape)
	yStrides := strides(y.shape)

	parallelFor(res.numel(), func(start, end int) {
		for i := start; i < end; i++ {
			ci := bcastOffset(i, outShape, outStrides, t.shape, cStrides)
			if t.bools[ci] {
				res.setAt(i, x.at(bcastOffset(i, outShape, outStrides, x.shape, xStrides)))
			} else {
				res.setAt(i, y.at(bcastOffset(i, outShape, outStrides, y.shape, yStrides)))
			}
		}
	})
	return res
}

// lanes calls fn once per lane along dim, passing the flat offset of the
// lane's first element. Lane elements are base + k*stride(dim).
func lanes(shape []int, dim int, fn func(base int)) {
	st := strides(shape)

	reduced := make([]int, 0, len(shape)-1)
	reducedStrides := make([]int, 0, len(shape)-1)
	for i := range shape {
		if i != dim {
			reduced = append(reduced, shape[i])
			reducedStrides = append(reducedStrides, st[i])
		}
	}

	total := numel(reduced)
	for i := 0; i < total; i++ {
		base, rem := 0, i
		for j := len(reduced) - 1; j >= 0; j-- {
			base += (rem % reduced[j]) * reducedStrides[j]
			rem /= reduced[j]
		}
		fn(base)
	}
}

func reducedShape(shape []int, dim int, keepDim bool) []int {
	out := make([]int, 0, len(shape))
	for i, d := range shape {
		if i == dim {
			if keepDim {
				out = append(out, 1)
			}
			continue
		}
		out = append(out, d)
	}
	return out
}

func (t *Tensor) Sum(ctx ml.Context, dim int, keepDim bool) ml.Tensor {
	d := normDim(dim, len(t.shape))
	out := t.dtype
	if out == ml.DTypeBool {
		out = ml.DTypeI32
	}
	res := newTensor(t.b, out, reducedShape(t.shape, d, keepDim)...)

	stride := strides(t.shape)[d]
	n := t.shape[d]
	i := 0
	lanes(t.shape, d, func(base int) {
		acc := 0.0
		for k := 0; k < n; k++ {
			acc += t.at(base + k*stride)
		}
		res.setAt(i, acc)
		i++
	})
	return res
}

func (t *Tensor) All(ctx ml.Context, dim int, keepDim bool) ml.Tensor {
	requireBool("All", t)
	d := normDim(dim, len(t.shape))
	res := newTensor(t.b, ml.DTypeBool, reducedShape(t.shape, d, keepDim)...)

	stride := strides(t.shape)[d]
	n := t.shape[d]
	i := 0
	lanes(t.shape, d, func(base int) {
		all := true
		for k := 0; k < n && all; k++ {
			all = t.bools[base+k*stride]
		}
		res.bools[i] = all
		i++
	})
	return res
}

func (t *Tensor) Any(ctx ml.Context, dim int, keepDim bool) ml.Tensor {
	requireBool("Any", t)
	d := normDim(dim, len(t.shape))
	res := newTensor(t.b, ml.DTypeBool, reducedShape(t.shape, d, keepDim)...)

	stride := strides(t.shape)[d]
	n := t.shape[d]
	i := 0
	lanes(t.shape, d, func(base int) {
		any := false
		for k := 0; k < n && !any; k++ {
			any = t.bools[base+k*stride]
		}
		res.bools[i] = any
		i++
	})
	return res
}

func (t *Tensor) Argsort(ctx ml.Context, dim int, descending, stable bool) ml.Tensor {
	d := normDim(dim, len(t.shape))
	res := newTensor(t.b, ml.DTypeI32, t.shape...)

	stride := strides(t.shape)[d]
	n := t.shape[d]
	lanes(t.shape, d, func(base int) {
		vals := make([]float64, n)
		idx := make([]int, n)
		for k := 0; k < n; k++ {
			vals[k] = t.at(base + k*stride)
			idx[k] = k
		}

		less := func(i, j int) bool {
			if descending {
				return vals[idx[i]] > vals[idx[j]]
			}
			return vals[idx[i]] < vals[idx[j]]
		}
		if stable {
			sort.SliceStable(idx, less)
		} else {
			sort.Slice(idx, less)
		}

		for k := 0; k < n; k++ {
			res.i32[base+k*stride] = int32(idx[k])
		}
	})
	return res
}

func (t *Tensor) Scatter(ctx ml.Context, dim int, index, src ml.Tensor) ml.Tensor {
	idx, s := asSimple("Scatter", index), asSimple("Scatter", src)
	sameDevice(t, idx)
	sameDevice(t, s)
	d := normDim(dim, len(t.shape))

	if len(idx.shape) != len(t.shape) {
		panic(fmt.Sprintf("simple: Scatter index rank %d does not match operand rank %d", len(idx.shape), len(t.shape)))
	}
	if numel(idx.shape) != numel(s.shape) {
		panic(fmt.Sprintf("simple: Scatter index shape %v does not match src shape %v", idx.shape, s.shape))
	}
	if idx.dtype != ml.DTypeI32 {
		panic(fmt.Sprintf("simple: Scatter index must be I32, got %s", idx.dtype))
	}

	res := t.clone()
	tStrides := strides(t.shape)
	iStrides := strides(idx.shape)

	for i := 0; i < idx.numel(); i++ {
		off := 0
		for j := range idx.shape {
			coord := (i / iStrides[j]) % idx.shape[j]
			if j == d {
				coord = int(idx.i32[i])
				if coord < 0 || coord >= t.shape[d] {
					panic(fmt.Sprintf("simple: Scatter index %d out of range for dim of size %d", coord, t.shape[d]))
				}
			} else if coord >= t.shape[j] {
				panic(fmt.Sprintf("simple: Scatter index shape %v exceeds operand shape %v", idx.shape, t.shape))
			}
			off += coord * tStrides[j]
		}
		res.setAt(off, s.at(i))
	}
	return res
}

func (t *Tensor) TakeAlongAxis(ctx ml.Context, dim int, index ml.Tensor) ml.Tensor {
	idx := asSimple("TakeAlongAxis", index)
	sameDevice(t, idx)
	d := normDim(dim, len(t.shape))

	if len(idx.shape) != len(t.shape) {
		panic(fmt.Sprintf("simple: TakeAlongAxis index rank %d does not match operand rank %d", len(idx.shape), len(t.shape)))
	}
	if idx.dtype != ml.DTypeI32 {
		panic(fmt.Sprintf("simple: TakeAlongAxis index must be I32, got %s", idx.dtype))
	}

	res := newTensor(t.b, t.dtype, idx.shape...)
	tStrides := strides(t.shape)
	iStrides := strides(idx.shape)

	for i := 0; i < idx.numel(); i++ {
		off := 0
		for j := range idx.shape {
			coord := (i / iStrides[j]) % idx.shape[j]
			if j == d {
				coord = int(idx.i32[i])
				if coord < 0 || coord >= t.shape[d] {
					panic(fmt.Sprintf("simple: TakeAlongAxis index %d out of range for dim of size %d", coord, t.shape[d]))
				}
			}
			off += coord * tStrides[j]
		}
		res.setAt(i, t.at(off))
	}
	return res
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	out := append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range out {
		if d == -1 {
			if infer != -1 {
				panic("simple: Reshape allows at most one inferred dim")
			}
			infer = i
		} else {
			known *= d
		}
	}
	if infer != -1 {
		if known == 0 || t.numel()%known != 0 {
			panic(fmt.Sprintf("simple: cannot infer Reshape dim for %v from %v", shape, t.shape))
		}
		out[infer] = t.numel() / known
	}
	if numel(out) != t.numel() {
		panic(fmt.Sprintf("simple: cannot Reshape %v to %v", t.shape, shape))
	}

	res := t.clone()
	res.shape = out
	return res
}

func (t *Tensor) Permute(ctx ml.Context, axes ...int) ml.Tensor {
	if len(axes) != len(t.shape) {
		panic(fmt.Sprintf("simple: Permute needs %d axes, got %d", len(t.shape), len(axes)))
	}

	outShape := make([]int, len(axes))
	seen := make([]bool, len(axes))
	for i, a := range axes {
		a = normDim(a, len(t.shape))
		if seen[a] {
			panic(fmt.Sprintf("simple: Permute axis %d repeated", a))
		}
		seen[a] = true
		outShape[i] = t.shape[a]
	}

	res := newTensor(t.b, t.dtype, outShape...)
	outStrides := strides(outShape)
	inStrides := strides(t.shape)

	parallelFor(res.numel(), func(start, end int) {
		for i := start; i < end; i++ {
			off := 0
			for j := range outShape {
				coord := (i / outStrides[j]) % outShape[j]
				off += coord * inStrides[normDim(axes[j], len(t.shape))]
			}
			res.setAt(i, t.at(off))
		}
	})
	return res
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	// storage is always contiguous here, return a value copy
	return t.clone()
}

func (t *Tensor) Expand(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) < len(t.shape) {
		panic(fmt.Sprintf("simple: Expand target rank %d below operand rank %d", len(shape), len(t.shape)))
	}
	lead := len(shape) - len(t.shape)
	for i, d := range t.shape {
		if d != shape[lead+i] && d != 1 {
			panic(fmt.Sprintf("simple: cannot Expand %v to %v", t.shape, shape))
		}
	}

	res := newTensor(t.b, t.dtype, shape...)
	outStrides := strides(shape)
	inStrides := strides(t.shape)

	parallelFor(res.numel(), func(start, end int) {
		for i := start; i < end; i++ {
			res.setAt(i, t.at(bcastOffset(i, shape, outStrides, t.shape, inStrides)))
		}
	})
	return res
}

func (t *Tensor) Narrow(ctx ml.Context, dim, start, length int) ml.Tensor {
	d := normDim(dim, len(t.shape))
	if start < 0 || length < 0 || start+length > t.shape[d] {
		panic(fmt.Sprintf("simple: Narrow [%d, %d) out of range for dim of size %d", start, start+length, t.shape[d]))
	}

	outShape := append([]int(nil), t.shape...)
	outShape[d] = length
	res := newTensor(t.b, t.dtype, outShape...)

	outStrides := strides(outShape)
	inStrides := strides(t.shape)
	for i := 0; i < res.numel(); i++ {
		off := 0
		for j := range outShape {
			coord := (i / outStrides[j]) % outShape[j]
			if j == d {
				coord += start
			}
			off += coord * inStrides[j]
		}
		res.setAt(i, t.at(off))
	}
	return res
}

func (t *Tensor) Flip(ctx ml.Context, dim int) ml.Tensor {
	d := normDim(dim, len(t.shape))
	res := newTensor(t.b, t.dtype, t.shape...)

	outStrides := strides(t.shape)
	for i := 0; i < res.numel(); i++ {
		off := 0
		for j := range t.shape {
			coord := (i / outStrides[j]) % t.shape[j]
			if j == d {
				coord = t.shape[j] - 1 - coord
			}
			off += coord * outStrides[j]
		}
		res.setAt(i, t.at(off))
	}
	return res
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	rhs := asSimple("Concat", t2)
	sameDevice(t, rhs)
	d := normDim(dim, len(t.shape))

	if len(t.shape) != len(rhs.shape) || t.dtype != rhs.dtype {
		panic(fmt.Sprintf("simple: Concat operands disagree: %v/%s vs %v/%s", t.shape, t.dtype, rhs.shape, rhs.dtype))
	}
	for i := range t.shape {
		if i != d && t.shape[i] != rhs.shape[i] {
			panic(fmt.Sprintf("simple: Concat shapes %v and %v differ outside dim %d", t.shape, rhs.shape, d))
		}
	}

	outShape := append([]int(nil), t.shape...)
	outShape[d] += rhs.shape[d]
	res := newTensor(t.b, t.dtype, outShape...)

	outStrides := strides(outShape)
	aStrides := strides(t.shape)
	bStrides := strides(rhs.shape)
	for i := 0; i < res.numel(); i++ {
		off, src := 0, t
		srcStrides := aStrides
		for j := range outShape {
			coord := (i / outStrides[j]) % outShape[j]
			if j == d && coord >= t.shape[d] {
				coord -= t.shape[d]
				src, srcStrides = rhs, bStrides
			}
			off += coord * srcStrides[j]
		}
		res.setAt(i, src.at(off))
	}
	return res
}

func (t *Tensor) Stack(ctx ml.Context, dim int, s ...ml.Tensor) ml.Tensor {
	all := make([]*Tensor, 0, len(s)+1)
	all = append(all, t)
	for _, o := range s {
		ot := asSimple("Stack", o)
		sameDevice(t, ot)
		if ot.dtype != t.dtype || numel(ot.shape) != t.numel() || len(ot.shape) != len(t.shape) {
			panic("simple: Stack operands must share shape and dtype")
		}
		all = append(all, ot)
	}

	if dim < 0 {
		dim += len(t.shape) + 1
	}
	if dim < 0 || dim > len(t.shape) {
		panic(fmt.Sprintf("simple: Stack dim %d out of range for rank %d", dim, len(t.shape)))
	}

	outShape := make([]int, 0, len(t.shape)+1)
	outShape = append(outShape, t.shape[:dim]...)
	outShape = append(outShape, len(all))
	outShape = append(outShape, t.shape[dim:]...)
	res := newTensor(t.b, t.dtype, outShape...)

	inner := numel(t.shape[dim:])
	outer := t.numel() / inner
	for k, src := range all {
		for o := 0; o < outer; o++ {
			for i := 0; i < inner; i++ {
				res.setAt((o*len(all)+k)*inner+i, src.at(o*inner+i))
			}
		}
	}
	return res
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	res := newTensor(t.b, dtype, t.shape...)
	switch {
	case t.dtype == dtype:
		return t.clone()
	case dtype == ml.DTypeF16:
		for i := 0; i < t.numel(); i++ {
			res.f16[i] = float16.Fromfloat32(float32(t.at(i))).Bits()
		}
	default:
		for i := 0; i < t.numel(); i++ {
			res.setAt(i, t.at(i))
		}
	}
	return res
}

func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	dst := asSimple("Copy", t2)
	sameDevice(t, dst)
	if dst.numel() != t.numel() {
		panic(fmt.Sprintf("simple: Copy size mismatch: %v vs %v", t.shape, dst.shape))
	}

	for i := 0; i < t.numel(); i++ {
		dst.setAt(i, t.at(i))
	}
	return dst
}

func (t *Tensor) AddAssign(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	requireNumeric("AddAssign", t)
	rhs := asSimple("AddAssign", t2)
	sameDevice(t, rhs)

	outStrides := strides(t.shape)
	rStrides := strides(rhs.shape)
	for i := 0; i < t.numel(); i++ {
		ri := bcastOffset(i, t.shape, outStrides, rhs.shape, rStrides)
		t.setAt(i, t.at(i)+rhs.at(ri))
	}
	return t
}
