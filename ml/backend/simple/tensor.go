package simple

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/flexattn/flexattn/ml"
)

// Tensor is a row-major contiguous array. One of the storage slices is
// populated according to dtype; the others are nil.
type Tensor struct {
	b     *Backend
	dtype ml.DType
	shape []int

	f32   []float32
	f16   []uint16
	i32   []int32
	bools []bool
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func newTensor(b *Backend, dtype ml.DType, shape ...int) *Tensor {
	for i, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("simple: shape[%d] must be non-negative, got %d", i, d))
		}
	}

	t := &Tensor{b: b, dtype: dtype, shape: append([]int(nil), shape...)}
	n := numel(shape)
	switch dtype {
	case ml.DTypeF32:
		t.f32 = make([]float32, n)
	case ml.DTypeF16:
		t.f16 = make([]uint16, n)
	case ml.DTypeI32:
		t.i32 = make([]int32, n)
	case ml.DTypeBool:
		t.bools = make([]bool, n)
	default:
		panic(fmt.Sprintf("simple: unsupported dtype %s", dtype))
	}
	return t
}

func (t *Tensor) Dim(n int) int {
	return t.shape[normDim(n, len(t.shape))]
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) DType() ml.DType   { return t.dtype }
func (t *Tensor) Device() ml.Device { return t.b.device }
func (t *Tensor) numel() int        { return numel(t.shape) }

func (t *Tensor) Floats() []float32 {
	n := t.numel()
	out := make([]float32, n)
	switch t.dtype {
	case ml.DTypeF32:
		copy(out, t.f32)
	case ml.DTypeF16:
		for i, u := range t.f16 {
			out[i] = float16.Frombits(u).Float32()
		}
	case ml.DTypeI32:
		for i, v := range t.i32 {
			out[i] = float32(v)
		}
	case ml.DTypeBool:
		for i, v := range t.bools {
			if v {
				out[i] = 1
			}
		}
	}
	return out
}

func (t *Tensor) Ints() []int32 {
	n := t.numel()
	out := make([]int32, n)
	switch t.dtype {
	case ml.DTypeI32:
		copy(out, t.i32)
	case ml.DTypeF32:
		for i, v := range t.f32 {
			out[i] = int32(v)
		}
	case ml.DTypeF16:
		for i, u := range t.f16 {
			out[i] = int32(float16.Frombits(u).Float32())
		}
	case ml.DTypeBool:
		for i, v := range t.bools {
			if v {
				out[i] = 1
			}
		}
	}
	return out
}

func (t *Tensor) Bools() []bool {
	n := t.numel()
	out := make([]bool, n)
	switch t.dtype {
	case ml.DTypeBool:
		copy(out, t.bools)
	case ml.DTypeI32:
		for i, v := range t.i32 {
			out[i] = v != 0
		}
	case ml.DTypeF32:
		for i, v := range t.f32 {
			out[i] = v != 0
		}
	case ml.DTypeF16:
		for i, u := range t.f16 {
			out[i] = float16.Frombits(u).Float32() != 0
		}
	}
	return out
}

// at and setAt read and write single elements as float64, the common
// currency for arithmetic kernels. Bool tensors are excluded on purpose:
// logical kernels have their own accessors.
func (t *Tensor) at(i int) float64 {
	switch t.dtype {
	case ml.DTypeF32:
		return float64(t.f32[i])
	case ml.DTypeF16:
		return float64(float16.Frombits(t.f16[i]).Float32())
	case ml.DTypeI32:
		return float64(t.i32[i])
	case ml.DTypeBool:
		if t.bools[i] {
			return 1
		}
		return 0
	}
	panic("simple: unsupported dtype")
}

func (t *Tensor) setAt(i int, v float64) {
	switch t.dtype {
	case ml.DTypeF32:
		t.f32[i] = float32(v)
	case ml.DTypeF16:
		t.f16[i] = float16.Fromfloat32(float32(v)).Bits()
	case ml.DTypeI32:
		t.i32[i] = int32(v)
	case ml.DTypeBool:
		t.bools[i] = v != 0
	default:
		panic("simple: unsupported dtype")
	}
}

func normDim(dim, rank int) int {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		panic(fmt.Sprintf("simple: dim %d out of range for rank %d", dim, rank))
	}
	return dim
}

// strides returns row-major strides for shape.
func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// broadcastShape computes the NumPy-style broadcast of two shapes.
func broadcastShape(a, b []int) []int {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for i := 0; i < rank; i++ {
		da, db := 1, 1
		if i >= rank-len(a) {
			da = a[i-(rank-len(a))]
		}
		if i >= rank-len(b) {
			db = b[i-(rank-len(b))]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			panic(fmt.Sprintf("simple: cannot broadcast shapes %v and %v", a, b))
		}
	}
	return out
}

// bcastOffset maps a flat index in outShape to the flat index of the
// broadcast operand with shape inShape.
func bcastOffset(flat int, outShape, outStrides, inShape, inStrides []int) int {
	off := 0
	lead := len(outShape) - len(inShape)
	for i := len(outShape) - 1; i >= 0; i-- {
		coord := (flat / outStrides[i]) % outShape[i]
		if i >= lead {
			j := i - lead
			if inShape[j] != 1 {
				off += coord * inStrides[j]
			}
		}
	}
	return off
}

func sameDevice(a, b *Tensor) {
	if a.b.device != b.b.device {
		panic(fmt.Sprintf("simple: tensors on different devices: %s vs %s", a.b.device, b.b.device))
	}
}

func (t *Tensor) clone() *Tensor {
	out := newTensor(t.b, t.dtype, t.shape...)
	switch t.dtype {
	case ml.DTypeF32:
		copy(out.f32, t.f32)
	case ml.DTypeF16:
		copy(out.f16, t.f16)
	case ml.DTypeI32:
		copy(out.i32, t.i32)
	case ml.DTypeBool:
		copy(out.bools, t.bools)
	}
	return out
}

func asSimple(op string, t ml.Tensor) *Tensor {
	st, ok := t.(*Tensor)
	if !ok {
		panic(fmt.Sprintf("simple: %s operand is not a simple backend tensor (%T)", op, t))
	}
	return st
}
