package simple

import (
	"fmt"

	"github.com/flexattn/flexattn/ml"
)

// Context creates tensors on its backend's device. The simple backend is
// eager, so a context carries no graph state and Close is a no-op.
type Context struct {
	b *Backend
}

func (c *Context) Device() ml.Device { return c.b.device }
func (c *Context) Close()            {}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(c.b, dtype, shape...)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(c.b, dtype, shape...)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newTensor(c.b, ml.DTypeF32, shape...)
	if len(s) != t.numel() {
		panic(fmt.Sprintf("simple: %d values for shape %v", len(s), shape))
	}
	copy(t.f32, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newTensor(c.b, ml.DTypeI32, shape...)
	if len(s) != t.numel() {
		panic(fmt.Sprintf("simple: %d values for shape %v", len(s), shape))
	}
	copy(t.i32, s)
	return t
}

func (c *Context) FromBools(s []bool, shape ...int) ml.Tensor {
	t := newTensor(c.b, ml.DTypeBool, shape...)
	if len(s) != t.numel() {
		panic(fmt.Sprintf("simple: %d values for shape %v", len(s), shape))
	}
	copy(t.bools, s)
	return t
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	if step <= 0 {
		panic(fmt.Sprintf("simple: arange step must be positive, got %v", step))
	}

	n := 0
	for v := start; v < stop; v += step {
		n++
	}

	t := newTensor(c.b, dtype, n)
	v := start
	for i := 0; i < n; i++ {
		t.setAt(i, float64(v))
		v += step
	}
	return t
}
