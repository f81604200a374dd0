// Package simple is a pure Go reference backend for the ml tensor
// interfaces. It favors clarity over throughput: storage is always
// row-major contiguous and every operation materializes its result.
package simple

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/flexattn/flexattn/ml"
)

func init() {
	ml.RegisterBackend("simple", func() (ml.Backend, error) {
		return New(), nil
	})
}

// Backend hosts tensors on a single CPU device.
type Backend struct {
	device ml.Device
}

func New() *Backend {
	return &Backend{device: ml.DeviceCPU}
}

func (b *Backend) Name() string      { return "simple" }
func (b *Backend) Device() ml.Device { return b.device }
func (b *Backend) Close()            {}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

// parallelThreshold is the element count above which elementwise kernels
// fan out across goroutines.
const parallelThreshold = 1 << 12

// parallelFor splits [0, n) into contiguous chunks, one per worker.
func parallelFor(n int, fn func(start, end int)) {
	if n < parallelThreshold {
		fn(0, n)
		return
	}

	workers := runtime.GOMAXPROCS(0)
	chunk := (n + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < n; start += chunk {
		start, end := start, min(start+chunk, n)
		g.Go(func() error {
			fn(start, end)
			return nil
		})
	}

	// workers never return errors, Wait only joins them
	_ = g.Wait()
}
