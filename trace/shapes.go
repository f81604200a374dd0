package trace

import "fmt"

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func normDim(dim, rank int) int {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		panic(fmt.Sprintf("trace: dim %d out of range for rank %d", dim, rank))
	}
	return dim
}

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
			panic(fmt.Sprintf("trace: cannot broadcast shapes %v and %v", a, b))
		}
	}
	return out
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

func reshapeOut(in, shape []int) []int {
	out := append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range out {
		if d == -1 {
			if infer != -1 {
				panic("trace: Reshape allows at most one inferred dim")
			}
			infer = i
		} else {
			known *= d
		}
	}
	if infer != -1 {
		if known == 0 || numel(in)%known != 0 {
			panic(fmt.Sprintf("trace: cannot infer Reshape dim for %v from %v", shape, in))
		}
		out[infer] = numel(in) / known
	}
	if numel(out) != numel(in) {
		panic(fmt.Sprintf("trace: cannot Reshape %v to %v", in, shape))
	}
	return out
}

func permuteOut(in, axes []int) ([]int, []int) {
	if len(axes) != len(in) {
		panic(fmt.Sprintf("trace: Permute needs %d axes, got %d", len(in), len(axes)))
	}
	norm := make([]int, len(axes))
	out := make([]int, len(axes))
	seen := make([]bool, len(axes))
	for i, a := range axes {
		a = normDim(a, len(in))
		if seen[a] {
			panic(fmt.Sprintf("trace: Permute axis %d repeated", a))
		}
		seen[a] = true
		norm[i] = a
		out[i] = in[a]
	}
	return out, norm
}

func expandCheck(in, shape []int) {
	if len(shape) < len(in) {
		panic(fmt.Sprintf("trace: Expand target rank %d below operand rank %d", len(shape), len(in)))
	}
	lead := len(shape) - len(in)
	for i, d := range in {
		if d != shape[lead+i] && d != 1 {
			panic(fmt.Sprintf("trace: cannot Expand %v to %v", in, shape))
		}
	}
}

func arangeLen(start, stop, step float32) int {
	if step <= 0 {
		panic(fmt.Sprintf("trace: arange step must be positive, got %v", step))
	}
	n := 0
	for v := start; v < stop; v += step {
		n++
	}
	return n
}
