package blockmask

import "github.com/flexattn/flexattn/ml"

// MaskMod decides which positions may attend. The index tensors are I32
// and broadcast against each other: b is [B,1,1,1], h is [1,H,1,1], q is
// [1,1,Q,1] and kv is [1,1,1,KV]. The result must be Bool.
type MaskMod func(ctx ml.Context, b, h, q, kv ml.Tensor) ml.Tensor

// ScoreMod rewrites attention scores. Returning negative infinity at a
// position masks it out.
type ScoreMod func(ctx ml.Context, score, b, h, q, kv ml.Tensor) ml.Tensor

// PredicateKind discriminates the two callable forms.
type PredicateKind int

const (
	KindMask PredicateKind = iota
	KindScore
)

func (k PredicateKind) String() string {
	if k == KindScore {
		return "score"
	}
	return "mask"
}

// Predicate is a tagged attention predicate: either a four argument mask
// form or a five argument score form. The two forms are not
// interchangeable; builders check the kind and reject the wrong one.
type Predicate struct {
	kind  PredicateKind
	mask  MaskMod
	score ScoreMod
}

// Mask wraps a mask form predicate.
func Mask(m MaskMod) Predicate { return Predicate{kind: KindMask, mask: m} }

// Score wraps a score form predicate.
func Score(s ScoreMod) Predicate { return Predicate{kind: KindScore, score: s} }

func (p Predicate) Kind() PredicateKind { return p.kind }

// Mask returns the mask form callable, or nil for score predicates.
func (p Predicate) Mask() MaskMod { return p.mask }

// Noop admits every position.
func Noop(ctx ml.Context, b, h, q, kv ml.Tensor) ml.Tensor {
	return kv.GreaterOrEqual(ctx, ctx.Zeros(ml.DTypeI32, 1))
}

// Causal admits keys at or before the query position.
func Causal(ctx ml.Context, b, h, q, kv ml.Tensor) ml.Tensor {
	return q.GreaterOrEqual(ctx, kv)
}

// SlidingWindow admits the window of keys ending at the query position.
func SlidingWindow(window int) MaskMod {
	return func(ctx ml.Context, b, h, q, kv ml.Tensor) ml.Tensor {
		inWindow := q.Sub(ctx, kv).Less(ctx, ctx.FromInts([]int32{int32(window)}, 1))
		return Causal(ctx, b, h, q, kv).LogicalAnd(ctx, inWindow)
	}
}

// PrefixLM admits the first prefixLen keys bidirectionally and is causal
// beyond them.
func PrefixLM(prefixLen int) MaskMod {
	return func(ctx ml.Context, b, h, q, kv ml.Tensor) ml.Tensor {
		inPrefix := kv.Less(ctx, ctx.FromInts([]int32{int32(prefixLen)}, 1))
		return Causal(ctx, b, h, q, kv).LogicalOr(ctx, inPrefix)
	}
}

// And composes mask predicates by conjunction.
func And(mods ...MaskMod) MaskMod {
	return func(ctx ml.Context, b, h, q, kv ml.Tensor) ml.Tensor {
		out := mods[0](ctx, b, h, q, kv)
		for _, m := range mods[1:] {
			out = out.LogicalAnd(ctx, m(ctx, b, h, q, kv))
		}
		return out
	}
}

// Or composes mask predicates by disjunction.
func Or(mods ...MaskMod) MaskMod {
	return func(ctx ml.Context, b, h, q, kv ml.Tensor) ml.Tensor {
		out := mods[0](ctx, b, h, q, kv)
		for _, m := range mods[1:] {
			out = out.LogicalOr(ctx, m(ctx, b, h, q, kv))
		}
		return out
	}
}
