package pytree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/flexattn/flexattn/ml"
	"github.com/flexattn/flexattn/ml/backend/simple"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()
	b := simple.New()
	t.Cleanup(b.Close)
	return b.NewContext()
}

func scalar(ctx ml.Context, v float32) ml.Tensor {
	return ctx.FromFloats([]float32{v}, 1)
}

func TestFlattenOrder(t *testing.T) {
	ctx := testContext(t)

	a, b, c := scalar(ctx, 1), scalar(ctx, 2), scalar(ctx, 3)

	om := orderedmap.New[string, any]()
	om.Set("z", b)
	om.Set("a", c)

	leaves, s, err := Flatten([]any{a, om})
	require.NoError(t, err)
	require.Len(t, leaves, 3)

	// ordered maps flatten in insertion order, not key order
	assert.Equal(t, []ml.Tensor{a, b, c}, leaves)
	assert.Equal(t, "(*,{z:*,a:*})", s.String())
}

func TestFlattenPlainMapSorted(t *testing.T) {
	ctx := testContext(t)

	a, b := scalar(ctx, 1), scalar(ctx, 2)
	leaves, s, err := Flatten(map[string]any{"beta": b, "alpha": a})
	require.NoError(t, err)

	assert.Equal(t, []ml.Tensor{a, b}, leaves, "plain map leaves not in sorted key order")
	assert.Equal(t, "{alpha:*,beta:*}", s.String())
}

func TestRoundTrip(t *testing.T) {
	ctx := testContext(t)

	orig := []any{
		scalar(ctx, 1),
		[]ml.Tensor{scalar(ctx, 2), scalar(ctx, 3)},
		map[string]any{"k": scalar(ctx, 4)},
	}

	leaves, s, err := Flatten(orig)
	require.NoError(t, err)

	back, err := Unflatten(s, leaves)
	require.NoError(t, err)

	list, ok := back.([]any)
	require.True(t, ok, "unflattened to %T, want []any", back)

	if _, ok := list[1].([]ml.Tensor); !ok {
		t.Errorf("tensor list came back as %T", list[1])
	}
	if m, ok := list[2].(map[string]any); !ok || m["k"] != leaves[3] {
		t.Errorf("plain map did not round-trip: %T", list[2])
	}
}

func TestUnflattenLeafCount(t *testing.T) {
	ctx := testContext(t)

	leaves, s, err := Flatten([]ml.Tensor{scalar(ctx, 1), scalar(ctx, 2)})
	require.NoError(t, err)

	_, err = Unflatten(s, leaves[:1])
	assert.Error(t, err, "too few leaves")
	_, err = Unflatten(s, append(leaves, scalar(ctx, 3)))
	assert.Error(t, err, "leftover leaves")
}

func TestStructureEqual(t *testing.T) {
	ctx := testContext(t)
	a := scalar(ctx, 1)

	_, s1, _ := Flatten([]any{a, a})
	_, s2, _ := Flatten([]ml.Tensor{a, a})
	_, s3, _ := Flatten([]any{a, []any{a}})
	_, s4, _ := Flatten(map[string]any{"x": a})
	_, s5, _ := Flatten(map[string]any{"y": a})

	assert.True(t, s1.Equal(s2), "list flavor should not affect equality")
	assert.False(t, s1.Equal(s3), "nested list should differ from flat list")
	assert.False(t, s4.Equal(s5), "maps with different keys should differ")
	assert.Equal(t, 2, s1.NumLeaves())
	assert.Equal(t, 2, s3.NumLeaves())
}

func TestFlattenRejectsUnknown(t *testing.T) {
	_, _, err := Flatten(42)
	assert.Error(t, err, "non-pytree value")
	_, _, err = Flatten(nil)
	assert.Error(t, err, "nil")
}
