package ml_test

import (
	"strings"
	"testing"

	"github.com/flexattn/flexattn/ml"
	"github.com/flexattn/flexattn/ml/backend/simple"
)

func TestDump(t *testing.T) {
	b := simple.New()
	defer b.Close()
	ctx := b.NewContext()

	f := ctx.FromFloats([]float32{1.5, -2, 3, 4}, 2, 2)
	out := ml.Dump(f, ml.DumpWithPrecision(1))
	if !strings.Contains(out, "1.5") || !strings.Contains(out, "-2.0") {
		t.Errorf("float dump = %q", out)
	}

	i := ctx.FromInts([]int32{1, 2, 3}, 3)
	if got := ml.Dump(i); !strings.Contains(got, "1,  2,  3") && !strings.Contains(got, "1, 2, 3") {
		t.Errorf("int dump = %q", got)
	}

	mask := ctx.FromBools([]bool{true, false}, 2)
	if got := ml.Dump(mask); !strings.Contains(got, "1") || !strings.Contains(got, "0") {
		t.Errorf("bool dump = %q", got)
	}
}

func TestDumpEdgeItems(t *testing.T) {
	b := simple.New()
	defer b.Close()
	ctx := b.NewContext()

	big := ctx.Arange(0, 64, 1, ml.DTypeF32).Reshape(ctx, 8, 8)
	out := ml.Dump(big, ml.DumpWithThreshold(10), ml.DumpWithEdgeItems(2))
	if !strings.Contains(out, "...") {
		t.Errorf("expected elision in %q", out)
	}
}
