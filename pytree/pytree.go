// Package pytree flattens nested containers of tensors into leaf lists
// plus structure descriptors. Structure descriptors compare and print
// cheaply, which is what the control-flow contract checks are built on.
package pytree

import (
	"fmt"
	"sort"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/flexattn/flexattn/ml"
)

// Kind discriminates structure nodes.
type Kind int

const (
	KindLeaf Kind = iota
	KindList
	KindMap
)

// Structure describes the container shape of a pytree with leaves elided.
type Structure struct {
	kind     Kind
	children []*Structure
	keys     []string

	// tensorList records that a list node came from []ml.Tensor rather
	// than []any, so Unflatten can hand back the same concrete type.
	tensorList bool

	// plainMap records that a map node came from map[string]any.
	plainMap bool
}

var leaf = &Structure{kind: KindLeaf}

// Flatten extracts the tensor leaves of v in deterministic order along with
// a structure descriptor. Plain map keys are visited in sorted order;
// ordered maps in insertion order.
func Flatten(v any) ([]ml.Tensor, *Structure, error) {
	var leaves []ml.Tensor
	s, err := flatten(v, &leaves)
	if err != nil {
		return nil, nil, err
	}
	return leaves, s, nil
}

func flatten(v any, leaves *[]ml.Tensor) (*Structure, error) {
	switch vv := v.(type) {
	case ml.Tensor:
		*leaves = append(*leaves, vv)
		return leaf, nil

	case []ml.Tensor:
		s := &Structure{kind: KindList, tensorList: true}
		for _, t := range vv {
			*leaves = append(*leaves, t)
			s.children = append(s.children, leaf)
		}
		return s, nil

	case []any:
		s := &Structure{kind: KindList}
		for _, c := range vv {
			cs, err := flatten(c, leaves)
			if err != nil {
				return nil, err
			}
			s.children = append(s.children, cs)
		}
		return s, nil

	case *orderedmap.OrderedMap[string, any]:
		s := &Structure{kind: KindMap}
		for pair := vv.Oldest(); pair != nil; pair = pair.Next() {
			cs, err := flatten(pair.Value, leaves)
			if err != nil {
				return nil, err
			}
			s.keys = append(s.keys, pair.Key)
			s.children = append(s.children, cs)
		}
		return s, nil

	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		s := &Structure{kind: KindMap, plainMap: true}
		for _, k := range keys {
			cs, err := flatten(vv[k], leaves)
			if err != nil {
				return nil, err
			}
			s.keys = append(s.keys, k)
			s.children = append(s.children, cs)
		}
		return s, nil

	case nil:
		return nil, fmt.Errorf("pytree: nil is not a valid node")

	default:
		return nil, fmt.Errorf("pytree: unsupported node type %T", v)
	}
}

// Unflatten rebuilds a value with structure s from leaves. The number of
// leaves must match s exactly.
func Unflatten(s *Structure, leaves []ml.Tensor) (any, error) {
	v, rest, err := unflatten(s, leaves)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("pytree: %d leaves left over after unflattening %s", len(rest), s)
	}
	return v, nil
}

func unflatten(s *Structure, leaves []ml.Tensor) (any, []ml.Tensor, error) {
	switch s.kind {
	case KindLeaf:
		if len(leaves) == 0 {
			return nil, nil, fmt.Errorf("pytree: not enough leaves for structure %s", s)
		}
		return leaves[0], leaves[1:], nil

	case KindList:
		if s.tensorList {
			if len(leaves) < len(s.children) {
				return nil, nil, fmt.Errorf("pytree: not enough leaves for structure %s", s)
			}
			out := append([]ml.Tensor(nil), leaves[:len(s.children)]...)
			return out, leaves[len(s.children):], nil
		}

		out := make([]any, 0, len(s.children))
		for _, c := range s.children {
			v, rest, err := unflatten(c, leaves)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, v)
			leaves = rest
		}
		return out, leaves, nil

	case KindMap:
		if s.plainMap {
			out := make(map[string]any, len(s.children))
			for i, c := range s.children {
				v, rest, err := unflatten(c, leaves)
				if err != nil {
					return nil, nil, err
				}
				out[s.keys[i]] = v
				leaves = rest
			}
			return out, leaves, nil
		}

		out := orderedmap.New[string, any]()
		for i, c := range s.children {
			v, rest, err := unflatten(c, leaves)
			if err != nil {
				return nil, nil, err
			}
			out.Set(s.keys[i], v)
			leaves = rest
		}
		return out, leaves, nil

	default:
		return nil, nil, fmt.Errorf("pytree: invalid structure kind %d", s.kind)
	}
}

// NumLeaves returns the number of leaf slots in s.
func (s *Structure) NumLeaves() int {
	if s.kind == KindLeaf {
		return 1
	}
	n := 0
	for _, c := range s.children {
		n += c.NumLeaves()
	}
	return n
}

// Equal reports whether two structures describe the same container shape.
// List flavor ([]any vs []ml.Tensor) and map flavor are ignored: they hold
// the same leaves in the same places.
func (s *Structure) Equal(o *Structure) bool {
	if s.kind != o.kind || len(s.children) != len(o.children) {
		return false
	}
	for i := range s.keys {
		if s.keys[i] != o.keys[i] {
			return false
		}
	}
	if len(s.keys) != len(o.keys) {
		return false
	}
	for i, c := range s.children {
		if !c.Equal(o.children[i]) {
			return false
		}
	}
	return true
}

// String renders a compact spec, e.g. ((*,*),{k:*}).
func (s *Structure) String() string {
	switch s.kind {
	case KindLeaf:
		return "*"
	case KindList:
		parts := make([]string, len(s.children))
		for i, c := range s.children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, ",") + ")"
	case KindMap:
		parts := make([]string, len(s.children))
		for i, c := range s.children {
			parts[i] = s.keys[i] + ":" + c.String()
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return "?"
	}
}
