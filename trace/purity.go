package trace

import "github.com/pkg/errors"

// aliasRoot follows alias-propagating ops (views and mutating returns)
// back to the node whose storage the value may share.
func aliasRoot(n *Node) *Node {
	for {
		info := Info(n.op)
		if info.AliasArg < 0 || info.AliasArg >= len(n.inputs) {
			return n
		}
		n = n.inputs[info.AliasArg]
	}
}

// CheckPurity rejects programs whose body writes into a parameter or whose
// outputs may share storage with one. Captured programs are deferred and
// possibly re-executed, so writes through their inputs would be observable
// at unpredictable times.
func CheckPurity(p *Program) error {
	for _, n := range p.nodes {
		info := Info(n.op)
		if !info.Mutating {
			continue
		}
		target := aliasRoot(n.inputs[info.MutatesArg])
		if target.p == p && (target.op == OpParameter || target.op == OpCaptured) {
			return errors.Errorf("%s: %s is mutating an input", p.name, info.Name)
		}
	}

	for i, out := range p.outputs {
		root := aliasRoot(out)
		if root.p == p && (root.op == OpParameter || root.op == OpCaptured) {
			return errors.Errorf("%s: output %d might be aliasing an input", p.name, i)
		}
	}

	for _, child := range p.children {
		if err := CheckPurity(child); err != nil {
			return err
		}
	}
	return nil
}
