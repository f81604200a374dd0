package flow

import (
	"github.com/pkg/errors"

	"github.com/flexattn/flexattn/pytree"
	"github.com/flexattn/flexattn/trace"
)

// checkContract verifies that two sides of an operator agree structurally:
// same number of leaves, same pytree structure, equal dtypes per leaf and
// oracle-compatible shapes per leaf. aName and bName identify the sides in
// error messages, e.g. "true branch" and "false branch".
func checkContract(op, aName, bName string, aSt, bSt *pytree.Structure, a, b []trace.ArgSpec) error {
	if len(a) != len(b) {
		return errors.Errorf("%s: %s and %s returned different numbers of leaves: %d vs %d",
			op, aName, bName, len(a), len(b))
	}
	if aSt != nil && bSt != nil && !aSt.Equal(bSt) {
		return errors.Errorf("%s: %s has pytree structure %s but %s has %s",
			op, aName, aSt, bName, bSt)
	}
	for i := range a {
		if a[i].DType != b[i].DType {
			return errors.Errorf("%s: leaf %d of %s has dtype %s but %s has %s",
				op, i, aName, a[i].DType, bName, b[i].DType)
		}
		if !oracle.Compatible(a[i].Shape, b[i].Shape) {
			return errors.Errorf("%s: leaf %d shapes %v (%s) and %v (%s) are not compatible",
				op, i, a[i].Shape, aName, b[i].Shape, bName)
		}
	}
	return nil
}
