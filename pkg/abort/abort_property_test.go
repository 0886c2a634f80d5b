//go:build property
// +build property

package abort_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/murray-ux/wheel/pkg/abort"
)

// Property: for any member count, firing order and composition order,
// Any carries the reason of the member that fired first.
func TestAnyCarriesChronologicallyFirstReason(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("first firing wins regardless of order", prop.ForAll(
		func(n int, fireBefore int, rot int) bool {
			ctrls := make([]*abort.Controller, n)
			for i := range ctrls {
				ctrls[i] = abort.NewController()
			}
			// Members [0, fireBefore) fire before composition, in index order.
			pre := fireBefore % (n + 1)
			for i := 0; i < pre; i++ {
				ctrls[i].Abort(abort.NewReason(fmt.Sprint(i), ""))
			}

			members := make([]abort.Signal, n)
			for i := range ctrls {
				members[i] = ctrls[(i+rot)%n]
			}
			composite := abort.Any(members...)
			defer composite.Stop()

			for i := pre; i < n; i++ {
				ctrls[i].Abort(abort.NewReason(fmt.Sprint(i), ""))
			}
			return composite.Fired() && composite.Reason().Code == "0"
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 8),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}

// Property: a controller keeps its first reason however often it fires.
func TestControllerFirstReasonIsFinal(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("later aborts are no-ops", prop.ForAll(
		func(codes []string) bool {
			if len(codes) == 0 {
				return true
			}
			c := abort.NewController()
			for i, code := range codes {
				fired := c.Abort(abort.NewReason(code, ""))
				if fired != (i == 0) {
					return false
				}
			}
			return c.Reason().Code == codes[0]
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
