// Package must holds assertions for invariants that indicate programmer
// error, never runtime conditions.
package must

import "fmt"

// NilErr panics when err is non-nil. Reserve it for operations
// documented never to fail with valid inputs.
func NilErr(err error) {
	if nil != err {
		panic(fmt.Sprintf("unexpected error: %v", err))
	}
}
