//go:build debug

// Package check holds invariant assertions that cost nothing in
// release builds. Constructors assert on their required collaborators
// so a miswired gateway fails loudly under `-tags debug` instead of
// panicking later inside a poll cycle.
package check

import "fmt"

// Assert panics if cond is false. Only active in debug builds.
func Assert(cond bool, msg string) {
	if !cond {
		panic("invariant violated: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("invariant violated: " + fmt.Sprintf(format, args...))
	}
}
