//go:build debug

package check

import "fmt"

func Assert(cond bool, msg string) {
	if !cond {
		panic(violation(msg))
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(violation(fmt.Sprintf(format, args...)))
	}
}

func violation(msg string) string {
	return "invariant violated: " + msg
}
