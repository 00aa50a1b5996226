// Package check asserts internal invariants. Assertions panic in binaries
// built with -tags debug and compile to nothing otherwise, so they may sit
// on hot paths such as phase changes and fault injection.
package check
