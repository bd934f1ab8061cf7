// Package errors holds the errors the allocation engine reports to its
// callers. Each kind is a private type with a constructor and an IsErrX
// predicate, so a caller can tell the outcomes apart without matching on
// message strings.
//
// The predicates look through errors wrapped with github.com/pkg/errors, so
// any layer between the engine and the caller may add context with
// errors.Wrap without hiding the kind.
package errors
