// Package validation provides helpers for contract enforcement in constructors.
package validation

import (
	"fmt"
	"reflect"
)

// AssertNotNil panics if the provided pointer is nil.
// Intended for constructors where a dependency is mandatory; a nil here is a
// wiring mistake, not a runtime condition.
//
// Usage:
//
//	validation.AssertNotNil(pool, "database pool")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

// AssertPresent panics if an interface or func dependency is nil, including
// a typed nil pointer stored in an interface.
func AssertPresent(dep any, name string) {
	if isNil(dep) {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}

func isNil(dep any) bool {
	if dep == nil {
		return true
	}
	v := reflect.ValueOf(dep)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Chan, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// AssertPositive panics if a sizing parameter is zero or negative.
func AssertPositive(n int, name string) {
	if n <= 0 {
		panic(fmt.Sprintf("critical error: %s must be positive, got %d", name, n))
	}
}
