// Package layout validates that a type is byte-copyable with a fixed,
// pointer-free layout — the Go-native stand-in for the original's
// std::is_trivially_copyable / std::is_standard_layout static_asserts,
// which Go's generics have no way to express at compile time (documented
// as an Open Question resolution in DESIGN.md).
package layout

import "reflect"

// Flat reports whether t can be safely stored inside a raw byte region
// shared across processes: no pointers, interfaces, slices, maps,
// channels, functions, or strings (strings carry a pointer internally).
func Flat(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return Flat(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !Flat(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		// Pointer, Slice, Map, Chan, Func, Interface, String, UnsafePointer.
		return false
	}
}

// FlatOf is a convenience wrapper for a type parameter's zero value.
func FlatOf[T any]() bool {
	var zero T
	rt := reflect.TypeOf(zero)
	if rt == nil {
		// T is an interface type (or a nil pointer/slice/map/etc. masquerading
		// as one) — reflect can't see a concrete layout, so it is not flat.
		return false
	}
	return Flat(rt)
}
