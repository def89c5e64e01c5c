// Package utils holds small generic helpers shared across the module.
package utils

// Value dereferences v, returning the zero value for a nil pointer. Used
// when reading optional wire fields.
func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

// Ptr returns a pointer to v, for populating optional wire fields.
func Ptr[T any](v T) *T {
	return &v
}
