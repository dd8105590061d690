// Package kernel contains the primitives shared by every kernel sub-system:
// allocation-free error values and raw memory helpers.
package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. The Go allocator is not
// available while the physical memory manager boots so errors.New cannot be
// used.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
