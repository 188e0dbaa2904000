//go:build !allocatordebug

package memutils

import "unsafe"

// PoisonStride is the number of bytes of poison magic value that should be
// written across freed/reset regions. Zero outside the allocatordebug build.
const PoisonStride int = 0

// CheckPoison reports whether the region beginning at data+offset of the given
// length still carries the poison pattern written by PoisonRegion. Always
// true outside the allocatordebug build.
func CheckPoison(data unsafe.Pointer, offset, length int) bool {
	return true
}

// PoisonRegion overwrites the region beginning at data+offset of the given
// length with an easy-to-identify marker, so that use of stale frame pointers
// after a reset is detectable. No-op outside the allocatordebug build.
func PoisonRegion(data unsafe.Pointer, offset, length int) {
}

// DebugValidate calls Validate on the provided object and panics if it
// returns an error. No-op outside the allocatordebug build.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 panics if value is not a power of two. No-op outside the
// allocatordebug build.
func DebugCheckPow2(value uint, name string) {
}
