//go:build allocatordebug

package memutils

import "unsafe"

const (
	// PoisonStride is the number of bytes of poison magic value that should be
	// written across freed/reset regions.
	PoisonStride int = 4
	// poisonMagicValue is copied across freed/reset regions so that later reads
	// through a stale pointer are obviously wrong instead of silently plausible.
	poisonMagicValue uint32 = 0x46524545 // "FREE"
)

// PoisonRegion overwrites the region beginning at data+offset of the given
// length with poisonMagicValue, repeated to fill the region. Bytes that don't
// fill a whole uint32 at the tail are left untouched.
func PoisonRegion(data unsafe.Pointer, offset, length int) {
	dest := unsafe.Add(data, offset)
	words := length / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < words; i++ {
		*(*uint32)(dest) = poisonMagicValue
		dest = unsafe.Add(dest, unsafe.Sizeof(uint32(0)))
	}
}

// CheckPoison reports whether the region beginning at data+offset of the
// given length still carries the pattern written by PoisonRegion.
func CheckPoison(data unsafe.Pointer, offset, length int) bool {
	source := unsafe.Add(data, offset)
	words := length / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < words; i++ {
		if *(*uint32)(source) != poisonMagicValue {
			return false
		}
		source = unsafe.Add(source, unsafe.Sizeof(uint32(0)))
	}
	return true
}

// DebugValidate calls Validate on the provided object and panics if it
// returns an error.
func DebugValidate(validatable Validatable) {
	if err := validatable.Validate(); err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if value is not a power of two.
func DebugCheckPow2(value uint, name string) {
	if err := CheckPow2(value, name); err != nil {
		panic(err)
	}
}
