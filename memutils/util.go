package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsPow2 reports whether number is a power of two. Zero is not a power of two.
func IsPow2[T Number](number T) bool {
	return number != 0 && number&(number-1) == 0
}

// NextPow2 returns the smallest power of two that is >= value. Returns 1 for
// value <= 1.
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}
	result := 1
	for result < value {
		result <<= 1
	}
	return result
}
