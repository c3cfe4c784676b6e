// Package util contains helper functions used across the kernel.
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Ceildiv divides a by b, rounding up.
func Ceildiv[T Int](a, b T) T {
	return (a + b - 1) / b
}

// Readn reads n bytes (little endian) from a starting at off and returns
// the value.
func Readn(a []uint8, n, off int) int {
	var ret int
	for i := 0; i < n; i++ {
		ret |= int(a[off+i]) << (8 * uint(i))
	}
	return ret
}

// Writen writes the low n bytes of val (little endian) into a starting
// at off.
func Writen(a []uint8, n, off, val int) {
	v := uint(val)
	for i := 0; i < n; i++ {
		a[off+i] = uint8(v >> (8 * uint(i)))
	}
}
