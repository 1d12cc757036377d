// Package getbytes reinterprets sample slices as raw bytes and back without
// copying. The capture pipeline moves little-endian 16-bit PCM; these views
// let the pattern generator, the wav exporter, and the npy mirror work on
// typed samples while the DMA and file paths stay byte-oriented.
package getbytes

import (
	"unsafe"
)

// FromSliceInt16 converts a []int16 to []byte using unsafe.
func FromSliceInt16(d []int16) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), 2*len(d))
}

// FromSliceUint16 converts a []uint16 to []byte using unsafe.
func FromSliceUint16(d []uint16) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), 2*len(d))
}

// FromSliceUint32 converts a []uint32 to []byte using unsafe.
func FromSliceUint32(d []uint32) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), 4*len(d))
}

// ToSliceInt16 views a []byte as []int16 using unsafe. The byte slice must
// hold a whole number of samples; odd trailing bytes are dropped.
func ToSliceInt16(b []byte) []int16 {
	n := len(b) / 2
	if n == 0 {
		return []int16{}
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&b[0])), n)
}

// ToSliceUint16 views a []byte as []uint16 using unsafe, dropping any odd
// trailing byte.
func ToSliceUint16(b []byte) []uint16 {
	n := len(b) / 2
	if n == 0 {
		return []uint16{}
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), n)
}

// FromUint16 converts a uint16 to []byte using unsafe.
func FromUint16(d uint16) []byte {
	return FromSliceUint16([]uint16{d})
}

// FromUint32 converts a uint32 to []byte using unsafe.
func FromUint32(d uint32) []byte {
	return FromSliceUint32([]uint32{d})
}
