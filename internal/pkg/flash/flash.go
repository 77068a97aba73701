// Package flash provides raw NOR-flash style byte storage for the settings
// partition. Erasing sets a block to 0xFF, programming may only clear bits,
// and both operations carry alignment requirements.
package flash

import (
	"errors"
	"fmt"
)

const (
	// WriteSize is the program granularity in bytes.
	WriteSize = 4
	// EraseSize is the erase block granularity in bytes.
	EraseSize = 0x1000

	// Erased is the value of every byte in an erased block.
	Erased = 0xFF
)

var (
	ErrNotAligned  = errors.New("flash: address or length not aligned")
	ErrOutOfBounds = errors.New("flash: address out of bounds")
	ErrBadWrite    = errors.New("flash: write would set an erased bit")
)

// Device is a byte-addressable NOR-flash region. Offsets are relative to the
// start of the device.
type Device interface {
	// ReadAt fills p from the device starting at off.
	ReadAt(off uint32, p []byte) error
	// WriteAt programs p at off. Both off and len(p) must be multiples of
	// WriteSize, and only 1->0 bit transitions are permitted.
	WriteAt(off uint32, p []byte) error
	// EraseRange erases [from, to). Both bounds must be multiples of
	// EraseSize.
	EraseRange(from, to uint32) error
	// Capacity is the device size in bytes.
	Capacity() uint32
}

func checkRead(off uint32, n int, capacity uint32) error {
	if uint64(off)+uint64(n) > uint64(capacity) {
		return fmt.Errorf("read of %d bytes at %#x exceeds capacity %#x: %w", n, off, capacity, ErrOutOfBounds)
	}
	return nil
}

func checkWrite(off uint32, n int, capacity uint32) error {
	if off%WriteSize != 0 || n%WriteSize != 0 {
		return fmt.Errorf("write of %d bytes at %#x: %w", n, off, ErrNotAligned)
	}
	if uint64(off)+uint64(n) > uint64(capacity) {
		return fmt.Errorf("write of %d bytes at %#x exceeds capacity %#x: %w", n, off, capacity, ErrOutOfBounds)
	}
	return nil
}

func checkErase(from, to, capacity uint32) error {
	if from%EraseSize != 0 || to%EraseSize != 0 {
		return fmt.Errorf("erase [%#x, %#x): %w", from, to, ErrNotAligned)
	}
	if from > to || uint64(to) > uint64(capacity) {
		return fmt.Errorf("erase [%#x, %#x) exceeds capacity %#x: %w", from, to, capacity, ErrOutOfBounds)
	}
	return nil
}

// program applies p to dst enforcing NOR semantics: a write may clear bits
// but never set them.
func program(dst, p []byte, off uint32) error {
	for i, b := range p {
		if dst[i]&b != b {
			return fmt.Errorf("byte at %#x is %#x, cannot program %#x: %w", off+uint32(i), dst[i], b, ErrBadWrite)
		}
	}
	copy(dst, p)
	return nil
}
