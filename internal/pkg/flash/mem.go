package flash

import "errors"

var ErrInjected = errors.New("flash: injected fault")

// MemDevice is an in-memory Device used in tests. It enforces the same
// alignment and bit-clearing rules as FileDevice and supports fault
// injection for error-path tests.
type MemDevice struct {
	mem []byte

	// FailReads and FailWrites cause the next N operations of that kind to
	// return ErrInjected.
	FailReads  int
	FailWrites int
}

// NewMemDevice returns an erased in-memory device. size must be a multiple
// of EraseSize.
func NewMemDevice(size uint32) *MemDevice {
	if size == 0 || size%EraseSize != 0 {
		panic("flash: MemDevice size must be a multiple of EraseSize")
	}
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = Erased
	}
	return &MemDevice{mem: mem}
}

func (d *MemDevice) ReadAt(off uint32, p []byte) error {
	if d.FailReads > 0 {
		d.FailReads--
		return ErrInjected
	}
	if err := checkRead(off, len(p), uint32(len(d.mem))); err != nil {
		return err
	}
	copy(p, d.mem[off:int(off)+len(p)])
	return nil
}

func (d *MemDevice) WriteAt(off uint32, p []byte) error {
	if d.FailWrites > 0 {
		d.FailWrites--
		return ErrInjected
	}
	if err := checkWrite(off, len(p), uint32(len(d.mem))); err != nil {
		return err
	}
	return program(d.mem[off:int(off)+len(p)], p, off)
}

func (d *MemDevice) EraseRange(from, to uint32) error {
	if err := checkErase(from, to, uint32(len(d.mem))); err != nil {
		return err
	}
	for i := from; i < to; i++ {
		d.mem[i] = Erased
	}
	return nil
}

func (d *MemDevice) Capacity() uint32 {
	return uint32(len(d.mem))
}

// Corrupt flips bits at the given offset, simulating on-flash damage.
func (d *MemDevice) Corrupt(off uint32, mask byte) {
	d.mem[off] ^= mask
}

// Snapshot copies the raw contents, used to simulate a restart by seeding a
// fresh device with the old image.
func (d *MemDevice) Snapshot() []byte {
	out := make([]byte, len(d.mem))
	copy(out, d.mem)
	return out
}

// Restore overwrites the raw contents from a snapshot.
func (d *MemDevice) Restore(img []byte) {
	copy(d.mem, img)
}
