package flash

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// FileDevice is an mmap-backed flash partition. On the Pi the settings
// partition is a fixed-size file on the SD card; mapping it keeps reads cheap
// and lets Sync flush programmed records explicitly.
type FileDevice struct {
	f    *os.File
	mem  mmap.MMap
	size uint32
}

// OpenFile opens (or creates) the partition file at path with the given
// size. A newly created file is erased in full so it reads back as blank
// flash. size must be a multiple of EraseSize.
func OpenFile(path string, size uint32) (*FileDevice, error) {
	if size == 0 || size%EraseSize != 0 {
		return nil, fmt.Errorf("partition size %#x: %w", size, ErrNotAligned)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening partition file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat partition file: %w", err)
	}
	created := info.Size() == 0
	if info.Size() != int64(size) {
		if !created {
			f.Close()
			return nil, fmt.Errorf("partition file is %d bytes, expected %d", info.Size(), size)
		}
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("sizing partition file: %w", err)
		}
	}

	mem, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping partition file: %w", err)
	}

	d := &FileDevice{f: f, mem: mem, size: size}
	if created {
		if err := d.EraseRange(0, size); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *FileDevice) ReadAt(off uint32, p []byte) error {
	if err := checkRead(off, len(p), d.size); err != nil {
		return err
	}
	copy(p, d.mem[off:int(off)+len(p)])
	return nil
}

func (d *FileDevice) WriteAt(off uint32, p []byte) error {
	if err := checkWrite(off, len(p), d.size); err != nil {
		return err
	}
	if err := program(d.mem[off:int(off)+len(p)], p, off); err != nil {
		return err
	}
	// Flush per write: persistence records must survive an uncontrolled
	// restart, and writes are rare (state changes only).
	return d.mem.Flush()
}

func (d *FileDevice) EraseRange(from, to uint32) error {
	if err := checkErase(from, to, d.size); err != nil {
		return err
	}
	for i := from; i < to; i++ {
		d.mem[i] = Erased
	}
	return d.mem.Flush()
}

func (d *FileDevice) Capacity() uint32 {
	return d.size
}

// Sync flushes the mapping to the backing file.
func (d *FileDevice) Sync() error {
	return d.mem.Flush()
}

func (d *FileDevice) Close() error {
	if err := d.mem.Flush(); err != nil {
		d.mem.Unmap()
		d.f.Close()
		return err
	}
	if err := d.mem.Unmap(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
