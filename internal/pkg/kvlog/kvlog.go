// Package kvlog implements an append-then-compact key-value map over a raw
// flash byte range. Updates are new records appended at the head of the log;
// a lookup takes the last record for a key. When the range fills up, or a
// torn record from an interrupted write is found at the tail, the live
// records are rewritten into a freshly erased range.
package kvlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/flash"
)

// Record layout: [key:4][len:2][value][crc32:4], padded to the flash write
// granularity with erased bytes. The CRC covers key, length and value. A key
// of 0xFFFFFFFF is indistinguishable from erased flash and is reserved.
const (
	headerLen = 6
	crcLen    = 4

	freeKey   = 0xFFFFFFFF
	erasedLen = 0xFFFF
	maxValLen = 0xFFF0
)

var (
	ErrCorrupt       = errors.New("kvlog: corrupt record")
	ErrFull          = errors.New("kvlog: range is full")
	ErrValueTooLarge = errors.New("kvlog: value too large")
	ErrReservedKey   = errors.New("kvlog: key 0xFFFFFFFF is reserved")
)

// Map is a log-structured (uint32 key -> bytes) map over [start, end) of a
// flash device. It is not safe for concurrent use; the settings store
// serializes access.
type Map struct {
	dev   flash.Device
	start uint32
	end   uint32
}

// New validates the range and returns a map over it. The bounds must be
// erase-block aligned and inside the device.
func New(dev flash.Device, start, end uint32) (*Map, error) {
	if start%flash.EraseSize != 0 || end%flash.EraseSize != 0 {
		return nil, fmt.Errorf("range [%#x, %#x): %w", start, end, flash.ErrNotAligned)
	}
	if start >= end || end > dev.Capacity() {
		return nil, fmt.Errorf("range [%#x, %#x) outside device capacity %#x: %w", start, end, dev.Capacity(), flash.ErrOutOfBounds)
	}
	return &Map{dev: dev, start: start, end: end}, nil
}

// Fetch returns the most recent value for key, copied into buf. found is
// false if no record for the key exists. A torn record at the log tail is
// ignored; corruption anywhere else returns ErrCorrupt.
func (m *Map) Fetch(key uint32, buf []byte) (val []byte, found bool, err error) {
	if key == freeKey {
		return nil, false, ErrReservedKey
	}
	img, err := m.readAll()
	if err != nil {
		return nil, false, err
	}
	var out []byte
	_, _, err = scan(img, func(k uint32, v []byte) error {
		if k != key {
			return nil
		}
		if len(v) > len(buf) {
			return fmt.Errorf("record of %d bytes exceeds %d byte buffer: %w", len(v), len(buf), ErrValueTooLarge)
		}
		out = buf[:len(v)]
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, nil
	}
	return out, true, nil
}

// Store appends a record for key, superseding any previous value. It
// compacts the range first when the tail is full or torn.
func (m *Map) Store(key uint32, value []byte) error {
	if key == freeKey {
		return ErrReservedKey
	}
	if len(value) > maxValLen {
		return fmt.Errorf("value of %d bytes: %w", len(value), ErrValueTooLarge)
	}

	img, err := m.readAll()
	if err != nil {
		return err
	}
	live := make(map[uint32][]byte)
	head, torn, err := scan(img, func(k uint32, v []byte) error {
		cp := make([]byte, len(v))
		copy(cp, v)
		live[k] = cp
		return nil
	})
	if err != nil {
		return err
	}

	rec := encode(key, value)
	if !torn && head+uint32(len(rec)) <= m.end-m.start {
		return m.write(m.start+head, rec)
	}

	// Out of room or torn tail: rewrite the live set.
	live[key] = value
	return m.compact(live)
}

// Erase wipes the whole range.
func (m *Map) Erase() error {
	if err := m.dev.EraseRange(m.start, m.end); err != nil {
		return fmt.Errorf("erasing range: %w", err)
	}
	return nil
}

func (m *Map) compact(live map[uint32][]byte) error {
	keys := make([]uint32, 0, len(live))
	for k := range live {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var total uint32
	for _, k := range keys {
		total += recordSize(len(live[k]))
	}
	if total > m.end-m.start {
		return fmt.Errorf("%d bytes of live records exceed %d byte range: %w", total, m.end-m.start, ErrFull)
	}

	if err := m.Erase(); err != nil {
		return err
	}
	off := m.start
	for _, k := range keys {
		rec := encode(k, live[k])
		if err := m.write(off, rec); err != nil {
			return err
		}
		off += uint32(len(rec))
	}
	return nil
}

func (m *Map) write(off uint32, rec []byte) error {
	if err := m.dev.WriteAt(off, rec); err != nil {
		return fmt.Errorf("writing record at %#x: %w", off, err)
	}
	return nil
}

func (m *Map) readAll() ([]byte, error) {
	img := make([]byte, m.end-m.start)
	if err := m.dev.ReadAt(m.start, img); err != nil {
		return nil, fmt.Errorf("reading range: %w", err)
	}
	return img, nil
}

// scan walks every complete record in img, calling visit in log order. It
// returns the offset of the free head and whether a torn record sits at the
// tail (interrupted write: header or CRC incomplete, with only erased bytes
// after it).
func scan(img []byte, visit func(key uint32, val []byte) error) (head uint32, torn bool, err error) {
	size := uint32(len(img))
	var off uint32
	for off+headerLen <= size {
		key := binary.BigEndian.Uint32(img[off:])
		if key == freeKey {
			return off, false, nil
		}
		l := binary.BigEndian.Uint16(img[off+4:])
		if l == erasedLen {
			// Key programmed but length still erased.
			return off, true, nil
		}
		total := recordSize(int(l))
		if off+total > size {
			return off, true, nil
		}
		body := img[off : off+headerLen+uint32(l)]
		stored := binary.BigEndian.Uint32(img[off+headerLen+uint32(l):])
		if crc32.ChecksumIEEE(body) != stored {
			if allErased(img[off+total:]) {
				return off, true, nil
			}
			return 0, false, fmt.Errorf("record at %#x failed checksum: %w", off, ErrCorrupt)
		}
		if err := visit(key, body[headerLen:]); err != nil {
			return 0, false, err
		}
		off += total
	}
	return off, false, nil
}

func allErased(p []byte) bool {
	for _, b := range p {
		if b != flash.Erased {
			return false
		}
	}
	return true
}

func recordSize(valLen int) uint32 {
	n := headerLen + valLen + crcLen
	if rem := n % flash.WriteSize; rem != 0 {
		n += flash.WriteSize - rem
	}
	return uint32(n)
}

func encode(key uint32, value []byte) []byte {
	rec := make([]byte, recordSize(len(value)))
	for i := range rec {
		rec[i] = flash.Erased
	}
	binary.BigEndian.PutUint32(rec, key)
	binary.BigEndian.PutUint16(rec[4:], uint16(len(value)))
	copy(rec[headerLen:], value)
	crc := crc32.ChecksumIEEE(rec[:headerLen+len(value)])
	binary.BigEndian.PutUint32(rec[headerLen+len(value):], crc)
	return rec
}
