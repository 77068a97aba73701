// Package settings is the flash-backed key-value settings store. String keys
// are hashed to 32-bit record keys; a reserved record at key 0 holds a format
// marker distinguishing a provisioned partition from a blank or foreign one.
package settings

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/flash"
	"github.com/andrewmarklloyd/pi-alarm/internal/pkg/kvlog"
)

// FormatMarker is the value of the reserved record at key 0. A partition
// without it has never been provisioned; a partition with a different value
// was written by an incompatible layout.
const FormatMarker = "settings-0.0"

var (
	ErrNotReady    = errors.New("settings: store is not initialized")
	ErrNotFound    = errors.New("settings: not found")
	ErrCorrupt     = errors.New("settings: corrupt or invalid data")
	ErrInvalidUTF8 = errors.New("settings: value is not valid UTF-8")
	ErrBufferFull  = errors.New("settings: encoded value exceeds buffer")
	ErrCollision   = errors.New("settings: key hash collision")
)

// active enforces the single-instance contract: the flash partition has
// exactly one owner for the process lifetime. Close releases it.
var active atomic.Bool

// Uninitialized is a constructed store whose partition content has not been
// validated yet. Open or Reset turns it into a usable Store.
type Uninitialized struct {
	inner *Store
}

// New constructs an uninitialized store over [start, end) of dev with an
// intermediate data buffer of bufLen bytes bounding the largest value.
// It panics if another store instance is live; that is a wiring bug, not a
// runtime condition.
func New(dev flash.Device, start, end uint32, bufLen int, logger *zap.SugaredLogger) (*Uninitialized, error) {
	if !active.CompareAndSwap(false, true) {
		panic("settings: a store instance already exists")
	}
	m, err := kvlog.New(dev, start, end)
	if err != nil {
		active.Store(false)
		return nil, err
	}
	logger.Debugf("settings store over [%#x, %#x), buffer %d bytes", start, end, bufLen)
	return &Uninitialized{inner: &Store{
		m:      m,
		buf:    make([]byte, bufLen),
		logger: logger,
	}}, nil
}

// Open validates the existing partition content by reading the format
// marker. It fails with ErrNotFound on a never-provisioned partition and
// ErrCorrupt on a marker mismatch; it never repairs either.
func (u *Uninitialized) Open() (*Store, error) {
	s := u.inner
	val, found, err := s.m.Fetch(0, s.buf)
	if err != nil {
		if errors.Is(err, kvlog.ErrCorrupt) {
			return nil, fmt.Errorf("reading format marker: %w", ErrCorrupt)
		}
		return nil, fmt.Errorf("reading format marker: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no format marker: %w", ErrNotFound)
	}
	if string(val) != FormatMarker {
		return nil, fmt.Errorf("format marker %q, expected %q: %w", val, FormatMarker, ErrCorrupt)
	}
	s.ready = true
	return s, nil
}

// Reset erases the whole partition and writes the format marker as the
// first record. Destructive; used by provisioning, never at normal boot.
func (u *Uninitialized) Reset() (*Store, error) {
	s := u.inner
	if err := s.m.Erase(); err != nil {
		return nil, err
	}
	if err := s.m.Store(0, []byte(FormatMarker)); err != nil {
		return nil, fmt.Errorf("writing format marker: %w", err)
	}
	s.ready = true
	return s, nil
}

// Store is a validated settings store. All operations are safe for use from
// multiple goroutines; the internal lock is held per call, never across
// unrelated work.
type Store struct {
	mu     sync.Mutex
	m      *kvlog.Map
	buf    []byte
	logger *zap.SugaredLogger
	ready  bool

	// seen maps hashes to the string keys that produced them when collision
	// checking is on.
	collisionCheck bool
	seen           map[uint32]string
}

// EnableCollisionCheck turns on the development-build collision detector:
// every access records the string key for its hash and any two distinct keys
// mapping to the same hash fail with ErrCollision.
func (s *Store) EnableCollisionCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collisionCheck = true
	s.seen = make(map[uint32]string)
}

// Get returns the raw bytes stored for key. The returned slice aliases the
// store's internal buffer and is only valid until the next store call.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key)
}

func (s *Store) get(key string) ([]byte, error) {
	if !s.ready {
		return nil, ErrNotReady
	}
	h, err := s.hashChecked(key)
	if err != nil {
		return nil, err
	}
	val, found, err := s.m.Fetch(h, s.buf)
	if err != nil {
		if errors.Is(err, kvlog.ErrCorrupt) {
			return nil, fmt.Errorf("fetching %q: %w", key, ErrCorrupt)
		}
		return nil, fmt.Errorf("fetching %q: %w", key, err)
	}
	if !found {
		return nil, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	return val, nil
}

// GetString returns the value for key as UTF-8 text.
func (s *Store) GetString(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, err := s.get(key)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(val) {
		return "", fmt.Errorf("%q: %w", key, ErrInvalidUTF8)
	}
	return string(val), nil
}

// GetStructured decodes the CBOR value for key into v.
func (s *Store) GetStructured(key string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, err := s.get(key)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(val, v); err != nil {
		return fmt.Errorf("decoding %q: %w", key, err)
	}
	return nil
}

// Set overwrites the value stored for key. The value must fit the store's
// data buffer.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(key, value)
}

func (s *Store) set(key string, value []byte) error {
	if !s.ready {
		return ErrNotReady
	}
	if len(value) > len(s.buf) {
		return fmt.Errorf("value of %d bytes for %q: %w", len(value), key, ErrBufferFull)
	}
	h, err := s.hashChecked(key)
	if err != nil {
		return err
	}
	if err := s.m.Store(h, value); err != nil {
		return fmt.Errorf("storing %q: %w", key, err)
	}
	return nil
}

// SetStructured CBOR-encodes v into buf and stores the result for key. It
// fails with ErrBufferFull if the encoding does not fit.
func (s *Store) SetStructured(key string, v interface{}, buf []byte) error {
	enc, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	if len(enc) > len(buf) {
		return fmt.Errorf("encoded value of %d bytes for %q exceeds %d byte buffer: %w", len(enc), key, len(buf), ErrBufferFull)
	}
	n := copy(buf, enc)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(key, buf[:n])
}

// Close releases the single-instance slot so a later New (a simulated or
// real reinitialization) can take ownership of the partition.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	active.Store(false)
}

func (s *Store) hashChecked(key string) (uint32, error) {
	h := HashKey(key)
	if s.collisionCheck {
		if prev, ok := s.seen[h]; ok && prev != key {
			return 0, fmt.Errorf("%q and %q both hash to %#x: %w", prev, key, h, ErrCollision)
		}
		s.seen[h] = key
	}
	return h, nil
}

// HashKey compresses a string setting key into the 32-bit record key used on
// flash. FNV-1: deterministic and fast, not collision-free; the known key
// set is checked by VerifyUniqueKeys instead.
func HashKey(key string) uint32 {
	h := fnv.New32()
	h.Write([]byte(key))
	return h.Sum32()
}

// VerifyUniqueKeys reports an error if any two keys in the registry collide
// under HashKey, or if any key hashes to the reserved marker key 0.
func VerifyUniqueKeys(keys []string) error {
	seen := make(map[uint32]string, len(keys))
	for _, k := range keys {
		h := HashKey(k)
		if h == 0 {
			return fmt.Errorf("%q hashes to the reserved format marker key: %w", k, ErrCollision)
		}
		if prev, ok := seen[h]; ok && prev != k {
			return fmt.Errorf("%q and %q both hash to %#x: %w", prev, k, h, ErrCollision)
		}
		seen[h] = k
	}
	return nil
}
