package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the error class for segment and free-list failures.
var Error = errs.Class("storage")

// SegmentKind identifies one of the shared regions owned by the extent map.
type SegmentKind int

const (
	// EMTable holds the extent descriptors of the primary index.
	EMTable SegmentKind = iota
	// EMIndex is the memory budget of the secondary index.
	EMIndex
	// EMFreeList holds the slot array of the LBID free list.
	EMFreeList
	numSegmentKinds
)

func (k SegmentKind) String() string {
	switch k {
	case EMTable:
		return "em-table"
	case EMIndex:
		return "em-index"
	case EMFreeList:
		return "em-freelist"
	}
	return "unknown"
}

const (
	keyRangeSize = 10000
	segmentMagic = 0x42524d53

	// headerSize prefixes every materialized segment:
	// magic(4) key(4) allocated(8) changeSeq(8) currentSize(8)
	headerSize = 32
)

var keyRangeBase = [numSegmentKinds]int32{
	EMTable:    0x10000,
	EMIndex:    0x20000,
	EMFreeList: 0x30000,
}

// chooseKey picks the key a segment moves to when it grows. Keys advance inside the kind's range and
// wrap back to base+1 at the end; base itself is reserved.
func chooseKey(kind SegmentKind, current int32) int32 {
	base := keyRangeBase[kind]
	if current+1 == base+keyRangeSize-1 || current < base {
		return base + 1
	}
	return current + 1
}

// Sizing is the allocation policy of one segment kind, in payload bytes.
type Sizing struct {
	Initial   int64
	Increment int64
	// AccountingOnly segments track a byte budget but never materialize memory.
	AccountingOnly bool
}

// Descriptor is the catalog entry of a segment.
type Descriptor struct {
	Kind          SegmentKind
	Key           int32
	AllocatedSize int64
	CurrentSize   int64
	Generation    uint64
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(key=%#x allocated=%d current=%d gen=%d)", d.Kind, d.Key, d.AllocatedSize, d.CurrentSize, d.Generation)
}

// Segment is a growable region shared by every ExtentMap attached to the same SegmentTable.
//
// The payload must only be touched while holding the segment lock, and only through a View: a
// growth replaces the underlying memory, and every View taken before it is stale until remapped.
type Segment struct {
	kind   SegmentKind
	sizing Sizing
	lock   *processLock
	logger *zap.Logger

	// mapped is nil until the segment is allocated, and stays nil for accounting-only segments.
	// Handles attaching without the lock may load it, so it is only ever replaced whole.
	mapped atomic.Pointer[mapping]
	newFn  func(size int) (backing, error)

	// remapMu serializes refreshes of the local mapping between concurrent readers.
	remapMu    sync.Mutex
	generation atomic.Uint64

	// Descriptor fields of accounting-only segments. Materialized segments keep them in the header.
	key         atomic.Int32
	allocated   atomic.Int64
	currentSize atomic.Int64
	changeSeq   atomic.Uint64
}

// mapping pins one backing so that it can be published atomically.
type mapping struct {
	b backing
}

func (s *Segment) loadBacking() backing {
	if m := s.mapped.Load(); m != nil {
		return m.b
	}
	return nil
}

func (s *Segment) publish(b backing) {
	if b == nil {
		s.mapped.Store(nil)
		return
	}
	s.mapped.Store(&mapping{b: b})
}

// Kind returns the segment kind.
func (s *Segment) Kind() SegmentKind {
	return s.kind
}

// Sizing returns the allocation policy of the segment.
func (s *Segment) Sizing() Sizing {
	return s.sizing
}

// RLock acquires the segment lock in shared mode and picks up any growth done by another process.
func (s *Segment) RLock() error {
	if err := s.lock.RLock(); err != nil {
		return Error.Wrap(err)
	}
	if err := s.refresh(false); err != nil {
		s.lock.RUnlock()
		return err
	}
	return nil
}

func (s *Segment) RUnlock() {
	s.lock.RUnlock()
}

// Lock acquires the segment lock in exclusive mode and picks up any growth done by another process.
func (s *Segment) Lock() error {
	if err := s.lock.Lock(); err != nil {
		return Error.Wrap(err)
	}
	if err := s.refresh(true); err != nil {
		s.lock.Unlock()
		return err
	}
	return nil
}

func (s *Segment) Unlock() {
	s.lock.Unlock()
}

// Allocated reports whether the segment has been given its initial size.
func (s *Segment) Allocated() bool {
	return s.AllocatedSize() > 0
}

// Generation changes every time the local mapping of the segment is replaced.
func (s *Segment) Generation() uint64 {
	return s.generation.Load()
}

func (s *Segment) header() []byte {
	b := s.loadBacking()
	if b == nil {
		return nil
	}
	return b.bytes()[:headerSize]
}

// AllocatedSize returns the payload capacity in bytes.
func (s *Segment) AllocatedSize() int64 {
	if h := s.header(); h != nil {
		return int64(binary.LittleEndian.Uint64(h[8:]))
	}
	return s.allocated.Load()
}

// CurrentSize returns the number of payload bytes the owner reports as in use.
func (s *Segment) CurrentSize() int64 {
	if h := s.header(); h != nil {
		return int64(binary.LittleEndian.Uint64(h[24:]))
	}
	return s.currentSize.Load()
}

// SetCurrentSize records the number of payload bytes in use. Requires the write lock.
func (s *Segment) SetCurrentSize(n int64) {
	if h := s.header(); h != nil {
		binary.LittleEndian.PutUint64(h[24:], uint64(n))
		return
	}
	s.currentSize.Store(n)
}

// ChangeSeq returns a counter bumped by every mutation of the payload. Attached handles compare it
// against the value they last saw to detect writes made through another handle.
func (s *Segment) ChangeSeq() uint64 {
	if h := s.header(); h != nil {
		return binary.LittleEndian.Uint64(h[16:])
	}
	return s.changeSeq.Load()
}

// BumpChangeSeq records a payload mutation and returns the new counter. Requires the write lock.
func (s *Segment) BumpChangeSeq() uint64 {
	if h := s.header(); h != nil {
		seq := binary.LittleEndian.Uint64(h[16:]) + 1
		binary.LittleEndian.PutUint64(h[16:], seq)
		return seq
	}
	return s.changeSeq.Add(1)
}

// Key returns the key the segment is currently published under.
func (s *Segment) Key() int32 {
	if h := s.header(); h != nil {
		return int32(binary.LittleEndian.Uint32(h[4:]))
	}
	return s.key.Load()
}

// Descriptor returns a snapshot of the segment's catalog entry.
func (s *Segment) Descriptor() Descriptor {
	return Descriptor{
		Kind:          s.kind,
		Key:           s.Key(),
		AllocatedSize: s.AllocatedSize(),
		CurrentSize:   s.CurrentSize(),
		Generation:    s.Generation(),
	}
}

// Allocate gives an unallocated segment its initial size. It reports fresh=true when the payload
// is new and zeroed, so the caller can initialize it; fresh=false means another handle or process
// got there first. Requires the write lock.
func (s *Segment) Allocate() (fresh bool, err error) {
	if s.Allocated() {
		return false, nil
	}
	key := chooseKey(s.kind, 0)
	if s.sizing.AccountingOnly {
		s.key.Store(key)
		s.allocated.Store(s.sizing.Initial)
		s.generation.Add(1)
		s.logger.Debug("segment allocated", zap.Stringer("kind", s.kind), zap.Int64("size", s.sizing.Initial))
		return true, nil
	}

	b, err := s.newFn(headerSize + int(s.sizing.Initial))
	if err != nil {
		return false, Error.Wrap(err)
	}
	h := b.bytes()[:headerSize]
	binary.LittleEndian.PutUint32(h[0:], segmentMagic)
	binary.LittleEndian.PutUint32(h[4:], uint32(key))
	binary.LittleEndian.PutUint64(h[8:], uint64(s.sizing.Initial))
	s.publish(b)
	s.generation.Add(1)
	s.logger.Debug("segment allocated", zap.Stringer("kind", s.kind), zap.Int32("key", key),
		zap.Int64("size", s.sizing.Initial))
	return true, nil
}

// Grow extends the payload by max(increment, needed) bytes and moves the segment to a new key.
// Every View taken before the call is stale afterwards. Requires the write lock.
func (s *Segment) Grow(needed int64) error {
	if !s.Allocated() {
		if _, err := s.Allocate(); err != nil {
			return err
		}
		if s.AllocatedSize() >= needed {
			return nil
		}
	}
	current := s.AllocatedSize()
	newSize := current + max(s.sizing.Increment, needed)
	newKey := chooseKey(s.kind, s.Key())

	if s.sizing.AccountingOnly {
		s.allocated.Store(newSize)
		s.key.Store(newKey)
	} else {
		b, err := s.loadBacking().grow(headerSize + int(newSize))
		if err != nil {
			return Error.New("growing %s to %d bytes: %v", s.kind, newSize, err)
		}
		h := b.bytes()[:headerSize]
		binary.LittleEndian.PutUint32(h[4:], uint32(newKey))
		binary.LittleEndian.PutUint64(h[8:], uint64(newSize))
		s.publish(b)
	}
	s.generation.Add(1)
	s.logger.Debug("segment grown", zap.Stringer("kind", s.kind), zap.Int32("key", newKey),
		zap.Int64("from", current), zap.Int64("to", newSize))
	return nil
}

// refresh maps a segment that another process allocated or grew since this process last looked.
func (s *Segment) refresh(exclusive bool) error {
	s.remapMu.Lock()
	defer s.remapMu.Unlock()

	current := s.loadBacking()
	if current == nil {
		if s.sizing.AccountingOnly {
			return nil
		}
		b, err := s.newFn(0)
		if err != nil {
			return Error.Wrap(err)
		}
		if b == nil {
			return nil
		}
		if binary.LittleEndian.Uint32(b.bytes()) != segmentMagic {
			_ = b.close()
			return Error.New("%s: bad segment magic", s.kind)
		}
		s.publish(b)
		s.generation.Add(1)
		return nil
	}

	published := headerSize + int(s.AllocatedSize())
	mapped := len(current.bytes())
	if published == mapped {
		if exclusive {
			current.release()
		}
		return nil
	}
	b, err := current.remap(published, exclusive)
	if err != nil {
		return Error.Wrap(err)
	}
	s.publish(b)
	s.generation.Add(1)
	s.logger.Debug("segment remapped", zap.Stringer("kind", s.kind), zap.Int("from", mapped), zap.Int("to", published))
	return nil
}

// Sync flushes a file-backed segment to stable storage.
func (s *Segment) Sync() error {
	b := s.loadBacking()
	if b == nil {
		return nil
	}
	return Error.Wrap(b.sync())
}

func (s *Segment) close() error {
	var group errs.Group
	if b := s.loadBacking(); b != nil {
		group.Add(b.close())
		s.publish(nil)
	}
	group.Add(s.lock.close())
	return Error.Wrap(group.Err())
}

// View is a handle on a segment's payload as mapped at one point in time.
type View struct {
	seg  *Segment
	gen  uint64
	data []byte
}

// NewView returns a View over seg. It does not touch the mapping, so it needs no lock: the view
// starts out stale unless the segment was never allocated, and resolves on first use.
func NewView(seg *Segment) View {
	return View{seg: seg}
}

// Segment returns the segment the view was taken from.
func (v *View) Segment() *Segment {
	return v.seg
}

// Stale reports whether the segment was remapped since the view was taken.
func (v *View) Stale() bool {
	return v.gen != v.seg.Generation()
}

// Remap re-resolves the payload. It reports whether the mapping changed, in which case anything
// derived from the old payload must be re-resolved too.
func (v *View) Remap() bool {
	gen := v.seg.Generation()
	changed := gen != v.gen
	v.gen = gen
	m := v.seg.mapped.Load()
	if m == nil {
		v.data = nil
		return changed
	}
	b := m.b.bytes()
	v.data = b[headerSize : headerSize+int(binary.LittleEndian.Uint64(b[8:]))]
	return changed
}

// Data returns the payload, remapping first if the view is stale.
func (v *View) Data() []byte {
	if v.Stale() {
		v.Remap()
	}
	return v.data
}
