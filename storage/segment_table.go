package storage

import (
	"os"
	"path/filepath"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
)

// FreeListSlotSize is the size of one serialized free-list slot: start(8) size(4) padding(4).
const FreeListSlotSize = 16

// DefaultSizing is the allocation policy used when SegmentTableOptions leaves Sizing unset.
var DefaultSizing = map[SegmentKind]Sizing{
	EMTable:    {Initial: 1024 * common.ExtentInfoSize, Increment: 256 * common.ExtentInfoSize},
	EMIndex:    {Initial: 1 << 20, Increment: 1 << 20, AccountingOnly: true},
	EMFreeList: {Initial: 1024 * FreeListSlotSize, Increment: 256 * FreeListSlotSize},
}

// SegmentTableOptions configures a SegmentTable.
type SegmentTableOptions struct {
	// Dir, when set, backs every materialized segment with a memory-mapped file in this directory
	// so that separate processes opening the same directory share it. Empty keeps segments on the heap.
	Dir string
	// SharedLockFile adds flock-based cross-process locking on top of the in-process locks. Only
	// meaningful together with Dir.
	SharedLockFile bool
	Sizing         map[SegmentKind]Sizing
	Logger         *zap.Logger
}

// SegmentTable is the process-wide registry of segments. It is created once at startup and handed to
// every ExtentMap that should see the same extents.
type SegmentTable struct {
	opts     SegmentTableOptions
	segments *xsync.MapOf[SegmentKind, *Segment]
	logger   *zap.Logger
}

// NewSegmentTable creates a registry. Segments are created lazily, unallocated, on first access.
func NewSegmentTable(opts SegmentTableOptions) (*SegmentTable, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sizing == nil {
		opts.Sizing = DefaultSizing
	}
	if opts.Dir != "" {
		if !mmapSupported {
			return nil, Error.New("segment directory %q requires mmap support", opts.Dir)
		}
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return &SegmentTable{
		opts:     opts,
		segments: xsync.NewMapOf[SegmentKind, *Segment](),
		logger:   opts.Logger.Named("segments"),
	}, nil
}

// Segment returns the segment of the given kind, creating its registry entry if needed.
func (st *SegmentTable) Segment(kind SegmentKind) (*Segment, error) {
	common.Assert(kind >= 0 && kind < numSegmentKinds, "unknown segment kind %d", kind)
	if seg, ok := st.segments.Load(kind); ok {
		return seg, nil
	}

	seg, err := st.newSegment(kind)
	if err != nil {
		return nil, err
	}
	actual, loaded := st.segments.LoadOrStore(kind, seg)
	if loaded {
		// Another goroutine registered it first; use theirs.
		_ = seg.close()
	}
	return actual, nil
}

func (st *SegmentTable) newSegment(kind SegmentKind) (*Segment, error) {
	sizing, ok := st.opts.Sizing[kind]
	if !ok {
		sizing = DefaultSizing[kind]
	}

	var lockPath string
	if st.opts.Dir != "" && st.opts.SharedLockFile {
		lockPath = filepath.Join(st.opts.Dir, kind.String()+".lock")
	}
	lock, err := newProcessLock(lockPath)
	if err != nil {
		return nil, err
	}

	seg := &Segment{
		kind:   kind,
		sizing: sizing,
		lock:   lock,
		logger: st.logger.With(zap.Stringer("kind", kind)),
		newFn:  newHeapBacking,
	}
	if st.opts.Dir != "" && !sizing.AccountingOnly {
		path := filepath.Join(st.opts.Dir, kind.String()+".seg")
		seg.newFn = func(size int) (backing, error) {
			return openFileBacking(path, size)
		}
	}
	return seg, nil
}

// Descriptors returns the catalog entries of every registered segment.
func (st *SegmentTable) Descriptors() []Descriptor {
	var out []Descriptor
	for kind := SegmentKind(0); kind < numSegmentKinds; kind++ {
		if seg, ok := st.segments.Load(kind); ok {
			out = append(out, seg.Descriptor())
		}
	}
	return out
}

// Close unmaps every segment and closes lock files. No ExtentMap attached to the table may be used
// afterwards.
func (st *SegmentTable) Close() error {
	var group errs.Group
	st.segments.Range(func(kind SegmentKind, seg *Segment) bool {
		group.Add(seg.close())
		st.segments.Delete(kind)
		return true
	})
	return group.Err()
}
