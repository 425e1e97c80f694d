package storage

// backing is the memory behind a materialized segment: a header followed by the payload.
//
// Implementations are not safe for concurrent use; the owning Segment serializes calls through
// its lock.
type backing interface {
	// bytes returns the whole mapping, header included.
	bytes() []byte
	// grow extends the mapping to size bytes. The previous mapping must not be used afterwards.
	grow(size int) (backing, error)
	// remap re-maps the backing at size bytes after another process grew it. A shared holder keeps
	// the previous mapping alive until release, since other readers in this process may still be
	// looking at it.
	remap(size int, exclusive bool) (backing, error)
	// release drops mappings retired by remap. Requires exclusive access.
	release()
	// sync forces the mapping to stable storage.
	sync() error
	close() error
}

// heapBacking keeps a segment on the Go heap. It is only visible to the current process.
type heapBacking struct {
	data []byte
}

func newHeapBacking(size int) (backing, error) {
	if size == 0 {
		// nothing to attach to
		return nil, nil
	}
	return &heapBacking{data: make([]byte, size)}, nil
}

func (h *heapBacking) bytes() []byte {
	return h.data
}

func (h *heapBacking) grow(size int) (backing, error) {
	if size <= len(h.data) {
		return h, nil
	}
	data := make([]byte, size)
	copy(data, h.data)
	return &heapBacking{data: data}, nil
}

func (h *heapBacking) remap(size int, exclusive bool) (backing, error) {
	return h.grow(size)
}

func (h *heapBacking) release() {}

func (h *heapBacking) sync() error {
	return nil
}

func (h *heapBacking) close() error {
	h.data = nil
	return nil
}
