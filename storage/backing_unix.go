//go:build unix

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

const mmapSupported = true

// fileBacking maps a segment file shared with every process that opens the same path.
type fileBacking struct {
	file    *os.File
	data    []byte
	retired [][]byte
}

// openFileBacking maps the file at path. A size of 0 attaches to whatever another process already
// published and returns nil if the file is still empty.
func openFileBacking(path string, size int) (backing, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if size == 0 {
		if stat.Size() < headerSize {
			_ = f.Close()
			return nil, nil
		}
		size = int(stat.Size())
	} else if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, err
	}

	data, err := mmapFile(f, size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileBacking{file: f, data: data}, nil
}

func mmapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (b *fileBacking) bytes() []byte {
	return b.data
}

func (b *fileBacking) grow(size int) (backing, error) {
	if err := b.file.Truncate(int64(size)); err != nil {
		return nil, err
	}
	return b.remap(size, true)
}

func (b *fileBacking) remap(size int, exclusive bool) (backing, error) {
	data, err := mmapFile(b.file, size)
	if err != nil {
		return nil, err
	}
	if exclusive {
		_ = unix.Msync(b.data, unix.MS_SYNC)
		if err := unix.Munmap(b.data); err != nil {
			_ = unix.Munmap(data)
			return nil, err
		}
	} else {
		b.retired = append(b.retired, b.data)
	}
	b.data = data
	if exclusive {
		b.release()
	}
	return b, nil
}

func (b *fileBacking) release() {
	for _, old := range b.retired {
		_ = unix.Munmap(old)
	}
	b.retired = b.retired[:0]
}

func (b *fileBacking) sync() error {
	return unix.Msync(b.data, unix.MS_SYNC)
}

func (b *fileBacking) close() error {
	b.release()
	var err error
	if b.data != nil {
		err = unix.Munmap(b.data)
		b.data = nil
	}
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func flockShared(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_SH)
}

func flockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
