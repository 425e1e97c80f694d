//go:build !unix

package storage

import "os"

const mmapSupported = false

func openFileBacking(path string, size int) (backing, error) {
	return nil, Error.New("file-backed segments are not supported on this platform")
}

func flockShared(f *os.File) error {
	return Error.New("flock is not supported on this platform")
}

func flockExclusive(f *os.File) error {
	return Error.New("flock is not supported on this platform")
}

func funlock(f *os.File) error {
	return nil
}
