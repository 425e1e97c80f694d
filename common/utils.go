package common

import (
	"fmt"
	"math/bits"
)

// Assert checks a condition and panics if it is false. Caller input and I/O failures are reported
// with error returns, never through Assert.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// ExtentBlocks returns the number of blocks in one extent of a column with the given width.
func ExtentBlocks(extentRows int, colWidth int) int {
	return extentRows * colWidth / BlockSize
}

// ExtentUnits returns the size of one extent of a column with the given width in LBIDUnit blocks.
func ExtentUnits(extentRows int, colWidth int) uint32 {
	return uint32(ExtentBlocks(extentRows, colWidth) / LBIDUnit)
}

// CharOrder converts a byte-string min/max value into an integer whose unsigned ordering
// matches the lexicographic ordering of the original bytes.
func CharOrder(v int64) uint64 {
	return bits.ReverseBytes64(uint64(v))
}
