package storage

import (
	"math/bits"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
)

// Bitmap is a growable set of bits used to track which slots of a segment are occupied.
//
// Scans work a word at a time so that long runs of occupied slots are skipped in one step.
type Bitmap struct {
	words   []uint64
	numBits int
}

// NewBitmap returns a bitmap of numBits zero bits.
func NewBitmap(numBits int) *Bitmap {
	return &Bitmap{words: make([]uint64, (numBits+63)/64), numBits: numBits}
}

// Len returns the number of bits.
func (b *Bitmap) Len() int {
	return b.numBits
}

// Resize grows or shrinks the bitmap to numBits. New bits are zero.
func (b *Bitmap) Resize(numBits int) {
	numWords := (numBits + 63) / 64
	if numWords > len(b.words) {
		words := make([]uint64, numWords)
		copy(words, b.words)
		b.words = words
	} else {
		b.words = b.words[:numWords]
	}
	if numBits < b.numBits && numBits%64 != 0 {
		// clear the tail of the last word so that a later grow starts from zeros
		b.words[numWords-1] &= (uint64(1) << uint(numBits%64)) - 1
	}
	b.numBits = numBits
}

// SetBit sets the bit at index i to the given value and returns its previous value.
func (b *Bitmap) SetBit(i int, on bool) (originalValue bool) {
	common.Assert(i >= 0 && i < b.numBits, "bit %d out of bounds", i)
	mask := uint64(1) << uint(i%64)
	ptr := &b.words[i/64]
	originalValue = (*ptr & mask) != 0
	if on {
		*ptr |= mask
	} else {
		*ptr &^= mask
	}
	return originalValue
}

// LoadBit returns the value of the bit at index i.
func (b *Bitmap) LoadBit(i int) bool {
	common.Assert(i >= 0 && i < b.numBits, "bit %d out of bounds", i)
	return (b.words[i/64] & (1 << uint(i%64))) != 0
}

// Clear zeroes every bit.
func (b *Bitmap) Clear() {
	clear(b.words)
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// FindFirstZero searches for the first zero bit at or after startHint, wrapping around to the
// beginning. Returns -1 if every bit is set.
func (b *Bitmap) FindFirstZero(startHint int) int {
	if startHint < 0 || startHint > b.numBits {
		startHint = 0
	}
	if r := b.findFirstZeroInRange(startHint, b.numBits); r != -1 {
		return r
	}
	return b.findFirstZeroInRange(0, startHint)
}

func (b *Bitmap) findFirstZeroInRange(start, end int) int {
	if start >= end {
		return -1
	}
	for i := start / 64; i <= (end-1)/64; i++ {
		word := b.words[i]
		if i == start/64 {
			// pretend the bits below start are set
			word |= (uint64(1) << uint(start%64)) - 1
		}
		if word == ^uint64(0) {
			continue
		}
		idx := i*64 + bits.TrailingZeros64(^word)
		if idx >= end {
			return -1
		}
		return idx
	}
	return -1
}
