package pmm

import "unsafe"

const (
	// wordShift is equal to log2(wordBits).
	wordShift = 6

	// wordBits is the number of frames tracked by a single bitmap word.
	wordBits = 1 << wordShift

	// wordBytes is the size of a bitmap word in bytes.
	wordBytes = wordBits / 8

	// fullWord is the value of a word whose frames are all in use.
	fullWord = ^uint64(0)
)

// frameBitmap tracks the state of physical frames: bit i (word i/64, bit
// i%64, least significant bit first) is set iff frame i is in use. It only
// manipulates bits; frame counters are maintained by BitmapAllocator.
type frameBitmap []uint64

// overlayBitmap returns a frameBitmap with the given number of words whose
// storage begins at addr. No memory is allocated.
func overlayBitmap(addr uintptr, words uint32) frameBitmap {
	if words == 0 {
		return nil
	}
	return frameBitmap(unsafe.Slice((*uint64)(unsafe.Pointer(addr)), words))
}

// wordsFor returns the number of bitmap words needed to track frameCount
// frames.
func wordsFor(frameCount uint32) uint32 {
	return uint32((uint64(frameCount) + wordBits - 1) >> wordShift)
}

func (bm frameBitmap) set(bit uint32) {
	bm[bit>>wordShift] |= 1 << (bit & (wordBits - 1))
}

func (bm frameBitmap) clear(bit uint32) {
	bm[bit>>wordShift] &^= 1 << (bit & (wordBits - 1))
}

func (bm frameBitmap) test(bit uint32) bool {
	return bm[bit>>wordShift]&(1<<(bit&(wordBits-1))) != 0
}

// findFirstFree returns the lowest clear bit below limit. Fully used words
// are skipped without inspecting their bits.
func (bm frameBitmap) findFirstFree(limit uint32) (uint32, bool) {
	for wordIndex, lastWord := uint32(0), wordsFor(limit); wordIndex < lastWord; wordIndex++ {
		word := bm[wordIndex]
		if word == fullWord {
			continue
		}

		for bitIndex := uint32(0); bitIndex < wordBits; bitIndex++ {
			if word&(1<<bitIndex) != 0 {
				continue
			}

			// bits past limit in the last word are never handed out
			if bit := wordIndex<<wordShift | bitIndex; bit < limit {
				return bit, true
			}
			return 0, false
		}
	}

	return 0, false
}

// findFirstFreeRun returns the index of the first (lowest address) run of
// count consecutive clear bits that lies entirely below limit.
func (bm frameBitmap) findFirstFreeRun(count, limit uint32) (uint32, bool) {
	if count == 0 || count > limit {
		return 0, false
	}

	var runStart, runLen uint32
	for bit := uint32(0); bit < limit; {
		// A full word cannot contribute to a run; skip all of it.
		if bit&(wordBits-1) == 0 && bm[bit>>wordShift] == fullWord {
			runLen = 0
			bit += wordBits
			continue
		}

		if bm.test(bit) {
			runLen = 0
			bit++
			continue
		}

		if runLen == 0 {
			runStart = bit
		}
		runLen++
		if runLen == count {
			return runStart, true
		}
		bit++
	}

	return 0, false
}
