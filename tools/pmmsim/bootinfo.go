package main

import (
	"encoding/binary"
	"unsafe"
)

const (
	tagBootCmdLine = 1
	tagMemoryMap   = 6

	mmapEntrySize = 24
)

// bootInfo is a multiboot2 information block. It is backed by a []uint64 so
// that the block and every tag inside it are 8-byte aligned.
type bootInfo struct {
	words []uint64
}

// newBootInfo assembles the multiboot2 data a bootloader would hand to the
// kernel for the given scenario: an optional command line tag followed by a
// memory map tag and the end tag.
func newBootInfo(s *Scenario) (*bootInfo, error) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, 0) // total size; patched below
	buf = binary.LittleEndian.AppendUint32(buf, 0)

	if s.CmdLine != "" {
		buf = appendTag(buf, tagBootCmdLine, append([]byte(s.CmdLine), 0))
	}

	mmap := make([]byte, 0, 8+len(s.Regions)*mmapEntrySize)
	mmap = binary.LittleEndian.AppendUint32(mmap, mmapEntrySize)
	mmap = binary.LittleEndian.AppendUint32(mmap, 0)
	for _, region := range s.Regions {
		entryType, err := region.entryType()
		if err != nil {
			return nil, err
		}

		mmap = binary.LittleEndian.AppendUint64(mmap, region.Base)
		mmap = binary.LittleEndian.AppendUint64(mmap, region.Length)
		mmap = binary.LittleEndian.AppendUint32(mmap, uint32(entryType))
		mmap = binary.LittleEndian.AppendUint32(mmap, 0)
	}
	buf = appendTag(buf, tagMemoryMap, mmap)

	// end tag
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 8)
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))

	info := &bootInfo{words: make([]uint64, len(buf)/8)}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&info.words[0])), len(buf)), buf)
	return info, nil
}

// appendTag appends a tag with the given payload and pads it to 8 bytes.
func appendTag(buf []byte, tagType uint32, payload []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, tagType)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(8+len(payload)))
	buf = append(buf, payload...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

// ptr returns the address of the info block.
func (bi *bootInfo) ptr() uintptr {
	return uintptr(unsafe.Pointer(&bi.words[0]))
}
