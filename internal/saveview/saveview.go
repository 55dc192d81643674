// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package saveview presents one memory card save (a head block plus its
// chained continuations) as a small set of named, independently
// addressable entries.
package saveview

import (
	"errors"
	"fmt"

	"github.com/ps1mc/mcnbd/internal/cardimage"
)

// Entry is a tagged variant over the fixed set of named pieces a save
// exposes, replacing the original's name-string dispatch.
type Entry int

const (
	EntryData Entry = iota
	EntryRegion
	EntryProductCode
	EntryGameCode
)

// String returns the entry's filesystem-facing name.
func (e Entry) String() string {
	switch e {
	case EntryData:
		return "data"
	case EntryRegion:
		return "region"
	case EntryProductCode:
		return "product_code"
	case EntryGameCode:
		return "game_code"
	default:
		return "invalid"
	}
}

// Entries is the fixed, ordered set every [Save] exposes.
var Entries = [...]Entry{EntryData, EntryRegion, EntryProductCode, EntryGameCode}

// ParseEntry maps a filesystem-facing name back to an [Entry].
func ParseEntry(name string) (Entry, bool) {
	for _, e := range Entries {
		if e.String() == name {
			return e, true
		}
	}
	return 0, false
}

const (
	offRegion      = 0x0B
	offProductCode = 0x0C
	lenProductCode = 10
	offGameCode    = 0x16
	lenGameCode    = 8
)

// SizeMismatchError is returned by [Open] when the head block's declared
// size does not equal chain_length * BlockLength.
type SizeMismatchError struct {
	Head     int
	Declared uint32
	Actual   uint32
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("saveview: head %d declares size %d, chain implies %d", e.Head, e.Declared, e.Actual)
}

// ErrFileTooBig is returned by [Save.Write] on the "data" entry when the
// write would extend past the save's current size; saves never grow
// through a Save View, only through [cardimage.Image.AppendBlock].
var ErrFileTooBig = errors.New("saveview: write past end of entry")

// Save is an immutable view over one save's chain, resolved once at
// construction time. A chain mutation (cardimage.Image.AppendBlock,
// DeleteSave) invalidates any Save built before it; callers must build a
// fresh one after such a change.
type Save struct {
	img   *cardimage.Image
	head  int
	chain []int
}

// Open resolves the save headed at block, verifying its declared size
// against the chain it walks to. It returns nil, nil if block is not a
// head in the image's current link map.
func Open(img *cardimage.Image, block int) (*Save, error) {
	m, err := img.LinkMap()
	if err != nil {
		return nil, err
	}
	state, ok := m[uint8(block)]
	if !ok || state.Kind != cardimage.LinkHead {
		return nil, nil
	}

	chain, err := img.ResolveChain(block)
	if err != nil {
		return nil, err
	}

	declared, err := img.HeaderSize(block)
	if err != nil {
		return nil, err
	}
	want := uint32(len(chain)) * cardimage.BlockLength
	if declared != want {
		return nil, &SizeMismatchError{Head: block, Declared: declared, Actual: want}
	}

	return &Save{img: img, head: block, chain: chain}, nil
}

// Head returns the save's head block index.
func (s *Save) Head() int { return s.head }

// Chain returns the save's resolved block chain, head first.
func (s *Save) Chain() []int { return append([]int(nil), s.chain...) }

// EntrySize returns the byte size of the named entry: chain_length *
// BlockLength for "data", fixed widths for the header entries.
func (s *Save) EntrySize(e Entry) int {
	switch e {
	case EntryData:
		return len(s.chain) * cardimage.BlockLength
	case EntryRegion:
		return 1
	case EntryProductCode:
		return lenProductCode
	case EntryGameCode:
		return lenGameCode
	default:
		return 0
	}
}

// Read reads up to size bytes of entry e starting at offset, truncating
// to min(size, entry_size-offset). It returns an empty slice, not an
// error, when offset is at or past the entry's end.
func (s *Save) Read(e Entry, size, offset int) ([]byte, error) {
	total := s.EntrySize(e)
	if offset >= total {
		return nil, nil
	}
	if size > total-offset {
		size = total - offset
	}

	switch e {
	case EntryData:
		return s.readData(offset, size)
	default:
		fieldOff, _ := s.headerFieldRange(e)
		return s.img.ReadBytes(int64(s.head)*headerEntrySize+int64(fieldOff+offset), size)
	}
}

func (s *Save) readData(offset, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	blockIdx := offset / cardimage.BlockLength
	within := offset % cardimage.BlockLength
	for len(out) < size && blockIdx < len(s.chain) {
		chunk := cardimage.BlockLength - within
		if remain := size - len(out); chunk > remain {
			chunk = remain
		}
		block := s.chain[blockIdx]
		data, err := s.img.ReadBytes(int64(block)*cardimage.BlockLength+int64(within), chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		within = 0
		blockIdx++
	}
	return out, nil
}

// Write writes data into entry e starting at offset. Writing past the
// entry's current size (growing a save) is refused with
// [ErrFileTooBig]; writes into a header entry re-XOR the head block.
func (s *Save) Write(e Entry, data []byte, offset int) (int, error) {
	total := s.EntrySize(e)
	if offset+len(data) > total {
		return 0, ErrFileTooBig
	}

	switch e {
	case EntryData:
		return s.writeData(data, offset)
	default:
		fieldOff, _ := s.headerFieldRange(e)
		return s.writeHeaderField(fieldOff+offset, data)
	}
}

func (s *Save) writeData(data []byte, offset int) (int, error) {
	written := 0
	blockIdx := offset / cardimage.BlockLength
	within := offset % cardimage.BlockLength
	for written < len(data) && blockIdx < len(s.chain) {
		chunk := cardimage.BlockLength - within
		if remain := len(data) - written; chunk > remain {
			chunk = remain
		}
		block := s.chain[blockIdx]
		if err := s.img.WriteBytes(int64(block)*cardimage.BlockLength+int64(within), data[written:written+chunk]); err != nil {
			return written, err
		}
		written += chunk
		within = 0
		blockIdx++
	}
	return written, nil
}

const headerEntrySize = 128

// writeHeaderField writes into the head block's header entry via
// cardimage's single mutating path, so the XOR byte is always kept
// consistent.
func (s *Save) writeHeaderField(fieldOff int, data []byte) (int, error) {
	if err := s.img.MutateEntry(s.head, func(hdr *[headerEntrySize]byte) {
		copy(hdr[fieldOff:], data)
	}); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (s *Save) headerFieldRange(e Entry) (off, length int) {
	switch e {
	case EntryRegion:
		return offRegion, 1
	case EntryProductCode:
		return offProductCode, lenProductCode
	case EntryGameCode:
		return offGameCode, lenGameCode
	default:
		return 0, 0
	}
}
