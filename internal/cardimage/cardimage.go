// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package cardimage decodes and mutates the on-card format of a PS1
// memory card: a 128 KiB container made of 16 header-described blocks.
// Block 0 (the "superblock") holds one 128-byte header entry per
// block; blocks 1..15 hold save data.
package cardimage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/maphash"
	"io"
	"sync"

	"github.com/dgryski/go-tinylfu"
)

const (
	BlockLength = 8192
	BlockCount  = 16
	Size        = BlockCount * BlockLength // 131072

	headerEntrySize = 128
	headerRegionEnd = BlockCount * headerEntrySize // 2048

	endOfChain = 0xFFFF
)

// Backing is the byte-addressable store behind an [Image]: a plain
// in-memory buffer, an *os.File, or a memory-mapped region opened with
// [OpenMmap].
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

var (
	ErrBadMagic  = errors.New("cardimage: missing \"MC\" magic in superblock")
	ErrChainLoop = errors.New("cardimage: chain loop detected")
)

// HeaderCorruptError reports a header entry whose 128 bytes do not XOR
// to zero.
type HeaderCorruptError struct{ Block int }

func (e *HeaderCorruptError) Error() string {
	return fmt.Sprintf("cardimage: header %d is corrupt (nonzero XOR)", e.Block)
}

// AlreadyAllocatedError is returned by [Image.CreateSave] and
// [Image.AppendBlock] when the target block's status already has the
// used bit set.
type AlreadyAllocatedError struct{ Block int }

func (e *AlreadyAllocatedError) Error() string {
	return fmt.Sprintf("cardimage: block %d is already allocated", e.Block)
}

// NotAllocatedError is returned by [Image.DeleteSave] when the head
// block is already free.
type NotAllocatedError struct{ Block int }

func (e *NotAllocatedError) Error() string {
	return fmt.Sprintf("cardimage: block %d is not allocated", e.Block)
}

// Image is an in-memory/memory-mapped view of a raw PS1 memory card.
// The zero value is not usable; construct one with [Open].
type Image struct {
	backing Backing

	mu      sync.Mutex
	linkMap LinkMap // nil if not yet built
	chains  *tinylfu.T[uint8, []uint8]
}

var chainCacheSeed = maphash.MakeSeed()

func chainCacheHash(k uint8) uint64 { return maphash.Comparable(chainCacheSeed, k) }

func newChainCache() *tinylfu.T[uint8, []uint8] {
	return tinylfu.New[uint8, []uint8](BlockCount, BlockCount*10, chainCacheHash)
}

// Open attaches to a backing byte store of exactly [Size] bytes. It
// fails with [ErrBadMagic] if bytes 0..1 are not "MC".
func Open(backing Backing) (*Image, error) {
	var magic [2]byte
	if _, err := backing.ReadAt(magic[:], 0); err != nil {
		return nil, fmt.Errorf("cardimage: reading magic: %w", err)
	}
	if magic[0] != 'M' || magic[1] != 'C' {
		return nil, ErrBadMagic
	}
	return &Image{
		backing: backing,
		chains:  newChainCache(),
	}, nil
}

func (img *Image) readHeader(block int) ([headerEntrySize]byte, error) {
	var hdr [headerEntrySize]byte
	if _, err := img.backing.ReadAt(hdr[:], int64(block)*headerEntrySize); err != nil {
		return hdr, fmt.Errorf("cardimage: reading header %d: %w", block, err)
	}
	return hdr, nil
}

func xorAll(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}

// CheckHeader recomputes the XOR over all 128 bytes of header i and
// fails with [HeaderCorruptError] if it is nonzero.
func (img *Image) CheckHeader(block int) error {
	hdr, err := img.readHeader(block)
	if err != nil {
		return err
	}
	if xorAll(hdr[:]) != 0 {
		return &HeaderCorruptError{Block: block}
	}
	return nil
}

// mutateHeader is the single path through which every header edit
// flows: it reads, applies fn, recomputes the trailing XOR byte,
// writes back, and invalidates the derived caches. Callers never
// forget to invalidate because there is only one way in.
func (img *Image) mutateHeader(block int, fn func(hdr *[headerEntrySize]byte)) error {
	hdr, err := img.readHeader(block)
	if err != nil {
		return err
	}
	fn(&hdr)
	hdr[headerEntrySize-1] = 0
	hdr[headerEntrySize-1] = xorAll(hdr[:])
	if _, err := img.backing.WriteAt(hdr[:], int64(block)*headerEntrySize); err != nil {
		return fmt.Errorf("cardimage: writing header %d: %w", block, err)
	}
	img.invalidateCaches()
	return nil
}

// MutateEntry exposes the single header-mutation path to other
// packages (notably saveview, which edits region/product_code/
// game_code fields inside the head block's header entry) so every
// caller, in or out of this package, goes through the same
// read-edit-reXOR-write-invalidate sequence.
func (img *Image) MutateEntry(block int, fn func(hdr *[headerEntrySize]byte)) error {
	return img.mutateHeader(block, fn)
}

func (img *Image) invalidateCaches() {
	img.mu.Lock()
	img.linkMap = nil
	img.chains = newChainCache()
	img.mu.Unlock()
}

// ReadBytes reads length bytes at offset.
func (img *Image) ReadBytes(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := img.backing.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == length) {
		return buf[:n], fmt.Errorf("cardimage: read at %d: %w", offset, err)
	}
	return buf, nil
}

// WriteBytes writes raw bytes, invalidating the link-map and chain
// caches whenever the write touches the superblock region (the first
// 2048 bytes, i.e. any header entry).
func (img *Image) WriteBytes(offset int64, data []byte) error {
	if _, err := img.backing.WriteAt(data, offset); err != nil {
		return fmt.Errorf("cardimage: write at %d: %w", offset, err)
	}
	if offset < headerRegionEnd {
		img.invalidateCaches()
	}
	return nil
}

func headerStatus(hdr [headerEntrySize]byte) byte   { return hdr[0x00] }
func headerSize(hdr [headerEntrySize]byte) uint32    { return binary.LittleEndian.Uint32(hdr[0x04:]) }
func headerNextRaw(hdr [headerEntrySize]byte) uint16 { return binary.LittleEndian.Uint16(hdr[0x08:]) }

// IsHead reports whether status describes the head of a save
// (used, and not a linked continuation).
func IsHead(status byte) bool { return status&0xF0 == 0x50 && status&0x02 == 0 }

// IsUsed reports whether status has the "used" high nibble set.
func IsUsed(status byte) bool { return status&0xF0 == 0x50 }

// IsLinked reports whether status has the "linked, non-head
// continuation" bit set.
func IsLinked(status byte) bool { return status&0x02 != 0 }

// HeaderStatus returns the raw block-status byte for block i.
func (img *Image) HeaderStatus(block int) (byte, error) {
	hdr, err := img.readHeader(block)
	if err != nil {
		return 0, err
	}
	return headerStatus(hdr), nil
}

// HeaderSize returns the raw little-endian size field of header i
// (only meaningful on a head block).
func (img *Image) HeaderSize(block int) (uint32, error) {
	hdr, err := img.readHeader(block)
	if err != nil {
		return 0, err
	}
	return headerSize(hdr), nil
}

// Entry returns a copy of the raw 128-byte header entry for block i.
func (img *Image) Entry(block int) ([headerEntrySize]byte, error) {
	return img.readHeader(block)
}
