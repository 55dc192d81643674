// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package cardfs presents a card image as a FUSE filesystem: a
// top-level directory of block IDs, each either a save directory, a
// symlink to its head, or (for an orphaned chain link) a plain file.
package cardfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ps1mc/mcnbd/internal/cardimage"
)

// Root is the filesystem's top-level directory: a listing of every
// block ID present in the card's link map.
type Root struct {
	fs.Inode
	img *cardimage.Image
	ro  bool
}

// New builds the root node for mounting img. If ro is set, every
// mutating operation (Mkdir, Rmdir, Symlink, Write) fails with EROFS.
func New(img *cardimage.Image, ro bool) *Root {
	return &Root{img: img, ro: ro}
}

var (
	_ fs.NodeReaddirer = (*Root)(nil)
	_ fs.NodeLookuper  = (*Root)(nil)
	_ fs.NodeMkdirer   = (*Root)(nil)
	_ fs.NodeRmdirer   = (*Root)(nil)
	_ fs.NodeSymlinker = (*Root)(nil)
)

// inodeID synthesizes a stable 64-bit inode number from a node's
// position in the tree, mirroring the teacher's fileid package: hash
// the structural coordinates instead of maintaining an allocation
// table.
func inodeID(depth int, block uint8, entry string) uint64 {
	var h xxhash.Digest
	binary.Write(&h, binary.BigEndian, uint8(depth))
	binary.Write(&h, binary.BigEndian, block)
	h.WriteString(entry)
	return h.Sum64()
}

func blockName(block uint8) string { return fmt.Sprintf("%02d", block) }

// parseBlockName accepts any two-digit decimal name; the caller decides
// how to report a number outside the valid block range (ENOENT for a
// lookup of something that can't exist, ENOSPC for an attempt to
// create something that would exceed the card).
func parseBlockName(name string) (int, bool) {
	if len(name) != 2 {
		return 0, false
	}
	n := 0
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func inRange(block int) bool { return block >= 1 && block < cardimage.BlockCount }

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	m, err := r.img.LinkMap()
	if err != nil {
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(m))
	for block, state := range m {
		var mode uint32
		switch state.Kind {
		case cardimage.LinkHead:
			mode = fuse.S_IFDIR
		case cardimage.LinkChild:
			mode = fuse.S_IFLNK
		case cardimage.LinkOrphan:
			mode = fuse.S_IFREG
		}
		entries = append(entries, fuse.DirEntry{
			Name: blockName(block),
			Mode: mode,
			Ino:  inodeID(1, block, ""),
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	block, ok := parseBlockName(name)
	if !ok || !inRange(block) {
		return nil, syscall.ENOENT
	}

	m, err := r.img.LinkMap()
	if err != nil {
		return nil, syscall.EIO
	}
	state, present := m[uint8(block)]
	if !present {
		return nil, syscall.ENOENT
	}

	switch state.Kind {
	case cardimage.LinkHead:
		out.Ino = inodeID(1, uint8(block), "")
		return r.NewInode(ctx, &SaveDir{img: r.img, ro: r.ro, block: block}, fs.StableAttr{
			Mode: fuse.S_IFDIR,
			Ino:  out.Ino,
		}), 0
	case cardimage.LinkChild:
		out.Ino = inodeID(1, uint8(block), "")
		return r.NewInode(ctx, &Symlink{target: blockName(state.Head)}, fs.StableAttr{
			Mode: fuse.S_IFLNK,
			Ino:  out.Ino,
		}), 0
	case cardimage.LinkOrphan:
		out.Ino = inodeID(1, uint8(block), "")
		return r.NewInode(ctx, &OrphanFile{}, fs.StableAttr{
			Mode: fuse.S_IFREG,
			Ino:  out.Ino,
		}), 0
	default:
		return nil, syscall.ENOENT
	}
}

func (r *Root) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if r.ro {
		return nil, syscall.EROFS
	}
	block, ok := parseBlockName(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	if !inRange(block) {
		return nil, syscall.ENOSPC
	}

	if err := r.img.CreateSave(block); err != nil {
		if _, already := err.(*cardimage.AlreadyAllocatedError); already {
			return nil, syscall.EEXIST
		}
		return nil, syscall.EIO
	}

	out.Ino = inodeID(1, uint8(block), "")
	return r.NewInode(ctx, &SaveDir{img: r.img, ro: r.ro, block: block}, fs.StableAttr{
		Mode: fuse.S_IFDIR,
		Ino:  out.Ino,
	}), 0
}

func (r *Root) Rmdir(ctx context.Context, name string) syscall.Errno {
	if r.ro {
		return syscall.EROFS
	}
	block, ok := parseBlockName(name)
	if !ok || !inRange(block) {
		return syscall.ENOENT
	}
	if err := r.img.DeleteSave(block); err != nil {
		if _, missing := err.(*cardimage.NotAllocatedError); missing {
			return syscall.ENOENT
		}
		return syscall.EIO
	}
	return 0
}

// Symlink appends the block named by name as a linked continuation of
// the save headed at target (the link's contents), so the new entry
// reads back like any chained block: a symlink to its head.
func (r *Root) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if r.ro {
		return nil, syscall.EROFS
	}
	head, ok := parseBlockName(target)
	if !ok || !inRange(head) {
		return nil, syscall.ENOENT
	}
	newBlock, ok := parseBlockName(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	if !inRange(newBlock) {
		return nil, syscall.ENOSPC
	}

	if err := r.img.AppendBlock(head, newBlock); err != nil {
		switch err.(type) {
		case *cardimage.AlreadyAllocatedError:
			return nil, syscall.EEXIST
		default:
			return nil, syscall.EIO
		}
	}

	out.Ino = inodeID(1, uint8(newBlock), "")
	return r.NewInode(ctx, &Symlink{target: blockName(uint8(head))}, fs.StableAttr{
		Mode: fuse.S_IFLNK,
		Ino:  out.Ino,
	}), 0
}
