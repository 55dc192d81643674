package cardfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ps1mc/mcnbd/internal/cardimage"
	"github.com/ps1mc/mcnbd/internal/saveview"
)

// SaveDir is the depth-1 directory for one save: its children are the
// fixed entry files (data, region, product_code, game_code).
type SaveDir struct {
	fs.Inode
	img   *cardimage.Image
	ro    bool
	block int
}

var (
	_ fs.NodeReaddirer = (*SaveDir)(nil)
	_ fs.NodeLookuper  = (*SaveDir)(nil)
)

func (d *SaveDir) open() (*saveview.Save, syscall.Errno) {
	s, err := saveview.Open(d.img, d.block)
	if err != nil {
		return nil, syscall.EIO
	}
	if s == nil {
		return nil, syscall.ENOENT
	}
	return s, 0
}

func (d *SaveDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, 0, len(saveview.Entries))
	for _, e := range saveview.Entries {
		entries = append(entries, fuse.DirEntry{
			Name: e.String(),
			Mode: fuse.S_IFREG,
			Ino:  inodeID(2, uint8(d.block), e.String()),
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (d *SaveDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	e, ok := saveview.ParseEntry(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	save, errno := d.open()
	if errno != 0 {
		return nil, errno
	}

	out.Ino = inodeID(2, uint8(d.block), name)
	out.Size = uint64(save.EntrySize(e))
	return d.NewInode(ctx, &EntryFile{img: d.img, ro: d.ro, block: d.block, entry: e}, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  out.Ino,
	}), 0
}
