package cardfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ps1mc/mcnbd/internal/cardimage"
	"github.com/ps1mc/mcnbd/internal/saveview"
)

// EntryFile is a depth-2 "NN/entry" regular file backing one of a
// save's fixed entries.
type EntryFile struct {
	fs.Inode
	img   *cardimage.Image
	ro    bool
	block int
	entry saveview.Entry
}

var (
	_ fs.NodeGetattrer = (*EntryFile)(nil)
	_ fs.NodeReader    = (*EntryFile)(nil)
	_ fs.NodeWriter    = (*EntryFile)(nil)
	_ fs.NodeOpener    = (*EntryFile)(nil)
)

func (f *EntryFile) open() (*saveview.Save, syscall.Errno) {
	s, err := saveview.Open(f.img, f.block)
	if err != nil {
		return nil, syscall.EIO
	}
	if s == nil {
		return nil, syscall.ENOENT
	}
	return s, 0
}

func (f *EntryFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if f.ro && flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *EntryFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	save, errno := f.open()
	if errno != 0 {
		return errno
	}
	out.Mode = syscall.S_IFREG | 0644
	out.Size = uint64(save.EntrySize(f.entry))
	return 0
}

func (f *EntryFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	save, errno := f.open()
	if errno != 0 {
		return nil, errno
	}
	data, err := save.Read(f.entry, len(dest), int(off))
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(data), 0
}

func (f *EntryFile) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if f.ro {
		return 0, syscall.EROFS
	}
	save, errno := f.open()
	if errno != 0 {
		return 0, errno
	}
	n, err := save.Write(f.entry, data, int(off))
	if err == saveview.ErrFileTooBig {
		return 0, syscall.EFBIG
	}
	if err != nil {
		return 0, syscall.EIO
	}
	return uint32(n), 0
}
