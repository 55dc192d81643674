package cardfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Symlink is a depth-1 node for a chained (non-head) block, pointing
// at its head's block name.
type Symlink struct {
	fs.Inode
	target string
}

var _ fs.NodeReadlinker = (*Symlink)(nil)

func (s *Symlink) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(s.target), 0
}

// OrphanFile is a depth-1 node for a used|linked block that no head's
// chain reaches: presented as an empty regular file rather than a
// symlink, since there is no head to point at.
type OrphanFile struct {
	fs.Inode
}

var _ fs.NodeGetattrer = (*OrphanFile)(nil)

func (o *OrphanFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0444
	return 0
}
