//go:build unix

package cardimage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MmapBacking is a [Backing] over a memory-mapped card image file,
// shared with the kernel page cache. Writes must be flushed with
// [MmapBacking.Close] before the process exits.
type MmapBacking struct {
	data []byte
}

// OpenMmap memory-maps path (which must already be exactly [Size]
// bytes) read-write, or read-only if ro is set.
func OpenMmap(path string, ro bool) (*MmapBacking, error) {
	flag := os.O_RDWR
	prot := unix.PROT_READ | unix.PROT_WRITE
	if ro {
		flag = os.O_RDONLY
		prot = unix.PROT_READ
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("cardimage: opening %s: %w", path, err)
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, Size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("cardimage: mmap %s: %w", path, err)
	}
	return &MmapBacking{data: data}, nil
}

func (m *MmapBacking) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, fmt.Errorf("cardimage: mmap read out of range at %d", off)
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *MmapBacking) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("cardimage: mmap write out of range at %d", off)
	}
	n := copy(m.data[off:], p)
	return n, nil
}

// Sync flushes the mapping to the backing file with msync.
func (m *MmapBacking) Sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

// Close flushes and unmaps.
func (m *MmapBacking) Close() error {
	if err := m.Sync(); err != nil {
		return err
	}
	return unix.Munmap(m.data)
}
