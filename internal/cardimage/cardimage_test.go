package cardimage

import (
	"encoding/binary"
	"testing"
)

// memBacking is a trivial in-memory [Backing] for tests.
type memBacking []byte

func (m memBacking) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m[off:])
	return n, nil
}

func (m memBacking) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m[off:], p)
	return n, nil
}

func blankCard(t *testing.T) *Image {
	t.Helper()
	buf := make(memBacking, Size)
	buf[0], buf[1] = 'M', 'C'
	// Headers 1..15 are all zero and already XOR to zero; header 0
	// needs its XOR byte set to cancel out "MC".
	buf[headerEntrySize-1] = 'M' ^ 'C'
	img, err := Open(buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return img
}

func TestBlankCardInit(t *testing.T) {
	img := blankCard(t)

	m, err := img.LinkMap()
	if err != nil {
		t.Fatalf("LinkMap: %v", err)
	}
	if len(m) != 0 {
		t.Fatalf("expected empty link map, got %v", m)
	}
}

func TestSingleBlockSave(t *testing.T) {
	img := blankCard(t)

	if err := img.CreateSave(1); err != nil {
		t.Fatalf("CreateSave: %v", err)
	}

	status, err := img.HeaderStatus(1)
	if err != nil {
		t.Fatal(err)
	}
	if status != 0x51 {
		t.Fatalf("status = %#x, want 0x51", status)
	}

	size, err := img.HeaderSize(1)
	if err != nil {
		t.Fatal(err)
	}
	if size != BlockLength {
		t.Fatalf("size = %#x, want %#x", size, BlockLength)
	}

	if err := img.CheckHeader(1); err != nil {
		t.Fatalf("CheckHeader: %v", err)
	}

	m, err := img.LinkMap()
	if err != nil {
		t.Fatal(err)
	}
	if state, ok := m[1]; !ok || state.Kind != LinkHead {
		t.Fatalf("link map = %v, want block 1 as head", m)
	}
}

func TestMultiBlockChain(t *testing.T) {
	img := blankCard(t)

	if err := img.CreateSave(1); err != nil {
		t.Fatal(err)
	}
	if err := img.AppendBlock(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := img.AppendBlock(1, 3); err != nil {
		t.Fatal(err)
	}

	size, err := img.HeaderSize(1)
	if err != nil {
		t.Fatal(err)
	}
	if size != 3*BlockLength {
		t.Fatalf("size = %#x, want %#x", size, 3*BlockLength)
	}

	chain, err := img.ResolveChain(1)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 2, 3}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("chain = %v, want %v", chain, want)
		}
	}

	var successors []int
	w := img.IterChained(1)
	for {
		next, ok := w.Next()
		if !ok {
			break
		}
		successors = append(successors, next)
	}
	if w.Err() != nil {
		t.Fatalf("IterChained: %v", w.Err())
	}
	if len(successors) != 2 || successors[0] != 2 || successors[1] != 3 {
		t.Fatalf("successors = %v, want [2 3]", successors)
	}
}

func TestCreateThenDeleteRestoresLinkMap(t *testing.T) {
	img := blankCard(t)

	before, err := img.LinkMap()
	if err != nil {
		t.Fatal(err)
	}

	if err := img.CreateSave(1); err != nil {
		t.Fatal(err)
	}
	if err := img.DeleteSave(1); err != nil {
		t.Fatal(err)
	}

	after, err := img.LinkMap()
	if err != nil {
		t.Fatal(err)
	}

	if len(before) != len(after) {
		t.Fatalf("link map changed across create/delete: before=%v after=%v", before, after)
	}
}

func TestCreateSaveAlreadyAllocated(t *testing.T) {
	img := blankCard(t)
	if err := img.CreateSave(1); err != nil {
		t.Fatal(err)
	}
	err := img.CreateSave(1)
	if _, ok := err.(*AlreadyAllocatedError); !ok {
		t.Fatalf("err = %v, want *AlreadyAllocatedError", err)
	}
}

func TestDeleteSaveNotAllocated(t *testing.T) {
	img := blankCard(t)
	err := img.DeleteSave(1)
	if _, ok := err.(*NotAllocatedError); !ok {
		t.Fatalf("err = %v, want *NotAllocatedError", err)
	}
}

func TestChainLoopDetected(t *testing.T) {
	img := blankCard(t)
	if err := img.CreateSave(1); err != nil {
		t.Fatal(err)
	}
	// Corrupt the chain by hand: make block 1 point at itself.
	if err := img.mutateHeader(1, func(h *[headerEntrySize]byte) {
		h[0x00] = 0x53 // used|linked so it is not mistaken for a head
		binary.LittleEndian.PutUint16(h[0x08:], 0) // next = block 1
	}); err != nil {
		t.Fatal(err)
	}

	_, err := img.ResolveChain(1)
	if err == nil {
		t.Fatal("expected ErrChainLoop, got nil")
	}
}
