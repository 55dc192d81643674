package saveview

import (
	"bytes"
	"testing"

	"github.com/ps1mc/mcnbd/internal/cardimage"
)

type memBacking []byte

func (m memBacking) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m[off:]), nil
}

func (m memBacking) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

func blankImage(t *testing.T) *cardimage.Image {
	t.Helper()
	buf := make(memBacking, cardimage.Size)
	buf[0], buf[1] = 'M', 'C'
	img, err := cardimage.Open(buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return img
}

func TestOpenNonHeadReturnsNil(t *testing.T) {
	img := blankImage(t)
	s, err := Open(img, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s != nil {
		t.Fatalf("expected nil save for unallocated block, got %v", s)
	}
}

func TestSaveEntriesRoundTrip(t *testing.T) {
	img := blankImage(t)
	if err := img.CreateSave(1); err != nil {
		t.Fatal(err)
	}
	if err := img.AppendBlock(1, 2); err != nil {
		t.Fatal(err)
	}

	s, err := Open(img, 1)
	if err != nil {
		t.Fatal(err)
	}
	if s == nil {
		t.Fatal("expected a save")
	}

	if got, want := s.EntrySize(EntryData), 2*cardimage.BlockLength; got != want {
		t.Fatalf("EntrySize(data) = %d, want %d", got, want)
	}

	region := []byte{'E'}
	if _, err := s.Write(EntryRegion, region, 0); err != nil {
		t.Fatalf("Write(region): %v", err)
	}
	got, err := s.Read(EntryRegion, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, region) {
		t.Fatalf("Read(region) = %v, want %v", got, region)
	}

	product := []byte("BESCES-012")
	if _, err := s.Write(EntryProductCode, product, 0); err != nil {
		t.Fatalf("Write(product_code): %v", err)
	}
	got, err = s.Read(EntryProductCode, len(product), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, product) {
		t.Fatalf("Read(product_code) = %q, want %q", got, product)
	}

	if err := img.CheckHeader(1); err != nil {
		t.Fatalf("CheckHeader after writes: %v", err)
	}

	payload := bytes.Repeat([]byte{0x42}, cardimage.BlockLength+10)
	n, err := s.Write(EntryData, payload, 100)
	if err != nil {
		t.Fatalf("Write(data): %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}

	readBack, err := s.Read(EntryData, len(payload), 100)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readBack, payload) {
		t.Fatal("data readback mismatch across block boundary")
	}
}

func TestWritePastEndRefused(t *testing.T) {
	img := blankImage(t)
	if err := img.CreateSave(1); err != nil {
		t.Fatal(err)
	}
	s, err := Open(img, 1)
	if err != nil || s == nil {
		t.Fatalf("Open: %v, %v", s, err)
	}

	_, err = s.Write(EntryData, []byte{1, 2, 3}, cardimage.BlockLength-1)
	if err != ErrFileTooBig {
		t.Fatalf("err = %v, want ErrFileTooBig", err)
	}
}

func TestSizeMismatch(t *testing.T) {
	img := blankImage(t)
	if err := img.CreateSave(1); err != nil {
		t.Fatal(err)
	}
	// Corrupt the declared size directly.
	if err := img.MutateEntry(1, func(h *[128]byte) {
		h[0x04] = 0xFF
	}); err != nil {
		t.Fatal(err)
	}

	_, err := Open(img, 1)
	if _, ok := err.(*SizeMismatchError); !ok {
		t.Fatalf("err = %v, want *SizeMismatchError", err)
	}
}

func TestParseEntry(t *testing.T) {
	for _, e := range Entries {
		got, ok := ParseEntry(e.String())
		if !ok || got != e {
			t.Fatalf("ParseEntry(%q) = %v, %v; want %v, true", e.String(), got, ok, e)
		}
	}
	if _, ok := ParseEntry("bogus"); ok {
		t.Fatal("ParseEntry(bogus) should fail")
	}
}
