package authcache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_cache.bin")

	c, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	key := []byte("123456789")
	values := [][]byte{
		bytes.Repeat([]byte{0}, 9),
		bytes.Repeat([]byte{0}, 9),
		bytes.Repeat([]byte{0}, 9),
	}
	if err := c.Set(key, values); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := c2.Get(key)
	if !ok {
		t.Fatal("expected cache hit after reopen")
	}
	for i := range values {
		if !bytes.Equal(got[i], values[i]) {
			t.Fatalf("value %d = %v, want %v", i, got[i], values[i])
		}
	}
}

func TestLastWriteWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_cache.bin")

	c, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	key := []byte("seed")
	v1 := [][]byte{{1}, {1}, {1}}
	v2 := [][]byte{{2}, {2}, {2}}

	if err := c.Set(key, v1); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(key, v2); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c2, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := c2.Get(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if got[0][0] != 2 {
		t.Fatalf("got %v, want last-write-wins value 2", got)
	}
}

func TestReadOnlyRejectsSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_cache.bin")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Set([]byte("k"), [][]byte{{1}, {1}, {1}}); err != ErrReadOnly {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestTruncatedRecordIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_cache.bin")
	// key_len=3 "abc" value_count=3 but only one length prefix, no body.
	broken := []byte{0x00, 0x03, 'a', 'b', 'c', 0x00, 0x03, 0x00, 0x09}
	if err := os.WriteFile(path, broken, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path, true)
	if _, ok := err.(*CacheCorruptError); !ok {
		t.Fatalf("err = %v, want *CacheCorruptError", err)
	}
}
