package authoracle

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ps1mc/mcnbd/internal/authcache"
)

func newCache(t *testing.T) *authcache.Cache {
	t.Helper()
	c, err := authcache.Open(filepath.Join(t.TempDir(), "auth_cache.bin"), false)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestBadSeedLen(t *testing.T) {
	c := New(newCache(t), "")
	_, _, _, err := c.Authenticate(context.Background(), []byte("short"))
	if _, ok := err.(*BadSeedLenError); !ok {
		t.Fatalf("err = %v, want *BadSeedLenError", err)
	}
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	cache := newCache(t)
	seed := []byte("123456789")
	want := [][]byte{
		bytes.Repeat([]byte{9}, 9),
		bytes.Repeat([]byte{8}, 9),
		bytes.Repeat([]byte{7}, 9),
	}
	if err := cache.Set(seed, want); err != nil {
		t.Fatal(err)
	}

	c := New(cache, "127.0.0.1:1") // would fail to dial if ever touched
	v0, v1, v2, err := c.Authenticate(context.Background(), seed)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !bytes.Equal(v0[:], want[0]) || !bytes.Equal(v1[:], want[1]) || !bytes.Equal(v2[:], want[2]) {
		t.Fatalf("got %v %v %v, want %v", v0, v1, v2, want)
	}
}

func TestDegradedVariant(t *testing.T) {
	c := New(newCache(t), "")
	start := time.Now()
	v0, v1, v2, err := c.Authenticate(context.Background(), []byte("123456789"))
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("degraded variant returned too quickly: %v", elapsed)
	}
	var zero [9]byte
	if v0 != zero || v1 != zero || v2 != zero {
		t.Fatalf("expected zero-filled values, got %v %v %v", v0, v1, v2)
	}
}

func TestQueryOracleParsesResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	seed := []byte("123456789")
	want := [3][9]byte{
		{1, 1, 1, 1, 1, 1, 1, 1, 1},
		{2, 2, 2, 2, 2, 2, 2, 2, 2},
		{3, 3, 3, 3, 3, 3, 3, 3, 3},
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req := make([]byte, 20)
		if _, err := readFull(conn, req); err != nil {
			return
		}
		if !bytes.Equal(req[8:17], seed) {
			return
		}

		for _, v := range want {
			frame := make([]byte, 18)
			copy(frame[7:16], v[:])
			conn.Write(frame)
		}
	}()

	c := New(newCache(t), ln.Addr().String())
	v0, v1, v2, err := c.Authenticate(context.Background(), seed)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if v0 != want[0] || v1 != want[1] || v2 != want[2] {
		t.Fatalf("got %v %v %v, want %v", v0, v1, v2, want)
	}
}
