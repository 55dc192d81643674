// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package authoracle talks to the PS2 authentication oracle, a small
// network service that answers the 9-byte challenge a card reader
// presents during its authentication dance. Answers are cached on disk
// so a seed already seen never needs a second round trip.
package authoracle

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ps1mc/mcnbd/internal/authcache"
)

const seedLen = 9

// BadSeedLenError reports a seed whose length is not exactly 9 bytes.
type BadSeedLenError struct{ Got int }

func (e *BadSeedLenError) Error() string {
	return fmt.Sprintf("authoracle: seed length %d, want %d", e.Got, seedLen)
}

const (
	requestPrefix = "\x55\x5a\x0e\x00\xff\xff\xff\x2b"
	requestSuffix = "\xff"
	responseLen   = 18
)

// Client authenticates PS2 seeds, consulting a cache before ever
// dialing the network, and dialing at most once.
type Client struct {
	cache *authcache.Cache
	addr  string // empty means degraded (no oracle configured)
	dial  singleflight.Group
	conn  atomic.Pointer[net.Conn]
}

// New builds a Client backed by cache. If addr is empty, Authenticate
// runs in the degraded variant: a one-second sleep followed by
// zero-filled values, never touching the network.
func New(cache *authcache.Cache, addr string) *Client {
	return &Client{cache: cache, addr: addr}
}

// Authenticate returns the three 9-byte values the oracle (or cache)
// associates with seed.
func (c *Client) Authenticate(ctx context.Context, seed []byte) (v0, v1, v2 [9]byte, err error) {
	if len(seed) != seedLen {
		return v0, v1, v2, &BadSeedLenError{Got: len(seed)}
	}

	if cached, ok := c.cache.Get(seed); ok && len(cached) == 3 {
		copy(v0[:], cached[0])
		copy(v1[:], cached[1])
		copy(v2[:], cached[2])
		return v0, v1, v2, nil
	}

	var values [3][9]byte
	if c.addr == "" {
		values, err = c.degraded(ctx)
	} else {
		values, err = c.queryOracle(ctx, seed)
	}
	if err != nil {
		return v0, v1, v2, err
	}

	if err := c.cache.Set(seed, [][]byte{values[0][:], values[1][:], values[2][:]}); err != nil && err != authcache.ErrReadOnly {
		return v0, v1, v2, err
	}

	return values[0], values[1], values[2], nil
}

func (c *Client) degraded(ctx context.Context) ([3][9]byte, error) {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return [3][9]byte{}, ctx.Err()
	}
	return [3][9]byte{}, nil
}

// dialOnce lazily establishes the single TCP connection to the oracle,
// deduplicating concurrent first callers with singleflight so only one
// of them actually dials; later calls reuse the stored connection.
func (c *Client) dialOnce(ctx context.Context) (net.Conn, error) {
	if p := c.conn.Load(); p != nil {
		return *p, nil
	}

	v, err, _ := c.dial.Do("dial", func() (interface{}, error) {
		if p := c.conn.Load(); p != nil {
			return *p, nil
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return nil, err
		}
		c.conn.Store(&conn)
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authoracle: dialing %s: %w", c.addr, err)
	}
	return v.(net.Conn), nil
}

func (c *Client) queryOracle(ctx context.Context, seed []byte) ([3][9]byte, error) {
	conn, err := c.dialOnce(ctx)
	if err != nil {
		return [3][9]byte{}, err
	}

	req := make([]byte, 0, 20)
	req = append(req, requestPrefix...)
	req = append(req, seed...)
	req = append(req, requestSuffix...)

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if _, err := conn.Write(req); err != nil {
		return [3][9]byte{}, fmt.Errorf("authoracle: writing request: %w", err)
	}

	var resp [3 * responseLen]byte
	if _, err := readFull(conn, resp[:]); err != nil {
		return [3][9]byte{}, fmt.Errorf("authoracle: reading response: %w", err)
	}

	var values [3][9]byte
	for i := range values {
		frame := resp[i*responseLen : (i+1)*responseLen]
		copy(values[i][:], frame[7:16])
	}
	return values, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
