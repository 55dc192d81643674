// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package authcache is an append-only on-disk cache mapping a PS2
// authentication seed to the three response values the oracle returned
// for it, so repeated seeds never need a network round trip.
package authcache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// CacheCorruptError reports a short (partial) trailing record found
// during replay.
type CacheCorruptError struct{ Offset int64 }

func (e *CacheCorruptError) Error() string {
	return fmt.Sprintf("authcache: truncated record at offset %d", e.Offset)
}

// Cache is a replay-once, append-on-write key/value store. Keys and
// values are arbitrary byte strings; a key always carries exactly 3
// values in this domain, but the on-disk format stores whatever count
// was written.
type Cache struct {
	mu       sync.Mutex
	f        *os.File
	readOnly bool
	entries  map[string][][]byte
	offset   int64 // append position
}

// Open replays every record in path into memory, then keeps the file
// open for appends unless readOnly is set. A missing file is created
// empty at Open; with readOnly set, a missing file makes Open fail.
func Open(path string, readOnly bool) (*Cache, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("authcache: opening %s: %w", path, err)
	}

	c := &Cache{
		f:        f,
		readOnly: readOnly,
		entries:  make(map[string][][]byte),
	}
	if err := c.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) replay() error {
	r := bufio.NewReader(c.f)
	var offset int64

	for {
		key, values, n, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return &CacheCorruptError{Offset: offset}
		}
		c.entries[string(key)] = values
		offset += n
	}
	c.offset = offset
	return nil
}

func readRecord(r *bufio.Reader) (key []byte, values [][]byte, n int64, err error) {
	keyLen, err := readI16BE(r)
	if err != nil {
		return nil, nil, 0, err
	}
	n += 2

	key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, nil, 0, io.ErrUnexpectedEOF
	}
	n += int64(keyLen)

	count, err := readI16BE(r)
	if err != nil {
		return nil, nil, 0, io.ErrUnexpectedEOF
	}
	n += 2

	values = make([][]byte, count)
	for i := range values {
		itemLen, err := readI16BE(r)
		if err != nil {
			return nil, nil, 0, io.ErrUnexpectedEOF
		}
		n += 2

		item := make([]byte, itemLen)
		if _, err := io.ReadFull(r, item); err != nil {
			return nil, nil, 0, io.ErrUnexpectedEOF
		}
		n += int64(itemLen)
		values[i] = item
	}
	return key, values, n, nil
}

// readI16BE reads one big-endian uint16 and reports io.EOF only when it
// fails on the very first byte (a clean end of file), distinguishing it
// from a record truncated partway through.
func readI16BE(r *bufio.Reader) (uint16, error) {
	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if n == 0 && err == io.EOF {
		return 0, io.EOF
	}
	if err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// Get returns the cached values for key, if any.
func (c *Cache) Get(key []byte) ([][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[string(key)]
	return v, ok
}

// ErrReadOnly is returned by [Cache.Set] on a cache opened read-only.
var ErrReadOnly = fmt.Errorf("authcache: cache is read-only")

// Set appends a new record for key and updates the in-memory view;
// on replay, the last record written for a key wins.
func (c *Cache) Set(key []byte, values [][]byte) error {
	if c.readOnly {
		return ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var buf []byte
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(key)))
	buf = append(buf, key...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(values)))
	for _, v := range values {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
		buf = append(buf, v...)
	}

	if _, err := c.f.WriteAt(buf, c.offset); err != nil {
		return fmt.Errorf("authcache: append: %w", err)
	}
	if err := c.f.Sync(); err != nil {
		return fmt.Errorf("authcache: flush: %w", err)
	}

	c.offset += int64(len(buf))
	stored := make([][]byte, len(values))
	copy(stored, values)
	c.entries[string(key)] = stored
	return nil
}

// Stats reports the number of distinct keys and the current append
// offset.
type Stats struct {
	Records int
	Offset  int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Records: len(c.entries), Offset: c.offset}
}

// Close closes the underlying file.
func (c *Cache) Close() error {
	return c.f.Close()
}
