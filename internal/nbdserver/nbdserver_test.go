package nbdserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

type memDevice struct {
	data []byte
}

func (d *memDevice) Size() int64 { return int64(len(d.data)) }

func (d *memDevice) ReadAt(_ context.Context, off, length int64) ([]byte, error) {
	return append([]byte(nil), d.data[off:off+length]...), nil
}

func (d *memDevice) WriteAt(_ context.Context, off int64, data []byte) error {
	copy(d.data[off:], data)
	return nil
}

func clientServerPair(t *testing.T, dev *memDevice, readOnly bool) (client net.Conn, done <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	s := New(dev, readOnly, nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.serveConn(context.Background(), server)
		server.Close()
	}()
	return client, errCh
}

func readExact(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("readExact(%d): %v", n, err)
	}
	return buf
}

func TestHandshakeGoAndRead(t *testing.T) {
	dev := &memDevice{data: bytes.Repeat([]byte{0x7E}, 131072)}
	client, done := clientServerPair(t, dev, false)
	defer client.Close()

	magic := readExact(t, client, 16)
	if string(magic) != "NBDMAGICIHAVEOPT" {
		t.Fatalf("bad magic %q", magic)
	}
	flags := readExact(t, client, 2)
	if flags[0] != 0x00 || flags[1] != 0x03 {
		t.Fatalf("server flags = %x, want 00 03", flags)
	}

	// Client flags: FIXED_NEWSTYLE | NO_ZEROES (3)
	var cflags [4]byte
	binary.BigEndian.PutUint32(cflags[:], 3)
	if _, err := client.Write(cflags[:]); err != nil {
		t.Fatal(err)
	}

	// GO option, empty name, zero requests: body = name_len(0) + request_count(0)
	sendOption(t, client, optGo, append(make([]byte, 4), 0, 0))

	for i := 0; i < 3; i++ {
		assertOptionReply(t, client, optGo, replyInfo)
	}
	assertOptionReply(t, client, optGo, replyAck)

	// Transmission: READ 4096 bytes at offset 0.
	req := make([]byte, 28)
	binary.BigEndian.PutUint32(req[0:4], requestMagic)
	binary.BigEndian.PutUint16(req[4:6], 0)
	binary.BigEndian.PutUint16(req[6:8], cmdRead)
	copy(req[8:16], []byte("handle12"))
	binary.BigEndian.PutUint64(req[16:24], 0)
	binary.BigEndian.PutUint32(req[24:28], 4096)
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}

	replyHdr := readExact(t, client, 16)
	if m := binary.BigEndian.Uint32(replyHdr[0:4]); m != simpleReply {
		t.Fatalf("reply magic = %#x", m)
	}
	if e := binary.BigEndian.Uint32(replyHdr[4:8]); e != errNone {
		t.Fatalf("reply error = %d, want 0", e)
	}
	if string(replyHdr[8:16]) != "handle12" {
		t.Fatalf("handle mismatch: %q", replyHdr[8:16])
	}
	payload := readExact(t, client, 4096)
	if !bytes.Equal(payload, dev.data[:4096]) {
		t.Fatal("payload mismatch")
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server did not finish after client close")
	}
}

func TestWriteReadOnlyRejected(t *testing.T) {
	dev := &memDevice{data: make([]byte, 131072)}
	client, _ := clientServerPair(t, dev, true)
	defer client.Close()

	readExact(t, client, 18)
	var cflags [4]byte
	binary.BigEndian.PutUint32(cflags[:], 3)
	client.Write(cflags[:])

	sendOption(t, client, optGo, append(make([]byte, 4), 0, 0))
	for i := 0; i < 3; i++ {
		assertOptionReply(t, client, optGo, replyInfo)
	}
	assertOptionReply(t, client, optGo, replyAck)

	req := make([]byte, 28)
	binary.BigEndian.PutUint32(req[0:4], requestMagic)
	binary.BigEndian.PutUint16(req[6:8], cmdWrite)
	copy(req[8:16], []byte("wwwwwwww"))
	binary.BigEndian.PutUint64(req[16:24], 0)
	binary.BigEndian.PutUint32(req[24:28], 16)
	client.Write(req)
	client.Write(make([]byte, 16))

	replyHdr := readExact(t, client, 16)
	if e := binary.BigEndian.Uint32(replyHdr[4:8]); e != errPerm {
		t.Fatalf("reply error = %d, want EPERM(%d)", e, errPerm)
	}
}

func TestWriteTooBigBodyDiscardedAndRejected(t *testing.T) {
	dev := &memDevice{data: make([]byte, 131072)}
	client, done := clientServerPair(t, dev, false)
	defer client.Close()

	readExact(t, client, 18)
	var cflags [4]byte
	binary.BigEndian.PutUint32(cflags[:], 3)
	client.Write(cflags[:])

	sendOption(t, client, optGo, append(make([]byte, 4), 0, 0))
	for i := 0; i < 3; i++ {
		assertOptionReply(t, client, optGo, replyInfo)
	}
	assertOptionReply(t, client, optGo, replyAck)

	req := make([]byte, 28)
	binary.BigEndian.PutUint32(req[0:4], requestMagic)
	binary.BigEndian.PutUint16(req[6:8], cmdWrite)
	copy(req[8:16], []byte("toobig01"))
	binary.BigEndian.PutUint64(req[16:24], 0)
	binary.BigEndian.PutUint32(req[24:28], maxBlockSize+1)
	client.Write(req)
	client.Write(make([]byte, maxBlockSize+1))

	replyHdr := readExact(t, client, 16)
	if e := binary.BigEndian.Uint32(replyHdr[4:8]); e != errInval {
		t.Fatalf("reply error = %d, want EINVAL(%d)", e, errInval)
	}
	if !bytes.Equal(dev.data, make([]byte, 131072)) {
		t.Fatal("device was written to despite oversized request")
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server did not finish after client close")
	}
}

func sendOption(t *testing.T, conn net.Conn, opt int32, body []byte) {
	t.Helper()
	buf := make([]byte, 0, 16+len(body))
	buf = append(buf, magicOptionHead...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(opt))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	if _, err := conn.Write(buf); err != nil {
		t.Fatal(err)
	}
}

func assertOptionReply(t *testing.T, conn net.Conn, wantOpt int32, wantReply uint32) []byte {
	t.Helper()
	head := readExact(t, conn, len(magicOptionRepl)+4+4+4)
	if !bytes.Equal(head[:len(magicOptionRepl)], magicOptionRepl) {
		t.Fatalf("bad option-reply magic %x", head[:len(magicOptionRepl)])
	}
	off := len(magicOptionRepl)
	gotOpt := int32(binary.BigEndian.Uint32(head[off : off+4]))
	gotReply := binary.BigEndian.Uint32(head[off+4 : off+8])
	valLen := binary.BigEndian.Uint32(head[off+8 : off+12])
	if gotOpt != wantOpt {
		t.Fatalf("option = %d, want %d", gotOpt, wantOpt)
	}
	if gotReply != wantReply {
		t.Fatalf("reply type = %d, want %d", gotReply, wantReply)
	}
	if valLen == 0 {
		return nil
	}
	return readExact(t, conn, int(valLen))
}
