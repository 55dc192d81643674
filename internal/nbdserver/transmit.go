package nbdserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	errNone    = 0
	errPerm    = 1
	errIO      = 5
	errNoSpace = 28
	errInval   = 22
	errNotSup  = 95
)

// flagDF is the one request-flag bit the spec recognizes (structured
// replies' "don't fragment"); we never negotiate structured replies,
// so any READ carrying it is rejected.
const flagDF = 1 << 0

func (s *Server) transmit(ctx context.Context, conn net.Conn) error {
	var hdr [28]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("nbdserver: reading request: %w", err)
		}

		magic := binary.BigEndian.Uint32(hdr[0:4])
		if magic != requestMagic {
			return fmt.Errorf("nbdserver: bad request magic %#x", magic)
		}
		flags := binary.BigEndian.Uint16(hdr[4:6])
		command := binary.BigEndian.Uint16(hdr[6:8])
		handle := hdr[8:16]
		offset := binary.BigEndian.Uint64(hdr[16:24])
		length := binary.BigEndian.Uint32(hdr[24:28])

		if flags&^flagDF != 0 {
			if err := writeSimpleReply(conn, errNotSup, handle, nil); err != nil {
				return err
			}
			continue
		}

		switch command {
		case cmdRead:
			if err := s.handleRead(ctx, conn, flags, handle, int64(offset), length); err != nil {
				return err
			}
		case cmdWrite:
			if err := s.handleWrite(ctx, conn, handle, int64(offset), length); err != nil {
				return err
			}
		case cmdDisc:
			return nil
		default:
			if err := writeSimpleReply(conn, errNotSup, handle, nil); err != nil {
				return err
			}
			return nil
		}
	}
}

func (s *Server) handleRead(ctx context.Context, conn net.Conn, flags uint16, handle []byte, offset int64, length uint32) error {
	if flags&flagDF != 0 {
		return writeSimpleReply(conn, errNotSup, handle, nil)
	}
	if length > maxBlockSize {
		return writeSimpleReply(conn, errInval, handle, nil)
	}

	s.mu.Lock()
	data, err := s.dev.ReadAt(ctx, offset, int64(length))
	s.mu.Unlock()

	if err != nil || uint32(len(data)) != length {
		return writeSimpleReply(conn, errIO, handle, nil)
	}
	return writeSimpleReply(conn, errNone, handle, data)
}

func (s *Server) handleWrite(ctx context.Context, conn net.Conn, handle []byte, offset int64, length uint32) error {
	if length > maxBlockSize {
		if err := discardBody(conn, length); err != nil {
			return err
		}
		return writeSimpleReply(conn, errInval, handle, nil)
	}

	if s.readOnly {
		if err := discardBody(conn, length); err != nil {
			return err
		}
		return writeSimpleReply(conn, errPerm, handle, nil)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return fmt.Errorf("nbdserver: reading write body: %w", err)
	}

	s.mu.Lock()
	err := s.dev.WriteAt(ctx, offset, body)
	s.mu.Unlock()

	if err != nil {
		return writeSimpleReply(conn, errIO, handle, nil)
	}
	return writeSimpleReply(conn, errNone, handle, nil)
}

func discardBody(conn net.Conn, length uint32) error {
	_, err := io.CopyN(io.Discard, conn, int64(length))
	return err
}

func writeSimpleReply(conn net.Conn, errCode uint32, handle []byte, payload []byte) error {
	buf := make([]byte, 0, 4+4+8+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, simpleReply)
	buf = binary.BigEndian.AppendUint32(buf, errCode)
	buf = append(buf, handle...)
	buf = append(buf, payload...)
	_, err := conn.Write(buf)
	return err
}
