package nbdserver

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// handshake runs the newstyle-fixed handshake. It returns proceed=true
// if the connection should continue into the transmission phase
// (EXPORT_NAME or GO was received), false if the client aborted or
// asked for a LIST-only session.
func (s *Server) handshake(conn net.Conn) (proceed bool, err error) {
	serverFlags := uint16(flagFixedNewstyle | flagNoZeroes)

	if _, err := conn.Write(magicIHaveOpt); err != nil {
		return false, fmt.Errorf("nbdserver: writing handshake magic: %w", err)
	}
	if err := writeUint16(conn, serverFlags); err != nil {
		return false, err
	}

	var clientFlagsRaw [4]byte
	if _, err := io.ReadFull(conn, clientFlagsRaw[:]); err != nil {
		return false, fmt.Errorf("nbdserver: reading client flags: %w", err)
	}
	clientFlags := binary.BigEndian.Uint32(clientFlagsRaw[:])
	if clientFlags&^0x3 != 0 {
		return false, fmt.Errorf("nbdserver: unknown client flag bits %#x", clientFlags)
	}
	fixedNewstyle := clientFlags&flagFixedNewstyle != 0
	noZeroes := clientFlags&flagNoZeroes != 0

	if !fixedNewstyle {
		return s.legacyExportName(conn)
	}

	for {
		opt, body, err := readOption(conn)
		if err != nil {
			return false, err
		}
		if opt == -1 {
			// oversized option: body left unread, ERR_TOO_BIG already sent
			continue
		}

		switch opt {
		case optExportName:
			if len(body) != 0 {
				return false, fmt.Errorf("nbdserver: EXPORT_NAME with non-empty name unsupported")
			}
			if !noZeroes {
				var zero [124]byte
				if _, err := conn.Write(zero[:]); err != nil {
					return false, err
				}
			}
			return true, nil

		case optAbort:
			if err := s.sendOptionReply(conn, opt, replyAck, nil); err != nil {
				return false, err
			}
			return false, nil

		case optList:
			if err := s.sendOptionReply(conn, opt, replyServer, encodeServerRecord("")); err != nil {
				return false, err
			}
			if err := s.sendOptionReply(conn, opt, replyAck, nil); err != nil {
				return false, err
			}

		case optInfo, optGo:
			if len(body) < 4 {
				return false, fmt.Errorf("nbdserver: malformed INFO/GO option")
			}
			nameLen := binary.BigEndian.Uint32(body[0:4])
			if nameLen != 0 {
				return false, fmt.Errorf("nbdserver: only the empty export name is supported")
			}

			if err := s.sendInfoReplies(conn, opt); err != nil {
				return false, err
			}
			if err := s.sendOptionReply(conn, opt, replyAck, nil); err != nil {
				return false, err
			}
			if opt == optGo {
				return true, nil
			}

		default:
			if err := s.sendOptionReply(conn, opt, replyErrUnsup, nil); err != nil {
				return false, err
			}
		}
	}
}

// legacyExportName handles the oldstyle path: the client is expected
// to send exactly one EXPORT_NAME option body with no option header,
// per the pre-fixed-newstyle protocol.
func (s *Server) legacyExportName(conn net.Conn) (bool, error) {
	var nameLen [4]byte
	if _, err := io.ReadFull(conn, nameLen[:]); err != nil {
		return false, fmt.Errorf("nbdserver: reading legacy export name length: %w", err)
	}
	n := binary.BigEndian.Uint32(nameLen[:])
	if n != 0 {
		return false, fmt.Errorf("nbdserver: only the empty export name is supported")
	}
	var zero [124]byte
	if _, err := conn.Write(zero[:]); err != nil {
		return false, err
	}
	return true, nil
}

// readOption reads one IHAVEOPT-prefixed option. It returns opt=-1 if
// the option body exceeded maxOptionLen, having already replied
// ERR_TOO_BIG; the body is neither read nor discarded and stays on the
// connection.
func readOption(conn net.Conn) (opt int32, body []byte, err error) {
	var head [16]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return 0, nil, fmt.Errorf("nbdserver: reading option header: %w", err)
	}
	if string(head[:8]) != string(magicOptionHead) {
		return 0, nil, fmt.Errorf("nbdserver: bad option magic")
	}
	optVal := int32(binary.BigEndian.Uint32(head[8:12]))
	length := binary.BigEndian.Uint32(head[12:16])

	if length > maxOptionLen {
		if err := writeOptionReply(conn, optVal, replyErrTooBig, nil); err != nil {
			return 0, nil, err
		}
		return -1, nil, nil
	}

	body = make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, nil, fmt.Errorf("nbdserver: reading option body: %w", err)
	}
	return optVal, body, nil
}

func (s *Server) sendOptionReply(conn net.Conn, opt int32, status uint32, value []byte) error {
	return writeOptionReply(conn, opt, status, value)
}

func writeOptionReply(conn net.Conn, opt int32, status uint32, value []byte) error {
	buf := make([]byte, 0, len(magicOptionRepl)+4+4+4+len(value))
	buf = append(buf, magicOptionRepl...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(opt))
	buf = binary.BigEndian.AppendUint32(buf, status)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)))
	buf = append(buf, value...)
	_, err := conn.Write(buf)
	return err
}

func encodeServerRecord(name string) []byte {
	buf := make([]byte, 0, 4+len(name))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(name)))
	buf = append(buf, name...)
	return buf
}

func (s *Server) sendInfoReplies(conn net.Conn, opt int32) error {
	var transFlags uint16 = transFlagHasFlags | transFlagCanMulti
	if s.readOnly {
		transFlags |= transFlagReadOnly
	}

	exportInfo := make([]byte, 0, 2+8+2)
	exportInfo = binary.BigEndian.AppendUint16(exportInfo, infoExport)
	exportInfo = binary.BigEndian.AppendUint64(exportInfo, uint64(s.dev.Size()))
	exportInfo = binary.BigEndian.AppendUint16(exportInfo, transFlags)
	if err := s.sendOptionReply(conn, opt, replyInfo, exportInfo); err != nil {
		return err
	}

	nameInfo := make([]byte, 0, 2)
	nameInfo = binary.BigEndian.AppendUint16(nameInfo, infoName)
	if err := s.sendOptionReply(conn, opt, replyInfo, nameInfo); err != nil {
		return err
	}

	blockInfo := make([]byte, 0, 2+4+4+4)
	blockInfo = binary.BigEndian.AppendUint16(blockInfo, infoBlockSize)
	blockInfo = binary.BigEndian.AppendUint32(blockInfo, 1)
	blockInfo = binary.BigEndian.AppendUint32(blockInfo, pageSize)
	blockInfo = binary.BigEndian.AppendUint32(blockInfo, maxBlockSize)
	return s.sendOptionReply(conn, opt, replyInfo, blockInfo)
}

func writeUint16(conn net.Conn, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := conn.Write(buf[:])
	return err
}
