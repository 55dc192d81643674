// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package nbdserver implements the server half of the NBD (Network
// Block Device) newstyle-fixed wire protocol, backed by a [Device]
// that may be serviced serially by an intrinsically single-owner
// resource such as a USB card reader.
package nbdserver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Device is the block device backing the export.
type Device interface {
	ReadAt(ctx context.Context, off, length int64) ([]byte, error)
	WriteAt(ctx context.Context, off int64, data []byte) error
	Size() int64
}

const (
	maxBlockSize = 1 << 25 // MAX_BLOCK_SIZE
	pageSize     = 4096

	maxOptionLen = 1024
)

var (
	magicIHaveOpt   = []byte("NBDMAGICIHAVEOPT")
	magicOptionHead = []byte("IHAVEOPT")
	magicOptionRepl = []byte{0x00, 0x03, 0xe8, 0x89, 0x04, 0x55, 0x65, 0xa9}
)

const (
	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1
)

const (
	optExportName = 1
	optAbort      = 2
	optList       = 3
	optInfo       = 6
	optGo         = 7
)

const (
	replyAck       = 1
	replyServer    = 2
	replyInfo      = 3
	replyErrUnsup  = 1<<31 | 1
	replyErrTooBig = 1<<31 | 9
)

const (
	infoExport    = 0
	infoName      = 1
	infoBlockSize = 3
)

const (
	transFlagHasFlags = 1 << 0
	transFlagReadOnly = 1 << 1
	transFlagCanMulti = 1 << 8
)

const (
	cmdRead  = 0
	cmdWrite = 1
	cmdDisc  = 2
)

const (
	requestMagic = 0x25609513
	simpleReply  = 0x67446698
)

// Server serves one exported Device to any number of concurrently
// connected NBD clients, servicing commands serially across all
// connections — the spec's "single-threaded cooperative I/O"
// scheduling model, appropriate for a USB reader as the real backing
// resource.
type Server struct {
	dev      Device
	readOnly bool
	log      *slog.Logger

	mu sync.Mutex // serializes every command across every connection
}

// New builds a Server exporting dev.
func New(dev Device, readOnly bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dev: dev, readOnly: readOnly, log: logger}
}

// Serve accepts connections on ln until ctx is canceled, running each
// connection in its own goroutine under an errgroup whose context is
// handed to every connection. Cancellation closes ln and Serve then
// returns nil; it does not wait for connections that are still open.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("nbdserver: accept: %w", err)
		}
		g.Go(func() error {
			defer conn.Close()
			if err := s.serveConn(ctx, conn); err != nil && !errors.Is(err, io.EOF) {
				s.log.Warn("nbd connection ended", "remote", conn.RemoteAddr(), "error", err)
			}
			return nil
		})
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	proceed, err := s.handshake(conn)
	if err != nil {
		return err
	}
	if !proceed {
		return nil // client aborted, or LIST-only session, before transmission
	}
	return s.transmit(ctx, conn)
}
