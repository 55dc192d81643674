// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Command mcnbd serves a USB-attached PS1/PS2 memory card as an NBD
// block device.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ps1mc/mcnbd/internal/authcache"
	"github.com/ps1mc/mcnbd/internal/authoracle"
	"github.com/ps1mc/mcnbd/internal/nbdserver"
	"github.com/ps1mc/mcnbd/internal/reader"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mcnbd exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		nbdPort           = flag.Int("nbd-port", 10809, "TCP port to serve NBD on")
		nbdAddress        = flag.String("nbd-address", "", "address to bind the NBD listener to")
		authCachePath     = flag.String("auth-cache", "auth_cache.bin", "path to the authentication cache file")
		authCacheReadOnly = flag.Bool("auth-cache-read-only", false, "open the authentication cache read-only")
		authPort          = flag.Int("auth-port", 20531, "TCP port of the authentication oracle")
		authAddress       = flag.String("auth-address", "127.0.0.1", "address of the authentication oracle")
		verbose           = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cache, err := authcache.Open(*authCachePath, *authCacheReadOnly)
	if err != nil {
		return fmt.Errorf("opening auth cache: %w", err)
	}
	defer cache.Close()

	oracleAddr := ""
	if *authAddress != "" {
		oracleAddr = fmt.Sprintf("%s:%d", *authAddress, *authPort)
	}
	authClient := authoracle.New(cache, oracleAddr)

	transport, err := reader.OpenUSBTransport()
	if err != nil {
		return fmt.Errorf("opening card reader: %w", err)
	}
	defer transport.Close()

	rdr := reader.New(transport, authClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cardType, err := rdr.GetCardType(ctx)
	if err != nil {
		return fmt.Errorf("querying card type: %w", err)
	}
	cardSize, err := sizeForCardType(cardType)
	if err != nil {
		return err
	}
	logger.Info("card detected", "type", cardType, "size", cardSize)

	dev := &nbdserver.ReaderDevice{Reader: rdr, CardSize: cardSize}
	srv := nbdserver.New(dev, false, logger)

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", *nbdAddress, *nbdPort))
	if err != nil {
		return fmt.Errorf("binding NBD listener: %w", err)
	}
	defer ln.Close()

	logger.Info("serving NBD", "address", ln.Addr())
	if err := srv.Serve(ctx, ln); err != nil {
		return fmt.Errorf("serving NBD: %w", err)
	}
	logger.Info("shutting down cleanly")
	return nil
}

func sizeForCardType(ct reader.CardType) (int64, error) {
	switch ct {
	case reader.CardPS1:
		return 0x20000, nil
	case reader.CardPS2:
		return 0x840210, nil
	default:
		return 0, fmt.Errorf("no card present")
	}
}
