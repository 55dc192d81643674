// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Command mcfs mounts a PS1 memory card image as a FUSE filesystem,
// exposing each save as a directory of named entries.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ps1mc/mcnbd/internal/cardfs"
	"github.com/ps1mc/mcnbd/internal/cardimage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mcfs exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	readOnly := flag.Bool("ro", false, "mount the card image read-only")
	debug := flag.Bool("debug", false, "enable FUSE debug logging")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if flag.NArg() != 2 {
		return fmt.Errorf("usage: mcfs [-ro] [-debug] <card-image> <mountpoint>")
	}
	imagePath := flag.Arg(0)
	mountPoint := flag.Arg(1)

	backing, err := cardimage.OpenMmap(imagePath, *readOnly)
	if err != nil {
		return fmt.Errorf("opening card image: %w", err)
	}
	defer backing.Close()

	img, err := cardimage.Open(backing)
	if err != nil {
		return fmt.Errorf("parsing card image: %w", err)
	}

	for _, problem := range img.Validate() {
		logger.Warn("card image problem", "error", problem)
	}

	root := cardfs.New(img, *readOnly)

	server, err := fs.Mount(mountPoint, root, &fs.Options{
		MountOptions: mountOptions(*readOnly, *debug),
	})
	if err != nil {
		return fmt.Errorf("mounting %s: %w", mountPoint, err)
	}

	logger.Info("mounted", "image", imagePath, "mountpoint", mountPoint, "readonly", *readOnly)
	server.Wait()
	return nil
}

func mountOptions(readOnly, debug bool) fuse.MountOptions {
	return fuse.MountOptions{
		FsName:     "mcfs",
		Name:       "mcfs",
		Debug:      debug,
		AllowOther: false,
	}
}
