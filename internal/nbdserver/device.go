package nbdserver

import "context"

// ReaderDevice adapts anything that can size itself and serve
// block-level reads/writes (notably *reader.Reader) to the [Device]
// interface the server expects.
type ReaderDevice struct {
	Reader interface {
		Read(ctx context.Context, offset, length int64) ([]byte, error)
		Write(ctx context.Context, offset int64, data []byte) error
	}
	CardSize int64
}

func (d *ReaderDevice) Size() int64 { return d.CardSize }

func (d *ReaderDevice) ReadAt(ctx context.Context, off, length int64) ([]byte, error) {
	return d.Reader.Read(ctx, off, length)
}

func (d *ReaderDevice) WriteAt(ctx context.Context, off int64, data []byte) error {
	return d.Reader.Write(ctx, off, data)
}
