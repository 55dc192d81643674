package reader

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"sync"

	"github.com/dgryski/go-tinylfu"

	"github.com/ps1mc/mcnbd/internal/authoracle"
)

// CardType identifies the physical card currently inserted.
type CardType int

const (
	CardNone CardType = 0
	CardPS1  CardType = 1
	CardPS2  CardType = 2
)

const (
	ps1FrameLength = 128
	ps2PageLength  = 0x210

	ps1CardSize = 0x20000
	ps2CardSize = 0x840210
)

// Reader is a single-owner driver for one USB card reader. Every
// command it issues is a critical section: the USB reader is an
// intrinsically serial device, so callers share one *Reader behind a
// mutex (held internally).
type Reader struct {
	t      Transport
	auth   *authoracle.Client
	mu     sync.Mutex
	authed bool

	frames *tinylfu.T[uint16, [ps1FrameLength]byte]
}

var frameCacheSeed = maphash.MakeSeed()

func frameCacheHash(k uint16) uint64 { return maphash.Comparable(frameCacheSeed, k) }

// New wraps transport t, using auth to answer PS2 authentication
// challenges.
func New(t Transport, auth *authoracle.Client) *Reader {
	return &Reader{
		t:      t,
		auth:   auth,
		frames: tinylfu.New[uint16, [ps1FrameLength]byte](64, 256, frameCacheHash),
	}
}

// roundTrip writes payload via send (sendShort for un-subtagged
// commands, sendLong for the 0x42-subtagged family) and returns the
// parsed status-byte-framed response, under the reader's single
// critical section.
func (r *Reader) roundTrip(ctx context.Context, send func(context.Context, Transport, []byte) error, payload []byte) (*response, error) {
	if err := send(ctx, r.t, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUSBIO, err)
	}
	return readResponse(ctx, r.t)
}

// GetCardType queries the currently inserted card type.
func (r *Reader) GetCardType(ctx context.Context) (CardType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getCardTypeLocked(ctx)
}

// getCardTypeLocked is the one command whose reply carries no
// status-byte/length framing at all: the device answers 0x40 with a
// bare "0x55 <type>".
func (r *Reader) getCardTypeLocked(ctx context.Context) (CardType, error) {
	if err := sendShort(ctx, r.t, []byte{0x40}); err != nil {
		return CardNone, fmt.Errorf("%w: %v", ErrUSBIO, err)
	}
	body, err := readShortResponse(ctx, r.t)
	if err != nil {
		return CardNone, err
	}
	if len(body) < 1 {
		return CardNone, nil
	}
	return CardType(body[0]), nil
}

// IsAuthenticated queries the device's own authentication state.
func (r *Reader) IsAuthenticated(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isAuthenticatedLocked(ctx)
}

func (r *Reader) isAuthenticatedLocked(ctx context.Context) (bool, error) {
	resp, err := r.roundTrip(ctx, sendLong, []byte{0x81, 0x11, 0x00, 0x00})
	if err != nil {
		return false, err
	}
	if !resp.ok {
		return false, nil
	}
	_, err = stripTrailer(resp.payload, tailAuthOK)
	return err == nil, nil
}

// ReadPS1Frame reads frame number fn (0..0x3FF) raw.
func (r *Reader) ReadPS1Frame(ctx context.Context, fn uint16) ([ps1FrameLength]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readPS1FrameLocked(ctx, fn)
}

// ReadPS2Page reads raw page pn (0x210 bytes).
func (r *Reader) ReadPS2Page(ctx context.Context, pn int32) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureAuthenticatedLocked(ctx); err != nil {
		return nil, err
	}
	return r.readPS2PageLocked(ctx, pn)
}

// Read returns length bytes at offset, resolving the card type fresh
// on every call (the spec treats card presence as re-queried each
// top-level operation).
func (r *Reader) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cardType, err := r.getCardTypeLocked(ctx)
	if err != nil {
		return nil, err
	}

	switch cardType {
	case CardPS1:
		return r.readAligned(ctx, offset, length, ps1CardSize, ps1FrameLength, func(blockIdx int64) ([]byte, error) {
			f, err := r.readPS1FrameLocked(ctx, uint16(blockIdx))
			if err != nil {
				return nil, err
			}
			return f[:], nil
		})
	case CardPS2:
		if err := r.ensureAuthenticatedLocked(ctx); err != nil {
			return nil, err
		}
		return r.readAligned(ctx, offset, length, ps2CardSize, ps2PageLength, func(blockIdx int64) ([]byte, error) {
			return r.readPS2PageLocked(ctx, int32(blockIdx))
		})
	default:
		return nil, fmt.Errorf("%w: no card present", ErrUSBIO)
	}
}

// readPS1FrameLocked/readPS2PageLocked are the already-mutex-held
// variants used internally by Read, where the top-level public methods
// would otherwise deadlock retaking r.mu.
func (r *Reader) readPS1FrameLocked(ctx context.Context, fn uint16) ([ps1FrameLength]byte, error) {
	if cached, ok := r.frames.Get(fn); ok {
		return cached, nil
	}
	payload := make([]byte, 0, 5+0x86)
	payload = append(payload, 0x81, 0x52, 0x00, 0x00, byte(fn>>8), byte(fn))
	payload = append(payload, make([]byte, 0x86)...)
	resp, err := r.roundTrip(ctx, sendLong, payload)
	if err != nil {
		return [ps1FrameLength]byte{}, err
	}
	if !resp.ok || len(resp.payload) < 0xA+ps1FrameLength+2 {
		return [ps1FrameLength]byte{}, fmt.Errorf("%w: reading PS1 frame %d", ErrUSBIO, fn)
	}
	var out [ps1FrameLength]byte
	copy(out[:], resp.payload[0xA:0xA+ps1FrameLength])
	r.frames.Add(fn, out)
	return out, nil
}

func (r *Reader) readPS2PageLocked(ctx context.Context, pn int32) ([]byte, error) {
	payload := make([]byte, 0, 8)
	payload = append(payload, 0x52, 0x03)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(pn))
	payload = append(payload, 0x55, 0x2B)
	resp, err := r.roundTrip(ctx, sendShort, payload)
	if err != nil {
		return nil, err
	}
	if !resp.ok || len(resp.payload) < ps2PageLength {
		return nil, fmt.Errorf("%w: reading PS2 page %d", ErrUSBIO, pn)
	}
	return resp.payload[:ps2PageLength], nil
}

// readAligned fetches the minimum sequence of full blocks covering
// [offset, offset+length), then trims the first block's head and the
// last block's tail.
func (r *Reader) readAligned(ctx context.Context, offset, length int64, cardSize int64, blockLen int, readBlock func(int64) ([]byte, error)) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > cardSize {
		return nil, &OutOfRangeError{Offset: offset, Length: length, CardSize: cardSize}
	}
	if length == 0 {
		return nil, nil
	}

	firstBlock := offset / int64(blockLen)
	lastBlock := (offset + length - 1) / int64(blockLen)

	out := make([]byte, 0, length)
	for b := firstBlock; b <= lastBlock; b++ {
		data, err := readBlock(b)
		if err != nil {
			return nil, err
		}
		start := int64(0)
		if b == firstBlock {
			start = offset % int64(blockLen)
		}
		end := int64(blockLen)
		if b == lastBlock {
			end = (offset+length-1)%int64(blockLen) + 1
		}
		out = append(out, data[start:end]...)
	}
	return out, nil
}

// Write checks that [offset, offset+len(data)) fits the current card
// and then fails with [ErrNotImplemented]: PS1 frame writes and PS2
// page writes are not supported, so no block is read or written.
func (r *Reader) Write(ctx context.Context, offset int64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cardType, err := r.getCardTypeLocked(ctx)
	if err != nil {
		return err
	}

	var cardSize int64
	switch cardType {
	case CardPS1:
		cardSize = ps1CardSize
	case CardPS2:
		cardSize = ps2CardSize
	default:
		return fmt.Errorf("%w: no card present", ErrUSBIO)
	}

	if offset < 0 || int64(len(data)) > cardSize-offset {
		return &OutOfRangeError{Offset: offset, Length: int64(len(data)), CardSize: cardSize}
	}

	return ErrNotImplemented
}
