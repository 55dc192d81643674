package reader

import (
	"context"
	"fmt"
)

const maxAuthRetries = 3

// ensureAuthenticatedLocked runs the PS2 authentication dance if the
// device is not already authenticated. It is idempotent: a device that
// reports itself authenticated is left untouched.
func (r *Reader) ensureAuthenticatedLocked(ctx context.Context) error {
	if r.authed {
		return nil
	}
	ok, err := r.isAuthenticatedLocked(ctx)
	if err != nil {
		return err
	}
	if ok {
		r.authed = true
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxAuthRetries; attempt++ {
		done, err := r.danceOnce(ctx)
		if err != nil {
			return err
		}
		if done {
			r.authed = true
			return nil
		}
		lastErr = ErrAuthFailed
	}
	if lastErr == nil {
		lastErr = ErrAuthFailed
	}
	return lastErr
}

// ritualFixed sends a long-framed ritual step and asserts the reply's
// trailing bytes exactly match want, a fixed marker sequence with no
// variable payload of its own.
func (r *Reader) ritualFixed(ctx context.Context, payload []byte, want []byte) error {
	resp, err := r.roundTrip(ctx, sendLong, payload)
	if err != nil {
		return err
	}
	if !resp.ok {
		return fmt.Errorf("%w: ritual step %x failed", ErrUSBIO, payload)
	}
	_, err = stripTrailer(resp.payload, want)
	return err
}

// ritualMarkers sends a long-framed ritual step whose reply wraps an
// (n-2)-byte value between a head and tail marker byte, returning the
// unwrapped value.
func (r *Reader) ritualMarkers(ctx context.Context, payload []byte, n int, head, tail byte) ([]byte, error) {
	resp, err := r.roundTrip(ctx, sendLong, payload)
	if err != nil {
		return nil, err
	}
	if !resp.ok {
		return nil, fmt.Errorf("%w: ritual step %x failed", ErrUSBIO, payload)
	}
	return stripMarkers(resp.payload, n, head, tail)
}

var (
	tailFF     = []byte{0x2B, 0xFF}
	tailFFFF   = []byte{0x2B, 0xFF, 0xFF}
	tailAuthOK = []byte{0x2B, 0x55}
)

// f0Plain builds an 81F0 ritual step that carries no data of its own:
// opcode, sequence number, and the standard 2-byte zero pad.
func f0Plain(seq byte) []byte {
	return []byte{0x81, 0xF0, seq, 0x00, 0x00}
}

// f0Recv builds an 81F0 step whose reply returns a 9-byte value (the
// device-to-host direction): opcode, sequence number, and 11 zero
// bytes reserving room for the 9-byte reply plus its two markers.
func f0Recv(seq byte) []byte {
	buf := make([]byte, 0, 3+11)
	buf = append(buf, 0x81, 0xF0, seq)
	buf = append(buf, make([]byte, 11)...)
	return buf
}

// f0Send builds an 81F0 step carrying a 9-byte host-to-device value,
// followed by the standard 2-byte zero pad.
func f0Send(seq byte, data []byte) []byte {
	buf := make([]byte, 0, 3+9+2)
	buf = append(buf, 0x81, 0xF0, seq)
	buf = append(buf, data...)
	buf = append(buf, 0x00, 0x00)
	return buf
}

// danceOnce runs one full pass of the authentication dance. It returns
// done=false (not an error) when the device reports itself still
// unauthenticated at the end, so the caller can retry from the top.
func (r *Reader) danceOnce(ctx context.Context) (bool, error) {
	if err := r.ritualFixed(ctx, []byte{0x81, 0xF3, 0x00, 0x00, 0x00}, tailFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, []byte{0x81, 0xF7, 0x01, 0x00, 0x00}, tailFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x00), tailFF); err != nil {
		return false, err
	}
	if _, err := r.ritualMarkers(ctx, f0Recv(0x01), 11, 0x2B, 0xFF); err != nil {
		return false, err
	}
	if _, err := r.ritualMarkers(ctx, f0Recv(0x02), 11, 0x2B, 0xFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x03), tailFF); err != nil {
		return false, err
	}

	seed, err := r.ritualMarkers(ctx, f0Recv(0x04), 11, 0x2B, 0xFF)
	if err != nil {
		return false, err
	}
	if len(seed) < 9 {
		return false, fmt.Errorf("%w: short seed in auth dance", ErrUSBIO)
	}

	v0, v1, v2, err := r.auth.Authenticate(ctx, seed)
	if err != nil {
		return false, fmt.Errorf("auth oracle: %w", err)
	}

	resp5, err := r.roundTrip(ctx, sendLong, f0Plain(0x05))
	if err != nil {
		return false, err
	}
	if !resp5.ok {
		// Device-side timeout: retry the whole dance from the top.
		return false, nil
	}

	if err := r.ritualFixed(ctx, f0Send(0x06, v0[:]), tailFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Send(0x07, v1[:]), tailFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x08), tailFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x09), tailFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x0A), tailFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Send(0x0B, v2[:]), tailFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x0C), tailFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x0D), tailFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x0E), tailFF); err != nil {
		return false, err
	}
	if _, err := r.ritualMarkers(ctx, f0Recv(0x0F), 11, 0x2B, 0xFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x10), tailFF); err != nil {
		return false, err
	}
	if _, err := r.ritualMarkers(ctx, f0Recv(0x11), 11, 0x2B, 0xFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x12), tailFF); err != nil {
		return false, err
	}
	if _, err := r.ritualMarkers(ctx, f0Recv(0x13), 11, 0x2B, 0xFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, f0Plain(0x14), tailFF); err != nil {
		return false, err
	}

	if err := r.ritualFixed(ctx, []byte{0x81, 0x28, 0x00, 0x00, 0x00}, tailFFFF); err != nil {
		return false, err
	}
	if err := r.ritualFixed(ctx, []byte{0x81, 0x27, 0x55, 0x00, 0x00}, tailAuthOK); err != nil {
		return false, err
	}
	if _, err := r.ritualMarkers(ctx, append([]byte{0x81, 0x26}, make([]byte, 11)...), 11, 0x2B, 0x55); err != nil {
		return false, err
	}

	return r.isAuthenticatedLocked(ctx)
}
