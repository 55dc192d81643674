// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package reader

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

const (
	usbVendorID  = 0x054C
	usbProductID = 0x02EA

	endpointOut = 0x02
	endpointIn  = 0x01
)

// USBTransport is the real [Transport], talking to a card reader over
// direct bulk USB access via gousb, bypassing any kernel driver.
type USBTransport struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
}

// OpenUSBTransport opens the first card reader matching the expected
// vendor/product ID on interface 0.
func OpenUSBTransport() (*USBTransport, error) {
	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(usbVendorID, usbProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: opening device: %v", ErrUSBIO, err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: card reader not found (VID:%#04x PID:%#04x)", ErrUSBIO, usbVendorID, usbProductID)
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: selecting config: %v", ErrUSBIO, err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: claiming interface: %v", ErrUSBIO, err)
	}

	out, err := intf.OutEndpoint(endpointOut)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: opening OUT endpoint: %v", ErrUSBIO, err)
	}

	in, err := intf.InEndpoint(endpointIn)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: opening IN endpoint: %v", ErrUSBIO, err)
	}

	return &USBTransport{ctx: ctx, device: device, config: config, intf: intf, out: out, in: in}, nil
}

func (t *USBTransport) WriteCommand(_ context.Context, data []byte) error {
	_, err := t.out.Write(data)
	if err != nil {
		return fmt.Errorf("usb write: %w", err)
	}
	return nil
}

func (t *USBTransport) ReadChunk(ctx context.Context) ([]byte, error) {
	buf := make([]byte, bulkChunk)
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("usb read: %w", err)
	}
	return buf[:n], nil
}

// Close releases the interface, config, device, and context, in that
// order.
func (t *USBTransport) Close() error {
	t.intf.Close()
	t.config.Close()
	t.device.Close()
	t.ctx.Close()
	return nil
}
