// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// USB transport variant. Host-side bulk transfer over
// the FT60x "stream pipe" endpoints, acquiring ctx -> device -> config ->
// interface -> endpoint in sequence and unwinding cleanly on error at each
// step.

package usb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/mvlc-go/mvlc"
)

// FT60x vendor/product ID and endpoint addresses for the MVLC USB3 link.
const (
	VendorID  gousb.ID = 0x0403
	ProductID gousb.ID = 0x601d

	cmdEndpointOut  = 0x02
	cmdEndpointIn   = 0x82
	dataEndpointOut = 0x03
	dataEndpointIn  = 0x83
)

// ChipConfig describes the FT60x configuration an MVLC is expected to
// report; valid reports whether c conforms. Connect does not read the chip
// configuration, so it never returns USBChipConfigError.
type ChipConfig struct {
	FIFOClock100MHz bool
	FIFOMode600     bool
	Channels        int
	SelfPowered     bool
	RemoteWakeup    bool
}

func (c ChipConfig) valid() bool {
	return c.FIFOClock100MHz && c.FIFOMode600 && c.Channels == 2 && c.SelfPowered && c.RemoteWakeup
}

// Transport is the USB variant of mvlc.Transport.
type Transport struct {
	// SerialContains filters device enumeration the way the real driver
	// matches any FT60x whose serial contains "MVLC".
	SerialContains string

	mu        sync.Mutex
	connected bool

	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface

	cmdOut  *gousb.OutEndpoint
	cmdIn   *gousb.InEndpoint
	dataOut *gousb.OutEndpoint
	dataIn  *gousb.InEndpoint

	isUSB2 bool
}

func New(serialContains string) *Transport {
	if serialContains == "" {
		serialContains = "MVLC"
	}
	return &Transport{SerialContains: serialContains}
}

func (t *Transport) Kind() mvlc.TransportType { return mvlc.TransportUSB }

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect opens the first FT60x device whose serial matches
// SerialContains and claims interface 0 of configuration 1 with its command
// and data bulk endpoints. It does not read or check the chip configuration
// (see ChipConfig).
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return mvlc.NewError(mvlc.IsConnected)
	}

	gctx := gousb.NewContext()

	dev, err := t.findDevice(gctx)
	if err != nil {
		gctx.Close()
		return err
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		gctx.Close()
		return mvlc.WrapError(mvlc.ConnectionFailed, err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		gctx.Close()
		return mvlc.WrapError(mvlc.ConnectionFailed, err)
	}

	cmdOut, err := intf.OutEndpoint(cmdEndpointOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		gctx.Close()
		return mvlc.WrapError(mvlc.ConnectionFailed, err)
	}
	cmdIn, err := intf.InEndpoint(cmdEndpointIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		gctx.Close()
		return mvlc.WrapError(mvlc.ConnectionFailed, err)
	}
	dataOut, err := intf.OutEndpoint(dataEndpointOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		gctx.Close()
		return mvlc.WrapError(mvlc.ConnectionFailed, err)
	}
	dataIn, err := intf.InEndpoint(dataEndpointIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		gctx.Close()
		return mvlc.WrapError(mvlc.ConnectionFailed, err)
	}

	t.ctx = gctx
	t.dev = dev
	t.config = cfg
	t.intf = intf
	t.cmdOut = cmdOut
	t.cmdIn = cmdIn
	t.dataOut = dataOut
	t.dataIn = dataIn
	t.isUSB2 = dev.Desc.Spec.Major() < 3
	t.connected = true

	return nil
}

func (t *Transport) findDevice(gctx *gousb.Context) (*gousb.Device, error) {
	devs, err := gctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	if err != nil {
		return nil, mvlc.WrapError(mvlc.ConnectionFailed, err)
	}

	for i, d := range devs {
		serial, serr := d.SerialNumber()
		if serr == nil && strings.Contains(serial, t.SerialContains) {
			for j, other := range devs {
				if j != i {
					other.Close()
				}
			}
			return d, nil
		}
	}
	for _, d := range devs {
		d.Close()
	}
	return nil, mvlc.WrapError(mvlc.ConnectionFailed, fmt.Errorf("no FT60x device with serial containing %q", t.SerialContains))
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return mvlc.NewError(mvlc.IsDisconnected)
	}

	t.intf.Close()
	t.config.Close()
	t.dev.Close()
	t.ctx.Close()
	t.connected = false
	return nil
}

// Write performs one bulk write. A super command buffer is always encoded
// and written in a single call so it is never split across USB transfers.
func (t *Transport) Write(pipe mvlc.Pipe, data []byte) (int, error) {
	if !t.Connected() {
		return 0, mvlc.NewError(mvlc.IsDisconnected)
	}

	ep := t.cmdOut
	if pipe == mvlc.DataPipe {
		ep = t.dataOut
	}

	ctx, cancel := context.WithTimeout(context.Background(), mvlc.DefaultWriteTimeoutMs*time.Millisecond)
	defer cancel()

	n, err := ep.WriteContext(ctx, data)
	if err != nil {
		return n, mvlc.WrapError(mvlc.ShortWrite, err)
	}
	if n != len(data) {
		return n, mvlc.NewError(mvlc.ShortWrite)
	}
	return n, nil
}

// Read performs one bulk read of up to len(buf) bytes, retrying once on a
// zero-length read if this is a USB2 link.
func (t *Transport) Read(pipe mvlc.Pipe, buf []byte) (int, error) {
	if !t.Connected() {
		return 0, mvlc.NewError(mvlc.IsDisconnected)
	}

	ep := t.cmdIn
	if pipe == mvlc.DataPipe {
		ep = t.dataIn
	}

	ctx, cancel := context.WithTimeout(context.Background(), mvlc.DefaultReadTimeoutMs*time.Millisecond)
	defer cancel()

	n, err := ep.ReadContext(ctx, buf)
	if n == 0 && err == nil && t.isUSB2 {
		n, err = ep.ReadContext(ctx, buf)
	}
	if err != nil {
		return n, mvlc.WrapError(mvlc.ShortRead, err)
	}
	return n, nil
}
