// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Transport contract shared by the USB and ETH variants, each a distinct
// implementation of one interface rather than a base class, the same way a
// CLI picks a concrete device implementation behind one interface variable.

package mvlc

import "context"

// TransportType distinguishes the two wire variants. Readout buffers are
// tagged with it; the parser does not read the tag and does not strip ETH
// framing words.
type TransportType int

const (
	TransportUSB TransportType = iota
	TransportETH
)

func (t TransportType) String() string {
	if t == TransportETH {
		return "ETH"
	}
	return "USB"
}

// Transport is the uniform contract both variants present to the dialog and
// readout layers.
type Transport interface {
	// Connect acquires endpoints/sockets, applies default timeouts, and
	// verifies device identity. Calling Connect twice returns IsConnected.
	Connect(ctx context.Context) error

	// Disconnect releases resources. Idempotent: a second call returns
	// IsDisconnected but leaves no resources allocated.
	Disconnect() error

	// Write sends bytes on the given pipe. It is atomic at the protocol
	// level: a super command buffer is never split across transport writes.
	Write(pipe Pipe, data []byte) (n int, err error)

	// Read fills buf from the given pipe.
	Read(pipe Pipe, buf []byte) (n int, err error)

	Kind() TransportType

	// Connected reports whether Connect has succeeded and Disconnect has
	// not yet been called.
	Connected() bool
}
