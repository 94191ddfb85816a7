// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// USB buffer fixup: guarantees a readout buffer contains only
// whole MVLC frames, carrying any trailing partial frame across to the next
// read via a per-reader leftover area.

package mvlc

import "encoding/binary"

// UsbFixup walks buf (a sequence of little-endian 32-bit words) frame by
// frame. As soon as a header declares more words than remain in buf, every
// byte from that header to the end of buf is moved into the returned
// leftover slice and buf is truncated to hold only whole frames.
//
// leftover from a previous call must be prepended to buf by the caller
// before invoking UsbFixup again.
func UsbFixup(buf []byte) (whole []byte, leftover []byte) {
	pos := 0
	for {
		if len(buf)-pos < 4 {
			// Fewer than one word remains: not even a header. Carry it all
			// over; it's either padding or the start of the next header.
			return buf[:pos], buf[pos:]
		}

		header := binary.LittleEndian.Uint32(buf[pos : pos+4])
		h := DecodeFrameHeader(header)

		if _, err := ClassifyFrame(h); err != nil {
			// Unrecognized header: treat the remainder as leftover rather
			// than silently dropping it; the next reader iteration may
			// complete it once more bytes arrive, and if it never
			// resynchronizes the parser's own resync logic takes over.
			return buf[:pos], buf[pos:]
		}

		frameBytes := 4 * (1 + int(h.Length))
		if pos+frameBytes > len(buf) {
			return buf[:pos], buf[pos:]
		}

		pos += frameBytes
	}
}
