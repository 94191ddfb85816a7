// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mvlc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func wordsToBytes(words []Word) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func TestUsbFixupWholeFrames(t *testing.T) {
	assert := assert.New(t)

	h1 := FrameHeader{Type: StackFrameType, Length: 2}
	h2 := FrameHeader{Type: StackFrameType, Length: 1}

	words := []Word{h1.Encode(), 0x1111, 0x2222, h2.Encode(), 0x3333}
	buf := wordsToBytes(words)

	whole, leftover := UsbFixup(buf)
	assert.Equal(buf, whole)
	assert.Empty(leftover)
}

func TestUsbFixupCutMidFrame(t *testing.T) {
	assert := assert.New(t)

	h1 := FrameHeader{Type: StackFrameType, Length: 2}
	h2 := FrameHeader{Type: StackFrameType, Length: 4}

	full := wordsToBytes([]Word{h1.Encode(), 0x1111, 0x2222, h2.Encode(), 0xAAAA, 0xBBBB})
	// Cut off h2's two payload words, leaving only its header (4 payload
	// words declared, none present).
	cut := full[:len(full)-2*4]

	whole, leftover := UsbFixup(cut)
	assert.Equal(cut[:12], whole) // h1 + its 2 payload words
	assert.Equal(cut[12:], leftover)
}

func TestUsbFixupLeftoverPrepend(t *testing.T) {
	assert := assert.New(t)

	h := FrameHeader{Type: StackFrameType, Length: 2}
	full := wordsToBytes([]Word{h.Encode(), 0x1111, 0x2222})

	// Simulate a read that delivered only the header plus the first payload word.
	firstRead := full[:8]
	whole, leftover := UsbFixup(firstRead)
	assert.Empty(whole)
	assert.Equal(firstRead, leftover)

	// Next read delivers the rest; caller prepends leftover.
	secondRead := append(append([]byte{}, leftover...), full[8:]...)
	whole, leftover = UsbFixup(secondRead)
	assert.Equal(full, whole)
	assert.Empty(leftover)
}
