// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package parser

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvlc-go/mvlc"
)

type recordingCallbacks struct {
	begins  []uint8
	prefix  [][]mvlc.Word
	dynamic [][]mvlc.Word
	suffix  [][]mvlc.Word
	ends    []uint8
	system  [][]mvlc.Word
}

func (r *recordingCallbacks) BeginEvent(stackID uint8) { r.begins = append(r.begins, stackID) }
func (r *recordingCallbacks) ModulePrefix(_ int, words []mvlc.Word) {
	r.prefix = append(r.prefix, append([]mvlc.Word{}, words...))
}
func (r *recordingCallbacks) ModuleDynamic(_ int, words []mvlc.Word) {
	r.dynamic = append(r.dynamic, append([]mvlc.Word{}, words...))
}
func (r *recordingCallbacks) ModuleSuffix(_ int, words []mvlc.Word) {
	r.suffix = append(r.suffix, append([]mvlc.Word{}, words...))
}
func (r *recordingCallbacks) EndEvent(stackID uint8) { r.ends = append(r.ends, stackID) }
func (r *recordingCallbacks) SystemEvent(_ uint8, words []mvlc.Word) {
	r.system = append(r.system, append([]mvlc.Word{}, words...))
}

func wordsToBytes(words []mvlc.Word) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func buildStackEvent(stackID uint8, prefix mvlc.Word, dynamic []mvlc.Word, suffix mvlc.Word) []byte {
	blockHdr := mvlc.FrameHeader{Type: mvlc.BlockReadType, Length: uint16(len(dynamic))}
	payload := []mvlc.Word{prefix, blockHdr.Encode()}
	payload = append(payload, dynamic...)
	payload = append(payload, suffix)

	stackHdr := mvlc.FrameHeader{Type: mvlc.StackFrameType, Length: uint16(len(payload)), StackID: stackID}
	out := []mvlc.Word{stackHdr.Encode()}
	out = append(out, payload...)
	return wordsToBytes(out)
}

func TestParseBufferDispatchesOneModule(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cb := &recordingCallbacks{}
	layout := StackLayout{
		StackID: 1,
		Modules: []ModuleReadout{{Name: "mod0", PrefixLen: 1, HasDynamic: true, SuffixLen: 1}},
	}
	p := New(cb, layout)

	data := buildStackEvent(1, 0xAAAA, []mvlc.Word{0x1, 0x2}, 0xBBBB)
	require.NoError(p.ParseBuffer(data))

	assert.Equal([]uint8{1}, cb.begins)
	assert.Equal([]uint8{1}, cb.ends)
	require.Len(cb.prefix, 1)
	assert.Equal([]mvlc.Word{0xAAAA}, cb.prefix[0])
	require.Len(cb.dynamic, 1)
	assert.Equal([]mvlc.Word{0x1, 0x2}, cb.dynamic[0])
	require.Len(cb.suffix, 1)
	assert.Equal([]mvlc.Word{0xBBBB}, cb.suffix[0])

	unused, exceptions := p.Stats()
	assert.EqualValues(0, unused)
	assert.EqualValues(0, exceptions)
}

func TestParseBufferSystemEvent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cb := &recordingCallbacks{}
	p := New(cb)

	h := mvlc.FrameHeader{Type: mvlc.SystemEventType, Length: 2, SubType: 0x42}
	data := wordsToBytes([]mvlc.Word{h.Encode(), 0x10, 0x20})

	require.NoError(p.ParseBuffer(data))
	require.Len(cb.system, 1)
	assert.Equal([]mvlc.Word{0x10, 0x20}, cb.system[0])
}

func TestObserveBufferNumberDetectsGaps(t *testing.T) {
	assert := assert.New(t)

	cb := &recordingCallbacks{}
	p := New(cb)

	assert.EqualValues(0, p.ObserveBufferNumber(0))
	assert.EqualValues(0, p.ObserveBufferNumber(1))
	assert.EqualValues(2, p.ObserveBufferNumber(4)) // 2 and 3 were lost
	assert.EqualValues(2, p.InternalBufferLoss())
	assert.EqualValues(0, p.ObserveBufferNumber(5))
	assert.EqualValues(2, p.InternalBufferLoss())
}

func TestParseBufferResyncsPastGarbage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cb := &recordingCallbacks{}
	layout := StackLayout{
		StackID: 1,
		Modules: []ModuleReadout{{Name: "mod0", PrefixLen: 1}},
	}
	p := New(cb, layout)

	// None of the four sliding 4-byte windows that start inside the zero
	// bytes yields a usable frame: offsets 0 and 3 decode as FrameType 0,
	// offset 1 as a zero-length SuperFrame (not dispatched by the parser)
	// and offset 2 as a SuperFrame whose length overruns the buffer. So the
	// resync count is exactly len(garbage).
	garbage := []byte{0, 0, 0, 0}
	stackHdr := mvlc.FrameHeader{Type: mvlc.StackFrameType, Length: 1, StackID: 1}
	good := wordsToBytes([]mvlc.Word{stackHdr.Encode(), 0x77})

	data := append(append([]byte{}, garbage...), good...)
	require.NoError(p.ParseBuffer(data))

	require.Len(cb.prefix, 1)
	assert.Equal([]mvlc.Word{0x77}, cb.prefix[0])

	unused, exceptions := p.Stats()
	assert.EqualValues(len(garbage), unused)
	assert.EqualValues(len(garbage), exceptions)
}
