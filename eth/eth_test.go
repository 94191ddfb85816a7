// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package eth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketHeaderRoundTrip(t *testing.T) {
	assert := assert.New(t)

	h := PacketHeader{
		PacketChannel:     2,
		PacketNumber:      4095,
		ControllerID:      1,
		DataWordCount:     1000,
		UDPTimestamp:      12345,
		NextHeaderPointer: 17,
	}

	buf := make([]byte, 8)
	w0 := h.EncodeHeader0()
	w1 := h.EncodeHeader1()
	buf[0] = byte(w0)
	buf[1] = byte(w0 >> 8)
	buf[2] = byte(w0 >> 16)
	buf[3] = byte(w0 >> 24)
	buf[4] = byte(w1)
	buf[5] = byte(w1 >> 8)
	buf[6] = byte(w1 >> 16)
	buf[7] = byte(w1 >> 24)

	got, err := DecodePacketHeader(buf)
	require.New(t).NoError(err)
	assert.Equal(h, got)
}

func TestPacketLossFormula(t *testing.T) {
	assert := assert.New(t)

	assert.EqualValues(0, PacketLoss(5, 6))
	assert.EqualValues(2, PacketLoss(5, 8))
	// wraparound
	assert.EqualValues(0, PacketLoss(4095, 0))
	assert.EqualValues(4094, PacketLoss(0, 4095))
}

func TestValidatePacketTruncatesResidue(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := PacketHeader{DataWordCount: 2}
	w0 := h.EncodeHeader0()
	w1 := h.EncodeHeader1()

	buf := make([]byte, 8+8+3) // 2 declared words + 3 residue bytes
	buf[0], buf[1], buf[2], buf[3] = byte(w0), byte(w0>>8), byte(w0>>16), byte(w0>>24)
	buf[4], buf[5], buf[6], buf[7] = byte(w1), byte(w1>>8), byte(w1>>16), byte(w1>>24)

	_, payload, residue, err := ValidatePacket(buf)
	require.NoError(err)
	assert.Len(payload, 8)
	assert.Equal(3, residue)
}

func TestThrottleLevelProgression(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(0, levelForFillRatio(0.1))
	assert.Equal(0, levelForFillRatio(0.49))
	assert.GreaterOrEqual(levelForFillRatio(0.95), ThrottleLevels-1)
	assert.Less(levelForFillRatio(0.6), levelForFillRatio(0.9))

	assert.EqualValues(0, throttleDelay(0))
	assert.LessOrEqual(throttleDelay(ThrottleLevels-1), uint16(65535))
	assert.Greater(throttleDelay(ThrottleLevels-1), throttleDelay(1))
}

type fakeSampler struct{ ratio float64 }

func (f fakeSampler) SampleFillRatio() (float64, error) { return f.ratio, nil }

type fakeSender struct{ lastDelay uint16 }

func (f *fakeSender) SendDelay(d uint16) error {
	f.lastDelay = d
	return nil
}

func TestThrottlerTick(t *testing.T) {
	assert := assert.New(t)

	sender := &fakeSender{}
	th := NewThrottler(fakeSampler{ratio: 0.9}, sender, 0)
	th.tick()

	assert.Greater(th.CurrentLevel(), 0)
	assert.Greater(sender.lastDelay, uint16(0))
}

func TestThrottlerStopWithoutStart(t *testing.T) {
	th := NewThrottler(fakeSampler{ratio: 0}, &fakeSender{}, 0)
	th.Stop() // must not deadlock
}
