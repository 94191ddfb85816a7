// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package mvlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	assert := assert.New(t)

	cases := []FrameHeader{
		{Type: SuperFrame, Length: 12},
		{Type: StackFrameType, Length: 300, Flags: FlagContinue, StackID: 3, CtrlID: 1},
		{Type: StackFrameType, Length: 0, Flags: FlagSyntaxError | FlagTimeout, StackID: 15, CtrlID: 3},
		{Type: SystemEventType, Length: 5, SubType: 0x42, Continue: true},
		{Type: BlockReadType, Length: 65535, StackID: 7},
	}

	for _, c := range cases {
		w := c.Encode()
		got := DecodeFrameHeader(w)
		assert.Equal(c.Type, got.Type)
		assert.Equal(c.Length, got.Length)
		if c.Type.IsSystem() {
			assert.Equal(c.SubType, got.SubType)
			assert.Equal(c.Continue, got.Continue)
		} else {
			assert.Equal(c.Flags, got.Flags)
			assert.Equal(c.StackID, got.StackID)
			assert.Equal(c.CtrlID, got.CtrlID)
		}
	}
}

func TestClassifyFrame(t *testing.T) {
	assert := assert.New(t)

	f, err := ClassifyFrame(FrameHeader{Type: StackFrameType})
	assert.NoError(err)
	_, ok := f.(StackResponseFrame)
	assert.True(ok)

	f, err = ClassifyFrame(FrameHeader{Type: SystemEventType})
	assert.NoError(err)
	_, ok = f.(SystemEventFrame)
	assert.True(ok)

	_, err = ClassifyFrame(FrameHeader{Type: FrameType(0xB)})
	assert.Error(err)
	assert.ErrorIs(err, NewError(InvalidBufferHeader))
}

func TestFrameFlagsHas(t *testing.T) {
	assert := assert.New(t)

	f := FlagContinue | FlagBusError
	assert.True(f.Has(FlagContinue))
	assert.True(f.Has(FlagBusError))
	assert.False(f.Has(FlagSyntaxError))
	assert.False(f.Has(FlagTimeout))
}
