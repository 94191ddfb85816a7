// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mvlc-go/mvlc"
)

// The bulk transfer path needs a real FT60x device behind a gousb context
// and is not unit-testable; these cover the pure logic around it.

func TestChipConfigValid(t *testing.T) {
	assert := assert.New(t)

	good := ChipConfig{
		FIFOClock100MHz: true,
		FIFOMode600:     true,
		Channels:        2,
		SelfPowered:     true,
		RemoteWakeup:    true,
	}
	assert.True(good.valid())

	wrongChannels := good
	wrongChannels.Channels = 1
	assert.False(wrongChannels.valid())

	noClock := good
	noClock.FIFOClock100MHz = false
	assert.False(noClock.valid())

	noFIFOMode := good
	noFIFOMode.FIFOMode600 = false
	assert.False(noFIFOMode.valid())

	notSelfPowered := good
	notSelfPowered.SelfPowered = false
	assert.False(notSelfPowered.valid())

	noRemoteWakeup := good
	noRemoteWakeup.RemoteWakeup = false
	assert.False(noRemoteWakeup.valid())

	assert.False(ChipConfig{}.valid())
}

func TestNewDefaultsSerialFilter(t *testing.T) {
	assert := assert.New(t)

	tr := New("")
	assert.Equal("MVLC", tr.SerialContains)

	tr2 := New("MVLC-0001")
	assert.Equal("MVLC-0001", tr2.SerialContains)
}

func TestTransportReportsKindAndInitialState(t *testing.T) {
	assert := assert.New(t)

	tr := New("")
	assert.Equal(mvlc.TransportUSB, tr.Kind())
	assert.False(tr.Connected())
}

func TestDisconnectWithoutConnectFails(t *testing.T) {
	assert := assert.New(t)

	tr := New("")
	err := tr.Disconnect()
	assert.Error(err)
	assert.Equal(mvlc.IsDisconnected, err.(*mvlc.MVLCError).Code)
}

func TestWriteReadWithoutConnectFail(t *testing.T) {
	assert := assert.New(t)

	tr := New("")
	_, err := tr.Write(mvlc.CommandPipe, []byte{1, 2, 3})
	assert.Error(err)
	assert.Equal(mvlc.IsDisconnected, err.(*mvlc.MVLCError).Code)

	_, err = tr.Read(mvlc.CommandPipe, make([]byte, 16))
	assert.Error(err)
	assert.Equal(mvlc.IsDisconnected, err.(*mvlc.MVLCError).Code)
}
