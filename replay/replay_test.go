// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package replay

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvlc-go/mvlc"
	"github.com/mvlc-go/mvlc/readout"
)

func wordsToBytesReplay(words []mvlc.Word) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func TestWorkerReplaysBufferedData(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := mvlc.FrameHeader{Type: mvlc.SystemEventType, Length: 1, SubType: 0x10}
	frame := wordsToBytesReplay([]mvlc.Word{h.Encode(), 0xdeadbeef})

	payload := append([]byte("MVLC_USB"), frame...)
	path := writeTestListfile(t, payload, "")

	lf, err := Open(path)
	require.NoError(err)
	assert.Equal(FormatUSB, lf.Format)

	pool := readout.NewBufferPool(1<<16, 4)
	w := NewWorker(lf, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(w.Start(ctx))

	buf, err := pool.GetFilled(ctx)
	require.NoError(err)
	assert.Equal(frame, buf.Data)
	assert.Equal(mvlc.TransportUSB, buf.Type)

	w.Stop()
	assert.Equal(readout.Idle, w.State())
}

func TestWorkerNumbersReplayedBuffersFromZero(t *testing.T) {
	require := require.New(t)

	h := mvlc.FrameHeader{Type: mvlc.SystemEventType, Length: 1}
	frame := wordsToBytesReplay([]mvlc.Word{h.Encode(), 0x1})
	payload := append([]byte("MVLC_ETH"), frame...)
	path := writeTestListfile(t, payload, "")

	lf, err := Open(path)
	require.NoError(err)

	pool := readout.NewBufferPool(1<<16, 4)
	w := NewWorker(lf, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(w.Start(ctx))

	buf, err := pool.GetFilled(ctx)
	require.NoError(err)
	require.EqualValues(0, buf.Number)

	w.Stop()
}

func TestStartRejectsWhileAlreadyRunning(t *testing.T) {
	require := require.New(t)

	w := &Worker{state: readout.Running}
	require.Error(w.Start(context.Background()))
}
