// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package dialog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvlc-go/mvlc"
	"github.com/mvlc-go/mvlc/commands"
)

// fakeTransport is a deterministic mvlc.Transport double: Write records
// every call, Read pops pre-queued chunks. Once the queue is drained it
// returns a non-timeout error so tests fail fast instead of waiting out
// ReadResponseMaxWaitMs.
type fakeTransport struct {
	writes [][]byte
	reads  [][]byte
}

func (f *fakeTransport) Connect(context.Context) error  { return nil }
func (f *fakeTransport) Disconnect() error               { return nil }
func (f *fakeTransport) Kind() mvlc.TransportType        { return mvlc.TransportUSB }
func (f *fakeTransport) Connected() bool                 { return true }

func (f *fakeTransport) Write(_ mvlc.Pipe, data []byte) (int, error) {
	f.writes = append(f.writes, append([]byte{}, data...))
	return len(data), nil
}

func (f *fakeTransport) Read(_ mvlc.Pipe, buf []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, mvlc.NewError(mvlc.ShortRead)
	}
	chunk := f.reads[0]
	f.reads = f.reads[1:]
	n := copy(buf, chunk)
	return n, nil
}

func TestSuperTransactionWriteLocalMirror(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	b := &commands.SuperCommandBuilder{Reference: 7}
	b.Add(commands.WriteLocal{Reg: 0x10, Val: 0x42})
	request := commands.MakeCommandBuffer(b)

	ft := &fakeTransport{reads: [][]byte{wordsToBytes(request)}}
	d := New(ft)

	body, err := d.SuperTransaction(b)
	require.NoError(err)
	assert.Equal([]mvlc.Word{0x01 << 24, 0x10, 0x42}, body)
	require.Len(ft.writes, 1)
	assert.Equal(wordsToBytes(request), ft.writes[0])
}

func TestReadRegisterUsesDeviceValue(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ft := &fakeTransport{}
	d := New(ft)

	// The Dialog hasn't issued a transaction yet, so its reference counter
	// is about to produce 1.
	opWord := mvlc.Word(commands.OpReadLocal) << 24
	response := []mvlc.Word{mvlc.CmdBufferStart, 1, opWord, 0xDEADBEEF, mvlc.CmdBufferEnd}
	ft.reads = [][]byte{wordsToBytes(response)}

	val, err := d.ReadRegister(0x20)
	require.NoError(err)
	assert.EqualValues(0xDEADBEEF, val)
}

func TestSuperTransactionMirrorMismatchExhaustsRetries(t *testing.T) {
	require := require.New(t)

	b := &commands.SuperCommandBuilder{Reference: 3}
	b.Add(commands.WriteLocal{Reg: 0x10, Val: 0x42})
	request := commands.MakeCommandBuffer(b)

	bad := append([]mvlc.Word{}, request...)
	bad[3] = 0xffffffff // corrupt the echoed register word so mirror check fails

	ft := &fakeTransport{}
	for i := 0; i <= maxMirrorRetries; i++ {
		ft.reads = append(ft.reads, wordsToBytes(bad))
	}
	d := New(ft)

	_, err := d.SuperTransaction(b)
	require.Error(err)
	merr, ok := err.(*mvlc.MVLCError)
	require.True(ok)
	assert.Equal(t, mvlc.MirrorMaxTriesExceeded, merr.Code)
	assert.Len(t, ft.writes, maxMirrorRetries+1)
}

func TestStackResponseStitchesContinuationsAndCountsErrors(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	errHdr := mvlc.FrameHeader{Type: mvlc.StackErrorType, Length: 0, StackID: 3}
	firstHdr := mvlc.FrameHeader{Type: mvlc.StackFrameType, Length: 2, Flags: mvlc.FlagContinue, StackID: 1}
	contHdr := mvlc.FrameHeader{Type: mvlc.StackContType, Length: 1, StackID: 1}

	var stream []mvlc.Word
	stream = append(stream, errHdr.Encode())
	stream = append(stream, firstHdr.Encode(), 0x11, 0x22)
	stream = append(stream, contHdr.Encode(), 0x33)

	ft := &fakeTransport{reads: [][]byte{wordsToBytes(stream)}}
	d := New(ft)

	got, err := d.readStackResponse()
	require.NoError(err)
	assert.Equal([]mvlc.Word{0x11, 0x22, 0x33}, got)
	assert.EqualValues(1, d.StackErrorCounters()[3])
}

func TestUploadStackRejectsOversizedStack(t *testing.T) {
	require := require.New(t)

	b := &commands.StackCommandBuilder{}
	g := b.AddGroup("huge")
	for i := 0; i < mvlc.StackMemoryWords; i++ {
		g.Add(commands.SetAccu{Value: mvlc.Word(i)})
	}

	ft := &fakeTransport{}
	d := New(ft)

	err := d.UploadStack(b)
	require.Error(err)
	merr, ok := err.(*mvlc.MVLCError)
	require.True(ok)
	assert.Equal(t, mvlc.StackMemoryExceeded, merr.Code)
}

func TestExecImmediateStackVerifiesReferenceMarker(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	b := &commands.StackCommandBuilder{}
	b.AddGroup("probe").Add(commands.VMERead{Addr: 0x100, Amod: 0x09})

	ft := &fakeTransport{}
	d := New(ft)

	// ExecImmediateStack allocates its own reference marker first (1), then
	// UploadStack's super transaction (2), then the offset+trigger super
	// transaction (3).
	wrapped := &commands.StackCommandBuilder{}
	wrapped.AddGroup("reference").Add(commands.WriteMarker{Value: 1})
	wrapped.Groups = append(wrapped.Groups, b.Groups...)

	uploadReq := &commands.SuperCommandBuilder{Reference: 2}
	uploadReq.Add(commands.StackUploadWrite{Words: commands.MakeStackBuffer(wrapped)})

	execReq := &commands.SuperCommandBuilder{Reference: 3}
	execReq.Add(commands.WriteLocal{Reg: mvlc.StackOffsetRegister(mvlc.ImmediateStackID), Val: 0})
	execReq.Add(commands.WriteLocal{
		Reg: mvlc.StackTriggerRegister(mvlc.ImmediateStackID),
		Val: 1 << mvlc.ImmediateShift,
	})

	stackHdr := mvlc.FrameHeader{Type: mvlc.StackFrameType, Length: 2, StackID: mvlc.ImmediateStackID}
	stackResponse := []mvlc.Word{stackHdr.Encode(), 1, 0xCAFEBABE}

	ft.reads = [][]byte{
		wordsToBytes(commands.MakeCommandBuffer(uploadReq)),
		wordsToBytes(commands.MakeCommandBuffer(execReq)),
		wordsToBytes(stackResponse),
	}

	out, err := d.ExecImmediateStack(b)
	require.NoError(err)
	require.Len(ft.writes, 2)
	require.Len(out, 1)
	assert.Equal([]mvlc.Word{0xCAFEBABE}, out[0].Words)
}

func TestExecImmediateStackRejectsMismatchedReference(t *testing.T) {
	require := require.New(t)

	b := &commands.StackCommandBuilder{}
	b.AddGroup("probe").Add(commands.VMERead{Addr: 0x100, Amod: 0x09})

	ft := &fakeTransport{}
	d := New(ft)

	wrapped := &commands.StackCommandBuilder{}
	wrapped.AddGroup("reference").Add(commands.WriteMarker{Value: 1})
	wrapped.Groups = append(wrapped.Groups, b.Groups...)

	uploadReq := &commands.SuperCommandBuilder{Reference: 2}
	uploadReq.Add(commands.StackUploadWrite{Words: commands.MakeStackBuffer(wrapped)})

	execReq := &commands.SuperCommandBuilder{Reference: 3}
	execReq.Add(commands.WriteLocal{Reg: mvlc.StackOffsetRegister(mvlc.ImmediateStackID), Val: 0})
	execReq.Add(commands.WriteLocal{
		Reg: mvlc.StackTriggerRegister(mvlc.ImmediateStackID),
		Val: 1 << mvlc.ImmediateShift,
	})

	// The device's stack response echoes a marker value that doesn't match
	// the one this transaction uploaded, as if it belonged to some other,
	// earlier stack execution.
	stackHdr := mvlc.FrameHeader{Type: mvlc.StackFrameType, Length: 2, StackID: mvlc.ImmediateStackID}
	stackResponse := []mvlc.Word{stackHdr.Encode(), 0xBAD, 0xCAFEBABE}

	ft.reads = [][]byte{
		wordsToBytes(commands.MakeCommandBuffer(uploadReq)),
		wordsToBytes(commands.MakeCommandBuffer(execReq)),
		wordsToBytes(stackResponse),
	}

	_, err := d.ExecImmediateStack(b)
	require.Error(err)
	merr, ok := err.(*mvlc.MVLCError)
	require.True(ok)
	assert.Equal(t, mvlc.StackReferenceMismatch, merr.Code)
}

func TestClearAllStackTriggersIsOneSuperTransaction(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ft := &fakeTransport{}
	d := New(ft)

	// ClearAllStackTriggers must disable DAQ mode and clear every
	// non-reserved stack's trigger in a single super transaction, so there
	// is exactly one write and the device simply mirrors it back.
	d.reference = 0
	probe := &commands.SuperCommandBuilder{}
	probe.Add(commands.WriteLocal{Reg: mvlc.DAQModeEnableRegister, Val: 0})
	for id := 1; id < mvlc.StackCount; id++ {
		probe.Add(commands.WriteLocal{
			Reg: mvlc.StackTriggerRegister(id),
			Val: mvlc.Trigger{Type: mvlc.NoTrigger}.Encode(),
		})
	}
	probe.Reference = 1
	ft.reads = [][]byte{wordsToBytes(commands.MakeCommandBuffer(probe))}

	err := ClearAllStackTriggers(d)
	require.NoError(err)
	assert.Len(ft.writes, 1)
}
