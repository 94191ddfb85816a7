// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Dialog layer: request/response transactions over the
// command pipe. Generalizes a single blocking ioctl-and-status-check call
// into a read loop that mirror-checks the response and stitches
// multi-frame stack continuations together.

package dialog

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mvlc-go/mvlc"
	"github.com/mvlc-go/mvlc/commands"
)

// maxMirrorRetries is how many times SuperTransaction resends a request
// after a timeout condition or a failed mirror check before giving up.
const maxMirrorRetries = 3

// readChunkBytes is the size of one Transport.Read call while accumulating
// a response. USB bulk reads and ETH datagrams are both comfortably under
// this.
const readChunkBytes = 1500

// Dialog drives super/stack transactions over one Transport. Its reference
// counter and stack-error counters are safe for concurrent use, but Dialog
// does not serialize command-pipe access itself, matching the original's
// single-writer assumption — callers that need multiple concurrent command
// issuers must serialize at a higher level.
type Dialog struct {
	Transport mvlc.Transport

	reference uint32 // atomic, wraps at 16 bits

	mu                 sync.Mutex
	stackErrorCounters map[uint8]uint64
}

func New(t mvlc.Transport) *Dialog {
	return &Dialog{
		Transport:          t,
		stackErrorCounters: make(map[uint8]uint64),
	}
}

func (d *Dialog) nextReference() mvlc.Word {
	return mvlc.Word(atomic.AddUint32(&d.reference, 1) & 0xffff)
}

func wordsToBytes(words []mvlc.Word) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func bytesToWords(buf []byte) []mvlc.Word {
	words := make([]mvlc.Word, len(buf)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return words
}

func isTimeoutCondition(err error) bool {
	me, ok := err.(*mvlc.MVLCError)
	return ok && me.Condition() == mvlc.ConditionTimeout
}

// bodyMirrorMask reports, for each word of a command's encoding, whether
// the device must echo it back unchanged. ReadLocal is the one exception:
// its value word is replaced by the register's current contents, so the
// mirror check must not compare it.
func bodyMirrorMask(cmds []commands.SuperCommand) []bool {
	var mask []bool
	for _, c := range cmds {
		if c.Opcode() == commands.OpReadLocal {
			mask = append(mask, true, false)
			continue
		}
		for i := 0; i < c.EncodedSize(); i++ {
			mask = append(mask, true)
		}
	}
	return mask
}

// mirrorCheck verifies that response echoes every masked word of request,
// excluding the leading start marker and trailing end marker. The reference
// word (request[1]) is checked separately from the command body so a
// mismatch there is reported as SuperReferenceMismatch rather than the
// generic MirrorNotEqual.
func mirrorCheck(request, response []mvlc.Word, mask []bool) error {
	if len(request) < 2 {
		return mvlc.NewError(mvlc.MirrorEmptyRequest)
	}
	if len(response) < 2 {
		return mvlc.NewError(mvlc.MirrorEmptyResponse)
	}
	if len(response) != len(request) {
		return mvlc.NewError(mvlc.MirrorShortResponse)
	}
	if request[1] != response[1] {
		return mvlc.NewError(mvlc.SuperReferenceMismatch)
	}
	for i := 2; i < len(request)-1; i++ {
		if pos := i - 2; pos < len(mask) && !mask[pos] {
			continue
		}
		if request[i] != response[i] {
			return mvlc.NewError(mvlc.MirrorNotEqual)
		}
	}
	return nil
}

// readSuperResponse accumulates bytes from the command pipe until a full
// super response buffer (ending in CmdBufferEnd) has arrived, or
// ReadResponseMaxWaitMs elapses.
func (d *Dialog) readSuperResponse() ([]mvlc.Word, error) {
	deadline := time.Now().Add(mvlc.ReadResponseMaxWaitMs * time.Millisecond)
	var acc []byte
	buf := make([]byte, readChunkBytes)

	for {
		if len(acc) >= 4 && len(acc)%4 == 0 {
			words := bytesToWords(acc)
			if words[len(words)-1] == mvlc.CmdBufferEnd {
				return words, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, mvlc.NewError(mvlc.ReadResponseMaxWaitExceeded)
		}

		n, err := d.Transport.Read(mvlc.CommandPipe, buf)
		if err != nil {
			if isTimeoutCondition(err) {
				continue
			}
			return nil, err
		}
		acc = append(acc, buf[:n]...)
	}
}

// SuperTransaction sends a super command buffer and returns the mirrored
// contents (excluding the start marker, reference word and end marker),
// retrying up to maxMirrorRetries times on a timeout condition or a failed
// mirror check.
func (d *Dialog) SuperTransaction(b *commands.SuperCommandBuilder) ([]mvlc.Word, error) {
	if b.Reference == 0 {
		b.Reference = d.nextReference()
	}
	request := commands.MakeCommandBuffer(b)
	mask := bodyMirrorMask(b.Commands)

	var lastErr error
	for attempt := 0; attempt <= maxMirrorRetries; attempt++ {
		if _, err := d.Transport.Write(mvlc.CommandPipe, wordsToBytes(request)); err != nil {
			if isTimeoutCondition(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		response, err := d.readSuperResponse()
		if err != nil {
			lastErr = err
			if isTimeoutCondition(err) {
				continue
			}
			return nil, err
		}

		if err := mirrorCheck(request, response, mask); err != nil {
			lastErr = err
			continue
		}

		return response[2 : len(response)-1], nil
	}
	return nil, mvlc.WrapError(mvlc.MirrorMaxTriesExceeded, lastErr)
}

// readStackResponse reads frame-headed words from the command pipe until a
// frame without FlagContinue/Continue set closes the transaction, stitching
// StackFrame + StackContinuation chains into one flat payload. StackError
// frames are diverted into stackErrorCounters rather than returned, since
// stack-error notifications can interleave with a stack response and must
// not be mistaken for it.
func (d *Dialog) readStackResponse() ([]mvlc.Word, error) {
	deadline := time.Now().Add(mvlc.ReadResponseMaxWaitMs * time.Millisecond)
	var acc []byte
	buf := make([]byte, readChunkBytes)
	var result []mvlc.Word

	for {
		for len(acc) >= 4 {
			header := binary.LittleEndian.Uint32(acc[0:4])
			h := mvlc.DecodeFrameHeader(header)
			frame, err := mvlc.ClassifyFrame(h)
			if err != nil {
				return nil, err
			}

			frameBytes := 4 * (1 + int(h.Length))
			if frameBytes > len(acc) {
				break
			}
			words := bytesToWords(acc[:frameBytes])
			acc = acc[frameBytes:]

			if _, ok := frame.(mvlc.StackErrorFrame); ok {
				d.recordStackError(h.StackID)
				continue
			}

			result = append(result, words[1:]...)
			if !h.Continue {
				return result, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, mvlc.NewError(mvlc.ReadResponseMaxWaitExceeded)
		}

		n, err := d.Transport.Read(mvlc.CommandPipe, buf)
		if err != nil {
			if isTimeoutCondition(err) {
				continue
			}
			return nil, err
		}
		acc = append(acc, buf[:n]...)
	}
}

func (d *Dialog) recordStackError(stackID uint8) {
	d.mu.Lock()
	d.stackErrorCounters[stackID]++
	d.mu.Unlock()
}

// StackErrorCounters returns a snapshot of per-stack error notification
// counts observed since the Dialog was created.
func (d *Dialog) StackErrorCounters() map[uint8]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint8]uint64, len(d.stackErrorCounters))
	for k, v := range d.stackErrorCounters {
		out[k] = v
	}
	return out
}

// chunkWords is the number of stack words carried per upload transaction,
// leaving room for the opcode/length header word within
// MirrorTransactionMaxContentsWords.
const chunkWords = mvlc.MirrorTransactionMaxContentsWords - 4

// UploadStack writes b's encoded buffer into stack memory, splitting the
// upload across multiple super transactions if it exceeds
// MirrorTransactionMaxContentsWords.
func (d *Dialog) UploadStack(b *commands.StackCommandBuilder) error {
	words := commands.MakeStackBuffer(b)
	if len(words) > mvlc.StackMemoryWords {
		return mvlc.NewError(mvlc.StackMemoryExceeded)
	}

	for offset := 0; offset < len(words); offset += chunkWords {
		end := offset + chunkWords
		if end > len(words) {
			end = len(words)
		}
		sb := &commands.SuperCommandBuilder{}
		sb.Add(commands.StackUploadWrite{Words: words[offset:end]})
		if _, err := d.SuperTransaction(sb); err != nil {
			return err
		}
	}
	return nil
}

// ExecImmediateStack uploads b to stack memory, triggers it on the
// immediate stack (stack 0), and returns its parsed response. It is the
// synchronous, interactive counterpart to the readout worker's triggered
// stack execution.
//
// A WriteMarker carrying a fresh reference word is prepended ahead of b's
// own commands so the stack response's first payload word can be checked
// against it before the rest of the response is trusted to belong to this
// transaction.
func (d *Dialog) ExecImmediateStack(b *commands.StackCommandBuilder) ([]commands.CommandResponse, error) {
	reference := d.nextReference()

	wrapped := &commands.StackCommandBuilder{}
	wrapped.AddGroup("reference").Add(commands.WriteMarker{Value: reference})
	wrapped.Groups = append(wrapped.Groups, b.Groups...)

	if err := d.UploadStack(wrapped); err != nil {
		return nil, err
	}

	exec := &commands.SuperCommandBuilder{}
	exec.Add(commands.WriteLocal{
		Reg: mvlc.StackOffsetRegister(mvlc.ImmediateStackID),
		Val: 0,
	})
	exec.Add(commands.WriteLocal{
		Reg: mvlc.StackTriggerRegister(mvlc.ImmediateStackID),
		Val: 1 << mvlc.ImmediateShift,
	})
	if _, err := d.SuperTransaction(exec); err != nil {
		return nil, err
	}

	response, err := d.readStackResponse()
	if err != nil {
		return nil, err
	}
	if len(response) < 1 || response[0] != reference {
		return nil, mvlc.NewError(mvlc.StackReferenceMismatch)
	}

	return commands.ParseResponseList(b.Commands(), response[1:])
}

// ReadRegister issues a ReadLocal super command and returns its value.
// The value occupies the second word of ReadLocal's 2-word encoding, which
// bodyMirrorMask exempts from the mirror check.
func (d *Dialog) ReadRegister(reg uint16) (mvlc.Word, error) {
	sb := &commands.SuperCommandBuilder{}
	sb.Add(commands.ReadLocal{Reg: reg})
	resp, err := d.SuperTransaction(sb)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, mvlc.NewError(mvlc.UnexpectedResponseSize)
	}
	return resp[1], nil
}

// WriteRegister issues a WriteLocal super command.
func (d *Dialog) WriteRegister(reg uint16, val mvlc.Word) error {
	sb := &commands.SuperCommandBuilder{}
	sb.Add(commands.WriteLocal{Reg: reg, Val: val})
	_, err := d.SuperTransaction(sb)
	return err
}
