// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Readout parser. Walks buffers handed over by the
// readout worker, splits each stack frame's payload into per-module
// prefix/dynamic/suffix segments according to a caller-supplied layout, and
// resynchronizes on malformed input rather than aborting the run. Grounded
// on frame.go's tagged-variant Frame/ClassifyFrame scheme and on
// commands/decode.go's BlockRead continuation-chasing loop, generalized
// from "one command's response" to "one module's dynamic segment within a
// live readout stream".

package parser

import (
	"encoding/binary"

	"github.com/mvlc-go/mvlc"
)

// ModuleReadout describes the fixed shape of one VME module's contribution
// to a stack's response: PrefixLen words of fixed register reads, then
// (optionally) one dynamic block-read segment of variable length, then
// SuffixLen words of fixed trailing reads.
type ModuleReadout struct {
	Name        string
	PrefixLen   int
	HasDynamic  bool
	SuffixLen   int
}

// StackLayout describes every module contributing to one stack's readout
// program, in program order.
type StackLayout struct {
	StackID uint8
	Modules []ModuleReadout
}

// Callbacks receives parsed segments as the parser walks a buffer. Calls
// for one event happen in module order, bracketed by BeginEvent/EndEvent.
type Callbacks interface {
	BeginEvent(stackID uint8)
	ModulePrefix(moduleIndex int, words []mvlc.Word)
	ModuleDynamic(moduleIndex int, words []mvlc.Word)
	ModuleSuffix(moduleIndex int, words []mvlc.Word)
	EndEvent(stackID uint8)
	SystemEvent(subtype uint8, words []mvlc.Word)
}

// Parser turns raw buffer bytes into Callbacks invocations for a fixed set
// of stack layouts, keyed by stack ID.
type Parser struct {
	layouts map[uint8]StackLayout
	cb      Callbacks

	unusedBytes      uint64
	parserExceptions uint64

	haveLastBuffer     bool
	lastBufferNumber   uint64
	internalBufferLoss uint64
}

func New(cb Callbacks, layouts ...StackLayout) *Parser {
	p := &Parser{
		layouts: make(map[uint8]StackLayout, len(layouts)),
		cb:      cb,
	}
	for _, l := range layouts {
		p.layouts[l.StackID] = l
	}
	return p
}

// Stats reports cumulative counters: bytes not consumed by any frame (those
// skipped while resynchronizing plus trailing bytes too short for a header)
// and the number of times resync was triggered.
func (p *Parser) Stats() (unusedBytes, parserExceptions uint64) {
	return p.unusedBytes, p.parserExceptions
}

// InternalBufferLoss reports how many readout buffers are believed lost,
// accumulated across every ObserveBufferNumber/ParseReadoutBuffer call.
func (p *Parser) InternalBufferLoss() uint64 {
	return p.internalBufferLoss
}

// ObserveBufferNumber feeds one readout buffer's monotonic sequence number
// into the parser's loss accounting and returns the gap detected since the
// previous call (0 on the first call or when numbers are contiguous).
// Buffer numbers are assigned by the readout/replay worker and must
// increase by exactly one per buffer; any larger step means buffers were
// dropped between the worker and the parser.
func (p *Parser) ObserveBufferNumber(number uint64) uint64 {
	if !p.haveLastBuffer {
		p.haveLastBuffer = true
		p.lastBufferNumber = number
		return 0
	}
	var gap uint64
	if number > p.lastBufferNumber+1 {
		gap = number - p.lastBufferNumber - 1
		p.internalBufferLoss += gap
	}
	p.lastBufferNumber = number
	return gap
}

// ParseReadoutBuffer is ParseBuffer plus buffer-number loss accounting for
// one readout buffer straight off a BufferPool's filled queue.
func (p *Parser) ParseReadoutBuffer(number uint64, data []byte) error {
	p.ObserveBufferNumber(number)
	return p.ParseBuffer(data)
}

// ParseBuffer walks buf word by word, dispatching one event per
// (possibly continuation-chained) stack frame and one SystemEvent call per
// system frame. Malformed or unrecognized headers trigger a byte-at-a-time
// resync: the offending byte is dropped, unusedBytes and parserExceptions
// are incremented, and parsing resumes at the next byte.
func (p *Parser) ParseBuffer(data []byte) error {
	pos := 0
	for pos+4 <= len(data) {
		header := binary.LittleEndian.Uint32(data[pos : pos+4])
		h := mvlc.DecodeFrameHeader(header)
		frame, err := mvlc.ClassifyFrame(h)
		if err != nil {
			p.resyncOneByte(&pos)
			continue
		}

		frameBytes := 4 * (1 + int(h.Length))
		if pos+frameBytes > len(data) {
			p.resyncOneByte(&pos)
			continue
		}

		switch frame.(type) {
		case mvlc.SystemEventFrame:
			words := bytesToWords(data[pos+4 : pos+frameBytes])
			p.cb.SystemEvent(h.SubType, words)
			pos += frameBytes

		case mvlc.StackResponseFrame, mvlc.StackContinuationFrame:
			consumed, err := p.parseStackEvent(h, data[pos:])
			if err != nil {
				p.resyncOneByte(&pos)
				continue
			}
			pos += consumed

		case mvlc.StackErrorFrame:
			// Stack-error notifications interleaved into live readout data
			// carry no module payload; the dialog layer is the place stack
			// errors are counted for interactive transactions. Skip it.
			pos += frameBytes

		default:
			p.resyncOneByte(&pos)
		}
	}

	if pos < len(data) {
		p.unusedBytes += uint64(len(data) - pos)
	}
	return nil
}

func (p *Parser) resyncOneByte(pos *int) {
	*pos++
	p.unusedBytes++
	p.parserExceptions++
}

// parseStackEvent consumes one stack frame and any chained continuation
// frames starting at data[0], dispatches the module callbacks, and returns
// the number of bytes consumed.
func (p *Parser) parseStackEvent(first mvlc.FrameHeader, data []byte) (int, error) {
	layout, ok := p.layouts[first.StackID]
	if !ok {
		return 0, mvlc.NewError(mvlc.InvalidBufferHeader)
	}

	var payload []mvlc.Word
	pos := 0
	h := first
	for {
		frameBytes := 4 * (1 + int(h.Length))
		if pos+frameBytes > len(data) {
			return 0, mvlc.NewError(mvlc.UnexpectedResponseSize)
		}
		payload = append(payload, bytesToWords(data[pos+4:pos+frameBytes])...)
		pos += frameBytes
		if !h.Continue {
			break
		}
		if pos+4 > len(data) {
			return 0, mvlc.NewError(mvlc.UnexpectedResponseSize)
		}
		h = mvlc.DecodeFrameHeader(binary.LittleEndian.Uint32(data[pos : pos+4]))
		if h.Type != mvlc.StackContType {
			return 0, mvlc.NewError(mvlc.InvalidBufferHeader)
		}
	}

	if err := p.dispatchModules(layout, payload); err != nil {
		return 0, err
	}
	return pos, nil
}

func (p *Parser) dispatchModules(layout StackLayout, payload []mvlc.Word) error {
	p.cb.BeginEvent(layout.StackID)
	defer p.cb.EndEvent(layout.StackID)

	off := 0
	for idx, mod := range layout.Modules {
		if off+mod.PrefixLen > len(payload) {
			return mvlc.NewError(mvlc.UnexpectedResponseSize)
		}
		p.cb.ModulePrefix(idx, payload[off:off+mod.PrefixLen])
		off += mod.PrefixLen

		if mod.HasDynamic {
			words, n, err := readDynamicSegment(payload[off:])
			if err != nil {
				return err
			}
			p.cb.ModuleDynamic(idx, words)
			off += n
		}

		if off+mod.SuffixLen > len(payload) {
			return mvlc.NewError(mvlc.UnexpectedResponseSize)
		}
		p.cb.ModuleSuffix(idx, payload[off:off+mod.SuffixLen])
		off += mod.SuffixLen
	}

	return nil
}

// readDynamicSegment consumes one (possibly continued) BlockRead sub-frame
// chain from the start of words, mirroring commands/decode.go's
// VMEBlockRead handling.
func readDynamicSegment(words []mvlc.Word) ([]mvlc.Word, int, error) {
	var out []mvlc.Word
	pos := 0
	for {
		if pos >= len(words) {
			return nil, 0, mvlc.NewError(mvlc.UnexpectedResponseSize)
		}
		h := mvlc.DecodeFrameHeader(words[pos])
		if h.Type != mvlc.BlockReadType {
			return nil, 0, mvlc.NewError(mvlc.InvalidBufferHeader)
		}
		frameEnd := pos + 1 + int(h.Length)
		if frameEnd > len(words) {
			return nil, 0, mvlc.NewError(mvlc.UnexpectedResponseSize)
		}
		out = append(out, words[pos+1:frameEnd]...)
		pos = frameEnd
		if !h.Continue {
			break
		}
	}
	return out, pos, nil
}

func bytesToWords(buf []byte) []mvlc.Word {
	words := make([]mvlc.Word, len(buf)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return words
}
