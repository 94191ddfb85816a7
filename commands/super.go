// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Super command buffer encoding: a flat list of typed, fixed-encoding
// opcodes, the same shape as a flat ATA/SCSI opcode table.

package commands

import "github.com/mvlc-go/mvlc"

// SuperOpcode tags the encoded form of a super primitive.
type SuperOpcode uint8

const (
	OpWriteLocal SuperOpcode = 0x01
	OpReadLocal  SuperOpcode = 0x02
	OpEthDelay   SuperOpcode = 0x03
	OpStackWrite SuperOpcode = 0x04 // opaque stack-upload payload word
)

// SuperCommand is one primitive inside a super command buffer.
type SuperCommand interface {
	Opcode() SuperOpcode
	// EncodedSize is the number of words Encode appends, a pure function
	// of the command's variant.
	EncodedSize() int
	Encode() []mvlc.Word
}

type WriteLocal struct {
	Reg uint16
	Val mvlc.Word
}

func (WriteLocal) Opcode() SuperOpcode { return OpWriteLocal }
func (WriteLocal) EncodedSize() int    { return 3 }
func (c WriteLocal) Encode() []mvlc.Word {
	return []mvlc.Word{mvlc.Word(OpWriteLocal) << 24, mvlc.Word(c.Reg), c.Val}
}

type ReadLocal struct {
	Reg uint16
}

func (ReadLocal) Opcode() SuperOpcode { return OpReadLocal }
func (ReadLocal) EncodedSize() int    { return 2 }
func (c ReadLocal) Encode() []mvlc.Word {
	return []mvlc.Word{mvlc.Word(OpReadLocal) << 24, mvlc.Word(c.Reg)}
}

type EthDelay struct {
	Micros uint16
}

func (EthDelay) Opcode() SuperOpcode { return OpEthDelay }
func (EthDelay) EncodedSize() int    { return 2 }
func (c EthDelay) Encode() []mvlc.Word {
	return []mvlc.Word{mvlc.Word(OpEthDelay) << 24, mvlc.Word(c.Micros)}
}

// StackUploadWrite carries one or more opaque words destined for stack
// memory; the dialog layer uses it to piggy-back a StackCommandBuilder's
// encoding onto a super transaction.
type StackUploadWrite struct {
	Words []mvlc.Word
}

func (StackUploadWrite) Opcode() SuperOpcode { return OpStackWrite }
func (c StackUploadWrite) EncodedSize() int  { return 1 + len(c.Words) }
func (c StackUploadWrite) Encode() []mvlc.Word {
	out := make([]mvlc.Word, 0, c.EncodedSize())
	out = append(out, mvlc.Word(OpStackWrite)<<24|mvlc.Word(len(c.Words)))
	out = append(out, c.Words...)
	return out
}

// SuperCommandBuilder is an ordered sequence of super primitives framed by
// a client-chosen 16-bit reference word.
type SuperCommandBuilder struct {
	Reference mvlc.Word
	Commands  []SuperCommand
}

func (b *SuperCommandBuilder) Add(c SuperCommand) {
	b.Commands = append(b.Commands, c)
}

// EncodedSize returns the number of words MakeCommandBuffer will produce,
// including the start/end markers and the reference word.
func (b *SuperCommandBuilder) EncodedSize() int {
	n := 3 // start + reference + end
	for _, c := range b.Commands {
		n += c.EncodedSize()
	}
	return n
}

// MakeCommandBuffer emits [CmdBufferStart, ReferenceWord, <encoded
// primitives>, CmdBufferEnd].
func MakeCommandBuffer(b *SuperCommandBuilder) []mvlc.Word {
	out := make([]mvlc.Word, 0, b.EncodedSize())
	out = append(out, mvlc.CmdBufferStart, b.Reference&0xffff)
	for _, c := range b.Commands {
		out = append(out, c.Encode()...)
	}
	out = append(out, mvlc.CmdBufferEnd)
	return out
}
