// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Stack command buffer encoding.

package commands

import "github.com/mvlc-go/mvlc"

// StackOpcode tags the encoded form of a stack command.
type StackOpcode uint8

const (
	OpVMEWrite         StackOpcode = 0x01
	OpVMERead          StackOpcode = 0x02
	OpVMEBlockRead     StackOpcode = 0x03
	OpWriteMarker      StackOpcode = 0x04
	OpWriteSpecial     StackOpcode = 0x05
	OpAddressIncMode   StackOpcode = 0x06
	OpSetAccu          StackOpcode = 0x07
	OpReadToAccu       StackOpcode = 0x08
	OpCompareLoopAccu  StackOpcode = 0x09
	OpWait             StackOpcode = 0x0A
	OpSignalAccu       StackOpcode = 0x0B
	OpMaskShiftAccu    StackOpcode = 0x0C
)

// StackCommand is one VME-level command inside a stack command buffer.
type StackCommand interface {
	Opcode() StackOpcode
	// EncodedSize is the number of words Encode appends, a pure function
	// of the command's variant — used by splitters
	// (GetEncodedStackSize) to keep uploads within the mirror-transaction
	// limit without encoding the whole stack first.
	EncodedSize() int
	Encode() []mvlc.Word
}

func header(op StackOpcode, a, b uint8) mvlc.Word {
	return mvlc.Word(op)<<24 | mvlc.Word(a)<<16 | mvlc.Word(b)<<8
}

type VMEWrite struct {
	Addr mvlc.Word
	Val  mvlc.Word
	Amod uint8
	DW   uint8 // data width: 0=D16, 1=D32
}

func (VMEWrite) Opcode() StackOpcode { return OpVMEWrite }
func (VMEWrite) EncodedSize() int    { return 3 }
func (c VMEWrite) Encode() []mvlc.Word {
	return []mvlc.Word{header(OpVMEWrite, c.Amod, c.DW), c.Addr, c.Val}
}

type VMERead struct {
	Addr mvlc.Word
	Amod uint8
	DW   uint8
}

func (VMERead) Opcode() StackOpcode { return OpVMERead }
func (VMERead) EncodedSize() int    { return 2 }
func (c VMERead) Encode() []mvlc.Word {
	return []mvlc.Word{header(OpVMERead, c.Amod, c.DW), c.Addr}
}

type VMEBlockRead struct {
	Addr         mvlc.Word
	Amod         uint8
	MaxTransfers uint16
}

func (VMEBlockRead) Opcode() StackOpcode { return OpVMEBlockRead }
func (VMEBlockRead) EncodedSize() int    { return 3 }
func (c VMEBlockRead) Encode() []mvlc.Word {
	return []mvlc.Word{
		mvlc.Word(OpVMEBlockRead)<<24 | mvlc.Word(c.Amod)<<16,
		c.Addr,
		mvlc.Word(c.MaxTransfers),
	}
}

type WriteMarker struct {
	Value mvlc.Word
}

func (WriteMarker) Opcode() StackOpcode { return OpWriteMarker }
func (WriteMarker) EncodedSize() int    { return 2 }
func (c WriteMarker) Encode() []mvlc.Word {
	return []mvlc.Word{mvlc.Word(OpWriteMarker) << 24, c.Value}
}

type WriteSpecial struct {
	Value uint8
}

func (WriteSpecial) Opcode() StackOpcode { return OpWriteSpecial }
func (WriteSpecial) EncodedSize() int    { return 1 }
func (c WriteSpecial) Encode() []mvlc.Word {
	return []mvlc.Word{mvlc.Word(OpWriteSpecial)<<24 | mvlc.Word(c.Value)}
}

type AddressIncMode struct {
	Mode uint8
}

func (AddressIncMode) Opcode() StackOpcode { return OpAddressIncMode }
func (AddressIncMode) EncodedSize() int    { return 1 }
func (c AddressIncMode) Encode() []mvlc.Word {
	return []mvlc.Word{mvlc.Word(OpAddressIncMode)<<24 | mvlc.Word(c.Mode)}
}

type SetAccu struct {
	Value mvlc.Word
}

func (SetAccu) Opcode() StackOpcode { return OpSetAccu }
func (SetAccu) EncodedSize() int    { return 2 }
func (c SetAccu) Encode() []mvlc.Word {
	return []mvlc.Word{mvlc.Word(OpSetAccu) << 24, c.Value}
}

type ReadToAccu struct{}

func (ReadToAccu) Opcode() StackOpcode   { return OpReadToAccu }
func (ReadToAccu) EncodedSize() int      { return 1 }
func (ReadToAccu) Encode() []mvlc.Word { return []mvlc.Word{mvlc.Word(OpReadToAccu) << 24} }

type CompareLoopAccu struct {
	Value mvlc.Word
}

func (CompareLoopAccu) Opcode() StackOpcode { return OpCompareLoopAccu }
func (CompareLoopAccu) EncodedSize() int    { return 2 }
func (c CompareLoopAccu) Encode() []mvlc.Word {
	return []mvlc.Word{mvlc.Word(OpCompareLoopAccu) << 24, c.Value}
}

type Wait struct {
	Cycles mvlc.Word
}

func (Wait) Opcode() StackOpcode { return OpWait }
func (Wait) EncodedSize() int    { return 2 }
func (c Wait) Encode() []mvlc.Word {
	return []mvlc.Word{mvlc.Word(OpWait) << 24, c.Cycles}
}

type SignalAccu struct{}

func (SignalAccu) Opcode() StackOpcode   { return OpSignalAccu }
func (SignalAccu) EncodedSize() int      { return 1 }
func (SignalAccu) Encode() []mvlc.Word { return []mvlc.Word{mvlc.Word(OpSignalAccu) << 24} }

type MaskShiftAccu struct {
	Mask  uint16
	Shift uint8
}

func (MaskShiftAccu) Opcode() StackOpcode { return OpMaskShiftAccu }
func (MaskShiftAccu) EncodedSize() int    { return 2 }
func (c MaskShiftAccu) Encode() []mvlc.Word {
	return []mvlc.Word{mvlc.Word(OpMaskShiftAccu) << 24, mvlc.Word(c.Mask)<<8 | mvlc.Word(c.Shift)}
}

// StackGroup is a named sub-list of stack commands, typically one VME
// module's readout program.
type StackGroup struct {
	Name     string
	Commands []StackCommand
}

// StackCommandBuilder is an ordered list of StackGroups.
type StackCommandBuilder struct {
	Groups []StackGroup
}

func (b *StackCommandBuilder) AddGroup(name string) *StackGroup {
	b.Groups = append(b.Groups, StackGroup{Name: name})
	return &b.Groups[len(b.Groups)-1]
}

func (g *StackGroup) Add(c StackCommand) {
	g.Commands = append(g.Commands, c)
}

// Commands returns every command across all groups in program order, for
// callers (e.g. the dialog layer) that need to pair a flat response list
// back up with the commands that produced it.
func (b *StackCommandBuilder) Commands() []StackCommand {
	return b.flatCommands()
}

// flatCommands returns every command across all groups in program order.
func (b *StackCommandBuilder) flatCommands() []StackCommand {
	var all []StackCommand
	for _, g := range b.Groups {
		all = append(all, g.Commands...)
	}
	return all
}

// GetEncodedStackSize returns the number of words MakeStackBuffer would
// produce for b, including the StackStart/StackEnd markers. Splitters use
// this to keep each upload part within MirrorTransactionMaxContentsWords
// without encoding the stack twice.
func GetEncodedStackSize(b *StackCommandBuilder) int {
	n := 2 // start + end
	for _, c := range b.flatCommands() {
		n += c.EncodedSize()
	}
	return n
}

// MakeStackBuffer emits [StackStart, <encoded commands>, StackEnd].
func MakeStackBuffer(b *StackCommandBuilder) []mvlc.Word {
	out := make([]mvlc.Word, 0, GetEncodedStackSize(b))
	out = append(out, mvlc.StackStart)
	for _, c := range b.flatCommands() {
		out = append(out, c.Encode()...)
	}
	out = append(out, mvlc.StackEnd)
	return out
}

// ParseStackBuffer converts a raw stack word buffer (as read back from
// stack memory) into a StackCommandBuilder for introspection tools. The
// result has a single unnamed group; callers that uploaded named groups
// must track group boundaries themselves.
func ParseStackBuffer(words []mvlc.Word) (*StackCommandBuilder, error) {
	if len(words) < 2 || words[0] != mvlc.StackStart || words[len(words)-1] != mvlc.StackEnd {
		return nil, mvlc.NewError(mvlc.InvalidStackHeader)
	}

	b := &StackCommandBuilder{}
	g := b.AddGroup("")

	body := words[1 : len(words)-1]
	i := 0
	for i < len(body) {
		op := StackOpcode(body[i] >> 24)
		switch op {
		case OpVMEWrite:
			if i+3 > len(body) {
				return nil, mvlc.NewError(mvlc.InvalidStackHeader)
			}
			g.Add(VMEWrite{
				Amod: uint8(body[i] >> 16),
				DW:   uint8(body[i] >> 8),
				Addr: body[i+1],
				Val:  body[i+2],
			})
			i += 3
		case OpVMERead:
			if i+2 > len(body) {
				return nil, mvlc.NewError(mvlc.InvalidStackHeader)
			}
			g.Add(VMERead{Amod: uint8(body[i] >> 16), DW: uint8(body[i] >> 8), Addr: body[i+1]})
			i += 2
		case OpVMEBlockRead:
			if i+3 > len(body) {
				return nil, mvlc.NewError(mvlc.InvalidStackHeader)
			}
			g.Add(VMEBlockRead{
				Amod:         uint8(body[i] >> 16),
				Addr:         body[i+1],
				MaxTransfers: uint16(body[i+2]),
			})
			i += 3
		case OpWriteMarker:
			if i+2 > len(body) {
				return nil, mvlc.NewError(mvlc.InvalidStackHeader)
			}
			g.Add(WriteMarker{Value: body[i+1]})
			i += 2
		case OpWriteSpecial:
			g.Add(WriteSpecial{Value: uint8(body[i])})
			i++
		case OpAddressIncMode:
			g.Add(AddressIncMode{Mode: uint8(body[i])})
			i++
		case OpSetAccu:
			if i+2 > len(body) {
				return nil, mvlc.NewError(mvlc.InvalidStackHeader)
			}
			g.Add(SetAccu{Value: body[i+1]})
			i += 2
		case OpReadToAccu:
			g.Add(ReadToAccu{})
			i++
		case OpCompareLoopAccu:
			if i+2 > len(body) {
				return nil, mvlc.NewError(mvlc.InvalidStackHeader)
			}
			g.Add(CompareLoopAccu{Value: body[i+1]})
			i += 2
		case OpWait:
			if i+2 > len(body) {
				return nil, mvlc.NewError(mvlc.InvalidStackHeader)
			}
			g.Add(Wait{Cycles: body[i+1]})
			i += 2
		case OpSignalAccu:
			g.Add(SignalAccu{})
			i++
		case OpMaskShiftAccu:
			if i+2 > len(body) {
				return nil, mvlc.NewError(mvlc.InvalidStackHeader)
			}
			g.Add(MaskShiftAccu{Mask: uint16(body[i+1] >> 8), Shift: uint8(body[i+1])})
			i += 2
		default:
			return nil, mvlc.NewError(mvlc.InvalidStackHeader)
		}
	}

	return b, nil
}
