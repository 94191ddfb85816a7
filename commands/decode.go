// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Stack response decoding: walks a stack response word
// buffer against the list of commands that produced it.

package commands

import "github.com/mvlc-go/mvlc"

// CommandResponse pairs one stack command with the response words it
// produced.
type CommandResponse struct {
	Command StackCommand
	Words   []mvlc.Word
	Group   string
}

// ParseResponseList walks response (the fully stitched stack-response
// payload, continuations already concatenated by the caller) against
// commands in program order, returning one CommandResponse per command.
//
//   - VMERead consumes exactly one word.
//   - VMEWrite, WriteMarker, WriteSpecial, AddressIncMode, SetAccu,
//     ReadToAccu, CompareLoopAccu, Wait, SignalAccu, MaskShiftAccu consume
//     none.
//   - VMEBlockRead consumes one BlockRead sub-frame (header + declared
//     payload), following any Continue-flagged sub-continuations, whose
//     combined length is taken from the frame header(s), not from
//     MaxTransfers.
func ParseResponseList(commandsList []StackCommand, response []mvlc.Word) ([]CommandResponse, error) {
	out := make([]CommandResponse, 0, len(commandsList))
	pos := 0

	for _, cmd := range commandsList {
		switch cmd.Opcode() {
		case OpVMERead:
			if pos >= len(response) {
				return nil, mvlc.NewError(mvlc.UnexpectedResponseSize)
			}
			out = append(out, CommandResponse{Command: cmd, Words: response[pos : pos+1]})
			pos++

		case OpVMEBlockRead:
			start := pos
			for {
				if pos >= len(response) {
					return nil, mvlc.NewError(mvlc.UnexpectedResponseSize)
				}
				h := mvlc.DecodeFrameHeader(response[pos])
				if h.Type != mvlc.BlockReadType {
					return nil, mvlc.NewError(mvlc.InvalidBufferHeader)
				}
				frameEnd := pos + 1 + int(h.Length)
				if frameEnd > len(response) {
					return nil, mvlc.NewError(mvlc.UnexpectedResponseSize)
				}
				pos = frameEnd
				if !h.Continue {
					break
				}
			}
			out = append(out, CommandResponse{Command: cmd, Words: response[start:pos]})

		default:
			// Zero-response commands: VMEWrite, markers, delays, accu ops.
			out = append(out, CommandResponse{Command: cmd})
		}
	}

	return out, nil
}

// ParseResponseListGrouped is ParseResponseList but re-expands the flat
// result back into per-StackGroup slices, for introspection tools that want
// responses organized the way the stack was authored.
func ParseResponseListGrouped(b *StackCommandBuilder, response []mvlc.Word) (map[string][]CommandResponse, error) {
	flat, err := ParseResponseList(b.flatCommands(), response)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]CommandResponse, len(b.Groups))
	idx := 0
	for _, g := range b.Groups {
		for range g.Commands {
			r := flat[idx]
			r.Group = g.Name
			out[g.Name] = append(out[g.Name], r)
			idx++
		}
	}
	return out, nil
}
