// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// UDP packet framing. Every datagram starts with two
// framing words; this file decodes/validates them and truncates padding.

package eth

import (
	"encoding/binary"

	"github.com/mvlc-go/mvlc"
)

// PacketChannelCount is the number of logical streams multiplexed over the
// ETH data pipe, each with its own packet-number counter.
const PacketChannelCount = 4

// NextHeaderPointerNone is the sentinel value of header1's
// nextHeaderPointer meaning "no MVLC frame header starts in this packet;
// the whole payload is continuation data from the previous packet".
const NextHeaderPointerNone = 0xFFF

// PacketHeader is the decoded form of the two framing words prefixing every
// ETH data packet.
type PacketHeader struct {
	PacketChannel     uint8 // 2 bits
	PacketNumber      uint16 // 12 bits
	ControllerID      uint8 // 3 bits
	DataWordCount     uint16 // 13 bits
	UDPTimestamp      uint32 // 20 bits
	NextHeaderPointer uint16 // 12 bits, word offset into payload or NextHeaderPointerNone
}

// EncodeHeader0 / EncodeHeader1 produce the two wire words for a header —
// used by tests and by the loopback/replay paths that synthesize packets.
func (h PacketHeader) EncodeHeader0() mvlc.Word {
	return mvlc.Word(h.PacketChannel&0x3)<<30 |
		mvlc.Word(h.PacketNumber&0xfff)<<18 |
		mvlc.Word(h.ControllerID&0x7)<<15 |
		mvlc.Word(h.DataWordCount&0x1fff)<<2
}

func (h PacketHeader) EncodeHeader1() mvlc.Word {
	return mvlc.Word(h.UDPTimestamp&0xfffff)<<12 | mvlc.Word(h.NextHeaderPointer&0xfff)
}

func decodeHeader0(w mvlc.Word) (channel uint8, number uint16, ctrl uint8, dataWords uint16) {
	channel = uint8((w >> 30) & 0x3)
	number = uint16((w >> 18) & 0xfff)
	ctrl = uint8((w >> 15) & 0x7)
	dataWords = uint16((w >> 2) & 0x1fff)
	return
}

func decodeHeader1(w mvlc.Word) (ts uint32, nextHdr uint16) {
	ts = (w >> 12) & 0xfffff
	nextHdr = uint16(w & 0xfff)
	return
}

// DecodePacketHeader decodes the two framing words at the start of data.
func DecodePacketHeader(data []byte) (PacketHeader, error) {
	if len(data) < 8 {
		return PacketHeader{}, mvlc.NewError(mvlc.UDPDataWordCountExceedsPacketSize)
	}
	w0 := binary.LittleEndian.Uint32(data[0:4])
	w1 := binary.LittleEndian.Uint32(data[4:8])

	channel, number, ctrl, dataWords := decodeHeader0(w0)
	ts, nextHdr := decodeHeader1(w1)

	if int(channel) >= PacketChannelCount {
		return PacketHeader{}, mvlc.NewError(mvlc.UDPPacketChannelOutOfRange)
	}

	return PacketHeader{
		PacketChannel:     channel,
		PacketNumber:      number,
		ControllerID:      ctrl,
		DataWordCount:     dataWords,
		UDPTimestamp:      ts,
		NextHeaderPointer: nextHdr,
	}, nil
}

// PacketLoss computes lost packets between two 12-bit packet numbers:
// loss = (cur - last - 1) mod 2^12.
func PacketLoss(last, cur uint16) uint16 {
	const mod = 1 << 12
	return uint16((int(cur) - int(last) - 1 + mod) % mod)
}

// ValidatePacket checks framing-word sanity and truncates the payload to
// the declared dataWordCount, reporting residue bytes (every byte past the
// declared word count, e.g. ethernet padding or a partial trailing word)
// separately so the caller can count packetsWithResidue without losing real
// data.
//
// data must start with the two framing words. The returned payload starts
// right after them.
func ValidatePacket(data []byte) (hdr PacketHeader, payload []byte, residue int, err error) {
	hdr, err = DecodePacketHeader(data)
	if err != nil {
		return PacketHeader{}, nil, 0, err
	}

	body := data[8:]
	declaredBytes := int(hdr.DataWordCount) * 4
	if declaredBytes > len(body) {
		return PacketHeader{}, nil, 0, mvlc.NewError(mvlc.UDPDataWordCountExceedsPacketSize)
	}

	payload = body[:declaredBytes]
	residue = len(body) - declaredBytes
	return hdr, payload, residue, nil
}
