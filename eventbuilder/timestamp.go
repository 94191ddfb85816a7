// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Signed 30-bit timestamp comparator. The MVLC's
// free-running timestamp counter wraps at 2^30; comparisons must treat it
// as a signed delta the way TCP sequence number comparisons do, not as a
// plain unsigned difference.

package eventbuilder

const (
	timestampBits    = 30
	TimestampModulus = 1 << timestampBits
)

// CompareTimestamps returns a's offset from b, interpreted modulo 2^30 and
// folded into the signed range [-2^29, 2^29). A positive result means a is
// later than b; this is what lets a match window stay correct across a
// counter wraparound.
func CompareTimestamps(a, b uint32) int32 {
	const mask = TimestampModulus - 1
	diff := int32(a&mask) - int32(b&mask)
	const half = TimestampModulus / 2
	switch {
	case diff >= half:
		diff -= TimestampModulus
	case diff < -half:
		diff += TimestampModulus
	}
	return diff
}

// Classification is the outcome of matching one module's timestamp against
// a main module's reference timestamp and window.
type Classification int

const (
	TooOld Classification = iota
	InWindow
	TooNew
)

func (c Classification) String() string {
	switch c {
	case TooOld:
		return "too_old"
	case InWindow:
		return "in_window"
	case TooNew:
		return "too_new"
	default:
		return "unknown"
	}
}

// ClassifyWindow compares moduleTs against mainTs using win and reports both
// the classification and invscore (|diff|, for quality monitoring — a
// smaller invscore means a closer match).
func ClassifyWindow(mainTs, moduleTs uint32, win Window) (Classification, int32) {
	diff := CompareTimestamps(mainTs, moduleTs)
	invscore := diff
	if invscore < 0 {
		invscore = -invscore
	}
	switch {
	case int64(diff) > -int64(win.Lo):
		return TooOld, invscore
	case int64(diff) >= -int64(win.Hi):
		return InWindow, invscore
	default:
		return TooNew, invscore
	}
}
