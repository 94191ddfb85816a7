// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// mvlc-listfile-info opens a recorded listfile, reports its config envelope
// and transport format, and counts frame types seen in the data stream. In
// the style of cmd/mkdrivedb's "open input, report counts" shape.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mvlc-go/mvlc"
	"github.com/mvlc-go/mvlc/readout"
	"github.com/mvlc-go/mvlc/replay"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: mvlc-listfile-info <path.zip>")
		os.Exit(2)
	}

	lf, err := replay.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("open %s: %v", flag.Arg(0), err)
	}

	fmt.Printf("format:     %s\n", lf.Format)
	fmt.Printf("crate name: %s\n", lf.Config.CrateName)
	for _, s := range lf.Config.Stacks {
		fmt.Printf("  stack %d: %s\n", s.StackID, s.Name)
	}

	pool := readout.NewBufferPool(1<<20, 4)
	worker := replay.NewWorker(lf, pool)

	counts := make(map[mvlc.FrameType]uint64)
	var buffers, lastBufferNumber uint64
	var gaps uint64
	var unusedBytes uint64

	ctx := context.Background()
	if err := worker.Start(ctx); err != nil {
		log.Fatalf("start replay: %v", err)
	}

	// Drain filled buffers with a short per-call timeout; once the replay
	// loop has gone Idle (data member exhausted) and no buffer shows up
	// within that window, the run is over.
	for {
		getCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		buf, err := pool.GetFilled(getCtx)
		cancel()
		if err != nil {
			if worker.State() == readout.Idle {
				break
			}
			continue
		}

		if buffers > 0 && buf.Number != lastBufferNumber+1 {
			gaps += buf.Number - lastBufferNumber - 1
		}
		lastBufferNumber = buf.Number
		buffers++

		scanFrames(buf.Data, counts, &unusedBytes)
		pool.PutEmpty(buf)
	}
	worker.Stop()

	fmt.Printf("buffers:      %d (gaps: %d)\n", buffers, gaps)
	fmt.Printf("unusedBytes:  %d\n", unusedBytes)
	for t, n := range counts {
		fmt.Printf("  %-18s %d\n", t, n)
	}
}

// scanFrames walks data as a sequence of top-level MVLC frames, tallying
// frame types. It does not attempt per-module parsing (that needs a
// StackLayout the listfile alone does not carry) — just frame accounting,
// the same granularity parser.Stats reports for a live run.
func scanFrames(data []byte, counts map[mvlc.FrameType]uint64, unusedBytes *uint64) {
	pos := 0
	for pos+4 <= len(data) {
		h := mvlc.DecodeFrameHeader(binary.LittleEndian.Uint32(data[pos : pos+4]))
		frame, err := mvlc.ClassifyFrame(h)
		if err != nil {
			pos++
			*unusedBytes++
			continue
		}
		frameBytes := 4 * (1 + int(h.Length))
		if pos+frameBytes > len(data) {
			pos++
			*unusedBytes++
			continue
		}
		counts[frame.Header().Type]++
		pos += frameBytes
	}
	*unusedBytes += uint64(len(data) - pos)
}
