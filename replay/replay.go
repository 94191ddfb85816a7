// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Replay worker. Feeds a listfile's recorded byte
// stream through the same BufferPool protocol readout.Worker uses, so
// parser and eventbuilder code downstream is agnostic to whether its
// buffers came from live hardware or a recorded run. Same state machine
// shape as readout.Worker: the run loop differs because a
// listfile's data member ends (EOF means "replay is done", not "no data
// yet" the way a live transport's read timeout does), so it is its own
// small loop rather than a literal reuse of readout.Worker's.

package replay

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/mvlc-go/mvlc"
	"github.com/mvlc-go/mvlc/readout"
)

// Worker drives a Listfile's data member into a BufferPool.
type Worker struct {
	Listfile *Listfile
	Pool     *readout.BufferPool

	mu           sync.Mutex
	state        readout.State
	desiredState readout.State

	nextBufferNumber uint64
	leftoverUSB      []byte

	doneCh chan struct{}
}

func NewWorker(lf *Listfile, pool *readout.BufferPool) *Worker {
	return &Worker{Listfile: lf, Pool: pool, state: readout.Idle}
}

func (w *Worker) State() readout.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s readout.State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) setDesiredState(s readout.State) {
	w.mu.Lock()
	w.desiredState = s
	w.mu.Unlock()
}

func (w *Worker) desiredStateIs(s readout.State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.desiredState == s
}

// Start transitions Idle -> Starting -> Running and launches the replay
// loop in a new goroutine. The loop exits on its own once the listfile's
// data member is exhausted, the same as Stop would end it early.
func (w *Worker) Start(ctx context.Context) error {
	if w.State() != readout.Idle {
		return mvlc.NewError(mvlc.InUse)
	}
	w.setState(readout.Starting)
	w.setDesiredState(readout.Running)
	w.doneCh = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Pause and Resume suspend and continue the replay loop without tearing it
// down.
func (w *Worker) Pause()  { w.setDesiredState(readout.Paused) }
func (w *Worker) Resume() { w.setDesiredState(readout.Running) }

// Stop asks the loop to flush its current buffer and exit, then blocks
// until it has.
func (w *Worker) Stop() {
	if w.State() == readout.Idle {
		return
	}
	w.setDesiredState(readout.Stopping)
	<-w.doneCh
}

func (w *Worker) run(ctx context.Context) {
	w.setState(readout.Running)
	defer func() {
		w.setState(readout.Idle)
		w.Listfile.Close()
		close(w.doneCh)
	}()

	rc, err := w.Listfile.DataReader()
	if err != nil {
		mvlc.GetLogger().Errorf("replay: open data member: %v", err)
		return
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, 1<<16)
	magic := make([]byte, 8)
	if _, err := io.ReadFull(br, magic); err != nil {
		mvlc.GetLogger().Errorf("replay: read format magic: %v", err)
		return
	}

	raw := make([]byte, 65536)

	var current *readout.Buffer
	flush := func() {
		if current == nil {
			return
		}
		if len(current.Data) > 0 {
			w.Pool.PutFilled(current)
		} else {
			w.Pool.PutEmpty(current)
		}
		current = nil
	}

	for {
		if w.desiredStateIs(readout.Stopping) {
			flush()
			return
		}
		if w.desiredStateIs(readout.Paused) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		w.setState(readout.Running)

		n, err := br.Read(raw)
		if n > 0 {
			if current == nil {
				current, err = w.Pool.GetEmpty(ctx)
				if err != nil {
					return
				}
				current.Number = w.nextBufferNumber
				if w.Listfile.Format == FormatUSB {
					current.Type = mvlc.TransportUSB
				} else {
					current.Type = mvlc.TransportETH
				}
				w.nextBufferNumber++
			}

			data := raw[:n]
			if w.Listfile.Format == FormatUSB {
				data = append(w.leftoverUSB, data...)
				var whole []byte
				whole, w.leftoverUSB = mvlc.UsbFixup(data)
				data = whole
			}
			current.Data = append(current.Data, data...)
			flush()
		}

		if err != nil {
			if err != io.EOF {
				mvlc.GetLogger().Warnf("replay: read: %v", err)
			}
			flush()
			return
		}
	}
}
