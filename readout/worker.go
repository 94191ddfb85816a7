// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Readout worker. Pulls raw bytes off the data pipe, applies the USB fixup
// (or leaves ETH packets whole, framing words included; nothing downstream
// in this module strips them),
// accumulates them into a buffer up to FlushBufferTimeoutMs or capacity,
// and hands the buffer to the filled queue. commandLock/dataLock let
// command and data traffic proceed concurrently on separate pipes.

package readout

import (
	"context"
	"sync"
	"time"

	"github.com/mvlc-go/mvlc"
)

// State is the readout worker's run state.
type State int

const (
	Idle State = iota
	Starting
	Running
	Paused
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// Worker drives the data-pipe read loop. One Worker owns one Transport's
// data pipe; command traffic through the same Transport's command pipe may
// proceed concurrently.
type Worker struct {
	Transport mvlc.Transport
	Pool      *BufferPool

	mu           sync.Mutex
	state        State
	desiredState State

	nextBufferNumber uint64
	leftoverUSB      []byte

	doneCh chan struct{}
}

func NewWorker(t mvlc.Transport, pool *BufferPool) *Worker {
	return &Worker{
		Transport: t,
		Pool:      pool,
		state:     Idle,
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) setDesiredState(s State) {
	w.mu.Lock()
	w.desiredState = s
	w.mu.Unlock()
}

func (w *Worker) desiredStateIs(s State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.desiredState == s
}

// Start transitions Idle -> Starting -> Running and launches the read loop
// in a new goroutine. ctx cancellation stops the loop the same way Stop
// does.
func (w *Worker) Start(ctx context.Context) error {
	if w.State() != Idle {
		return mvlc.NewError(mvlc.InUse)
	}
	w.setState(Starting)
	w.setDesiredState(Running)
	w.doneCh = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Pause asks the loop to stop reading without tearing it down; Resume
// continues it. Buffers already in flight are unaffected.
func (w *Worker) Pause()  { w.setDesiredState(Paused) }
func (w *Worker) Resume() { w.setDesiredState(Running) }

// Stop asks the loop to flush its current buffer and exit, then blocks
// until it has.
func (w *Worker) Stop() {
	if w.State() == Idle {
		return
	}
	w.setDesiredState(Stopping)
	<-w.doneCh
}

func isTransportTimeout(err error) bool {
	me, ok := err.(*mvlc.MVLCError)
	return ok && me.Condition() == mvlc.ConditionTimeout
}

func (w *Worker) run(ctx context.Context) {
	w.setState(Running)
	defer func() {
		w.setState(Idle)
		close(w.doneCh)
	}()

	var current *Buffer
	var flushDeadline time.Time
	raw := make([]byte, 65536)

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
		if w.desiredStateIs(Stopping) {
			flush()
			return
		}

		if w.desiredStateIs(Paused) {
			flush()
			time.Sleep(10 * time.Millisecond)
			continue
		}

		w.setState(Running)

		if current == nil {
			var err error
			current, err = w.Pool.GetEmpty(ctx)
			if err != nil {
				return
			}
			current.Number = w.nextBufferNumber
			current.Type = w.Transport.Kind()
			w.nextBufferNumber++
			flushDeadline = time.Now().Add(mvlc.FlushBufferTimeoutMs * time.Millisecond)
		}

		n, err := w.Transport.Read(mvlc.DataPipe, raw)
		switch {
		case err != nil && !isTransportTimeout(err):
			mvlc.GetLogger().Warnf("readout: data read failed: %v", err)
		case n > 0:
			data := raw[:n]
			if w.Transport.Kind() == mvlc.TransportUSB {
				data = append(w.leftoverUSB, data...)
				var whole []byte
				whole, w.leftoverUSB = mvlc.UsbFixup(data)
				data = whole
			}
			current.Data = append(current.Data, data...)
		}

		if len(current.Data) >= cap(current.Data) || time.Now().After(flushDeadline) {
			flush()
		}
	}
}
