// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Cross-crate event builder. Independent per-module FIFOs are matched
// against a designated main module's timestamp using an asymmetric window,
// with a memory-bounded safety valve standing in for a fixed-size ring
// buffer. See DESIGN.md for the completeness-rule rationale (the "version
// 3" semantics this implements).

package eventbuilder

import "sync"

// Item is one timestamped module readout queued for matching.
type Item struct {
	Timestamp uint32
	Data      []byte
}

// ModuleKey identifies one module's FIFO within a cross-crate event.
type ModuleKey struct {
	Crate  int
	Module int
}

// Window is the asymmetric match window [Lo,Hi] applied to a non-main
// module's timestamp relative to the main module's reference timestamp.
type Window struct {
	Lo int32
	Hi int32
}

// BuiltEvent is one matched cross-crate event. Items missing from the map
// represent modules the comparator proved could not contribute this round,
// or that had simply not produced any data yet at flush time.
type BuiltEvent struct {
	Items map[ModuleKey]Item
}

// Builder assembles cross-crate events for one logical event index (one
// main module, the modules matched against it, and any passthrough modules
// that bypass matching entirely). A crate setup with several configured
// event indices runs one Builder per index.
type Builder struct {
	Main    ModuleKey
	Modules []ModuleKey
	Windows map[ModuleKey]Window

	// Passthrough lists modules not present in any crate's matching setup;
	// their records bypass the matcher and are forwarded in FIFO order.
	Passthrough []ModuleKey

	MemoryBudgetBytes int

	mu               sync.Mutex
	fifos            map[ModuleKey][]Item
	passthroughFifos map[ModuleKey][]Item
	systemEvents     [][]byte
	memoryUsed       int
	discarded        uint64
	tooOldDiscards   uint64
}

func NewBuilder(main ModuleKey, modules []ModuleKey, windows map[ModuleKey]Window, memoryBudgetBytes int) *Builder {
	return NewBuilderWithPassthrough(main, modules, windows, nil, memoryBudgetBytes)
}

// NewBuilderWithPassthrough is NewBuilder plus a list of modules that skip
// timestamp matching entirely.
func NewBuilderWithPassthrough(main ModuleKey, modules []ModuleKey, windows map[ModuleKey]Window, passthrough []ModuleKey, memoryBudgetBytes int) *Builder {
	fifos := make(map[ModuleKey][]Item, len(modules)+1)
	fifos[main] = nil
	for _, m := range modules {
		fifos[m] = nil
	}
	ptFifos := make(map[ModuleKey][]Item, len(passthrough))
	for _, m := range passthrough {
		ptFifos[m] = nil
	}
	return &Builder{
		Main:              main,
		Modules:           modules,
		Windows:           windows,
		Passthrough:       passthrough,
		MemoryBudgetBytes: memoryBudgetBytes,
		fifos:             fifos,
		passthroughFifos:  ptFifos,
	}
}

// isPassthrough reports whether key names a configured passthrough module.
func (b *Builder) isPassthrough(key ModuleKey) bool {
	_, ok := b.passthroughFifos[key]
	return ok
}

// RecordModuleData appends one timestamped readout to key's FIFO — the
// matching FIFO if key participates in timestamp matching, or the
// passthrough FIFO if key was configured as a passthrough module. If doing
// so would exceed MemoryBudgetBytes, every FIFO (matching and passthrough)
// is discarded first — a single stalled module must not let memory use
// grow without bound.
func (b *Builder) RecordModuleData(key ModuleKey, ts uint32, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.memoryUsed+len(data) > b.MemoryBudgetBytes {
		b.discardAllLocked()
	}

	item := Item{Timestamp: ts, Data: data}
	if b.isPassthrough(key) {
		b.passthroughFifos[key] = append(b.passthroughFifos[key], item)
	} else {
		b.fifos[key] = append(b.fifos[key], item)
	}
	b.memoryUsed += len(data)
}

// RecordSystemEvent buffers a raw system-event payload for later draining
// in FIFO order alongside passthrough data.
func (b *Builder) RecordSystemEvent(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.memoryUsed+len(data) > b.MemoryBudgetBytes {
		b.discardAllLocked()
	}
	b.systemEvents = append(b.systemEvents, data)
	b.memoryUsed += len(data)
}

func (b *Builder) discardAllLocked() {
	for k := range b.fifos {
		b.fifos[k] = nil
	}
	for k := range b.passthroughFifos {
		b.passthroughFifos[k] = nil
	}
	b.systemEvents = nil
	b.memoryUsed = 0
	b.discarded++
}

// MemoryUsage reports the builder's current tracked byte usage across every
// FIFO (matching, passthrough, and buffered system events). At the return
// of any RecordModuleData or RecordSystemEvent call it does not exceed
// MemoryBudgetBytes, except when that call's record is by itself larger than
// MemoryBudgetBytes: the record is still stored after the discard, and
// usage stays above the budget until it is drained or discarded.
func (b *Builder) MemoryUsage() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.memoryUsed
}

// DiscardedCount reports how many times the memory safety valve fired.
func (b *Builder) DiscardedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded
}

// TooOldDiscards reports how many buffered module records were dropped for
// arriving too far behind a main timestamp to ever match (classified
// too_old and counted as discards).
func (b *Builder) TooOldDiscards() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tooOldDiscards
}

// DrainSystemEvents returns every buffered system event in arrival order
// and clears the buffer.
func (b *Builder) DrainSystemEvents() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.systemEvents
	for _, data := range out {
		b.memoryUsed -= len(data)
	}
	b.systemEvents = nil
	return out
}

// DrainPassthrough returns every buffered passthrough record, grouped by
// module, in arrival order, and clears the passthrough FIFOs.
func (b *Builder) DrainPassthrough() map[ModuleKey][]Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[ModuleKey][]Item, len(b.passthroughFifos))
	for k, v := range b.passthroughFifos {
		if len(v) == 0 {
			continue
		}
		for _, it := range v {
			b.memoryUsed -= len(it.Data)
		}
		out[k] = v
		b.passthroughFifos[k] = nil
	}
	return out
}

// moduleScanResult classifies the front of one module's FIFO against the
// current round's reference timestamp, after discarding any too_old
// records at the front.
type moduleScanResult int

const (
	scanMatched     moduleScanResult = iota // an in-window record was found
	scanDefinitely                          // front record is too_new: proof nothing in this FIFO can match yet, module contributes nothing this round but the round may still complete
	scanFifoEmpty                           // FIFO ran dry entirely; more data may still arrive later
)

// scanModule discards every too_old record at fifo's front, then classifies
// what remains against ref using win. It never mutates fifo; callers pop
// the returned number of consumed (too_old + matched) records once the
// round's completeness is decided.
func (b *Builder) scanModule(fifo []Item, ref uint32, win Window) (result moduleScanResult, matchIdx int, consumed int) {
	for i, it := range fifo {
		switch class, _ := ClassifyWindow(ref, it.Timestamp, win); class {
		case TooOld:
			// never coming back in range, discard and keep scanning.
			continue
		case InWindow:
			return scanMatched, i, i + 1
		default: // TooNew
			// proven that nothing from here on can match this round
			// (FIFOs are timestamp-ordered); leave it all in place.
			return scanDefinitely, -1, i
		}
	}
	return scanFifoEmpty, -1, len(fifo)
}

// buildRound runs one matching round: ref is the main FIFO's front
// timestamp. flush relaxes "FIFO empty" from a blocking condition to an
// absent-module condition, letting a trailing, incomplete round still be
// emitted at end-of-run.
func (b *Builder) buildRound(ref uint32, flush bool) (event BuiltEvent, ok bool) {
	matched := make(map[ModuleKey]Item, len(b.Modules)+1)
	type pending struct {
		key     ModuleKey
		consume int
		matched bool
	}
	var toConsume []pending

	for _, mk := range b.Modules {
		fifo := b.fifos[mk]
		win := b.Windows[mk]
		result, idx, consumed := b.scanModule(fifo, ref, win)

		switch result {
		case scanMatched:
			matched[mk] = fifo[idx]
			toConsume = append(toConsume, pending{mk, consumed, true})
		case scanDefinitely:
			// module absent this round; nothing to pop beyond the too_old prefix.
			toConsume = append(toConsume, pending{mk, consumed, false})
		case scanFifoEmpty:
			if !flush {
				return BuiltEvent{}, false
			}
			// flush: module absent, FIFO already drained to empty.
			toConsume = append(toConsume, pending{mk, consumed, false})
		}
	}

	// Only now that the round is known to complete do consumed too_old
	// prefixes actually get popped, so a round abandoned via the
	// scanFifoEmpty/!flush return above leaves every FIFO untouched for the
	// next BuildEvents call to re-scan without double-counting discards.
	for _, p := range toConsume {
		tooOld := p.consume
		if p.matched {
			tooOld--
		}
		b.tooOldDiscards += uint64(tooOld)
		for _, it := range b.fifos[p.key][:p.consume] {
			b.memoryUsed -= len(it.Data)
		}
		b.fifos[p.key] = b.fifos[p.key][p.consume:]
	}
	return BuiltEvent{Items: matched}, true
}

// BuildEvents drains as many complete events as the current FIFO contents
// allow, in arrival order, and returns them. "Complete" is resolved here as
// version 3: an event only emits once every
// non-main module's FIFO has produced either a matching item inside its
// window, or definitive proof none is coming this round (a buffered item
// already past the window's far edge) — an empty FIFO always blocks,
// since there is no way to distinguish "hasn't arrived yet" from "never
// coming" with no data at all.
func (b *Builder) BuildEvents() []BuiltEvent {
	return b.build(false)
}

// Flush is BuildEvents but additionally forces completion of a trailing
// round whose non-main FIFOs are empty rather than blocking, then clears
// every remaining FIFO and zeroes the memory counter.
func (b *Builder) Flush() []BuiltEvent {
	events := b.build(true)

	b.mu.Lock()
	for k := range b.fifos {
		b.fifos[k] = nil
	}
	for k := range b.passthroughFifos {
		b.passthroughFifos[k] = nil
	}
	b.systemEvents = nil
	b.memoryUsed = 0
	b.mu.Unlock()

	return events
}

func (b *Builder) build(flush bool) []BuiltEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []BuiltEvent
	for {
		mainFifo := b.fifos[b.Main]
		if len(mainFifo) == 0 {
			return out
		}
		ref := mainFifo[0]

		event, ok := b.buildRound(ref.Timestamp, flush)
		if !ok {
			return out
		}

		b.fifos[b.Main] = mainFifo[1:]
		b.memoryUsed -= len(ref.Data)
		event.Items[b.Main] = ref
		out = append(out, event)
	}
}
