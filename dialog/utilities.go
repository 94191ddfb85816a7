// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Dialog utility helpers: stack slot enumeration,
// trigger composition, DAQ-mode control, and end-of-run cleanup. Grounded
// on cmd/smartctl's checkCaps/scanDevices style of small helper functions
// layered over the core transaction API, rather than growing Dialog itself.

package dialog

import (
	"github.com/mvlc-go/mvlc"
	"github.com/mvlc-go/mvlc/commands"
)

// StackInfo describes one readout stack's programmed offset and trigger.
type StackInfo struct {
	StackID int
	Offset  mvlc.Word
	Trigger mvlc.Trigger
}

// ReadAllStackInfo reads the offset and trigger register of every stack
// slot, including the reserved immediate stack (stack 0), for diagnostic
// tools.
func ReadAllStackInfo(d *Dialog) ([]StackInfo, error) {
	out := make([]StackInfo, 0, mvlc.StackCount)
	for id := 0; id < mvlc.StackCount; id++ {
		offset, err := d.ReadRegister(mvlc.StackOffsetRegister(id))
		if err != nil {
			return nil, err
		}
		trigRaw, err := d.ReadRegister(mvlc.StackTriggerRegister(id))
		if err != nil {
			return nil, err
		}
		out = append(out, StackInfo{
			StackID: id,
			Offset:  offset,
			Trigger: mvlc.DecodeTrigger(trigRaw),
		})
	}
	return out, nil
}

// SetStackTrigger programs stackID's trigger register. Stack 0 is reserved
// for immediate/interactive execution; programming a
// persistent trigger onto it is rejected.
func SetStackTrigger(d *Dialog, stackID int, trig mvlc.Trigger) error {
	if stackID == mvlc.ImmediateStackID {
		return mvlc.NewError(mvlc.Stack0IsReserved)
	}
	return d.WriteRegister(mvlc.StackTriggerRegister(stackID), trig.Encode())
}

// SetStackOffset programs stackID's start offset into stack memory.
func SetStackOffset(d *Dialog, stackID int, offset mvlc.Word) error {
	return d.WriteRegister(mvlc.StackOffsetRegister(stackID), offset)
}

// EnableDAQMode arms readout triggers process-wide; until this is set, the
// MVLC ignores all programmed stack triggers.
func EnableDAQMode(d *Dialog) error {
	return d.WriteRegister(mvlc.DAQModeEnableRegister, 1)
}

// DisableDAQMode disarms readout triggers, but does not clear any
// individual stack's trigger register — use ClearAllStackTriggers for a
// full end-of-run reset.
func DisableDAQMode(d *Dialog) error {
	return d.WriteRegister(mvlc.DAQModeEnableRegister, 0)
}

// ClearAllStackTriggers disables DAQ mode and zeroes every non-reserved
// stack's trigger register in a single super transaction, the end-of-run
// sequence that guarantees no stale trigger can fire between disabling DAQ
// mode and clearing a given stack's trigger.
func ClearAllStackTriggers(d *Dialog) error {
	sb := &commands.SuperCommandBuilder{}
	sb.Add(commands.WriteLocal{Reg: mvlc.DAQModeEnableRegister, Val: 0})
	for id := 1; id < mvlc.StackCount; id++ {
		sb.Add(commands.WriteLocal{
			Reg: mvlc.StackTriggerRegister(id),
			Val: mvlc.Trigger{Type: mvlc.NoTrigger}.Encode(),
		})
	}
	_, err := d.SuperTransaction(sb)
	return err
}
