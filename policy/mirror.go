// Package policy implements the Mirror Policy (C6): the two entry points,
// fail_mirror and reset_mirror, that translate a bad or recovered I/O
// outcome into a side-level decision and hand it to the Management
// Executor (C7).
package policy

import (
	"github.com/sirupsen/logrus"

	"github.com/hreinecke/md-monitor/domain"
)

// FailMode selects between per-side failover (the default RAID-10 mirror
// behavior) and failing the single reporting component.
type FailMode int

const (
	FailModeMirror FailMode = iota
	FailModeDisk
)

// Arrays resolves a member's owning Array by name.
type Arrays interface {
	Lookup(name string) *domain.Array
}

// Mirror is the Mirror Policy. Mode is the fail mode read from the command
// line once at startup.
type Mirror struct {
	Mode     FailMode
	arrays   Arrays
	executor domain.ManagementExecutorIface
}

func NewMirror(mode FailMode, arrays Arrays, executor domain.ManagementExecutorIface) *Mirror {
	return &Mirror{Mode: mode, arrays: arrays, executor: executor}
}

// FailMirror implements §4.6's fail_mirror. status is the RaidState the
// monitor task wants to propagate to the failing member (FAULTY or
// TIMEOUT).
func (m *Mirror) FailMirror(dev *domain.Device, status domain.RaidState) {
	arr := m.arrays.Lookup(dev.ArrayName())
	if arr == nil {
		return
	}
	if arr.InDiscovery() {
		logrus.Debugf("policy: %s: array in discovery, dropping fail", dev.Name)
		return
	}

	if m.Mode == FailModeDisk || status == domain.RaidRemoved {
		m.failComponent(dev, status)
		return
	}

	side, ok := m.resolveFailSide(arr, dev)
	if !ok {
		logrus.Warnf("policy: %s: cannot resolve mirror side, refusing to fail", dev.Name)
		return
	}

	if arr.Pending() != nil {
		logrus.Infof("policy: %s: array %s already has a pending action", dev.Name, arr.Name)
		return
	}
	if arr.SideDegraded(side) {
		return
	}
	if arr.AnyOtherSideDegraded(side) {
		m.blockOtherSide(arr, side)
		return
	}

	action := &domain.PendingAction{
		Kind:        domain.PendingFailSide,
		Array:       arr,
		SideMask:    1 << uint(side),
		NextStatus:  status,
		TimeoutFail: status == domain.RaidTimeout,
	}
	arr.SetPending(action)
	m.executor.Enqueue(action)
}

// resolveFailSide implements the slot-known / minority-count side
// selection shared by fail_mirror and reset_mirror.
func (m *Mirror) resolveFailSide(arr *domain.Array, dev *domain.Device) (int, bool) {
	mc := arr.MirrorCopies()
	_, slot, side := dev.IndexSlotSide()
	if slot >= 0 {
		return side, true
	}
	return minoritySide(arr, mc)
}

// minoritySide counts known members per side and returns the side with
// fewer members, refusing on a tie.
func minoritySide(arr *domain.Array, mirrorCopies int) (int, bool) {
	if mirrorCopies <= 1 {
		return 0, true
	}
	counts := make([]int, mirrorCopies)
	for _, c := range arr.ChildrenSnapshot() {
		_, slot, s := c.IndexSlotSide()
		if slot < 0 {
			continue
		}
		counts[s]++
	}
	minIdx, minVal := 0, counts[0]
	tie := false
	for i := 1; i < mirrorCopies; i++ {
		if counts[i] < minVal {
			minVal = counts[i]
			minIdx = i
			tie = false
		} else if counts[i] == minVal {
			tie = true
		}
	}
	if tie {
		return 0, false
	}
	return minIdx, true
}

// blockOtherSide marks every member not on side BLOCKED and records the
// degraded bit for side, without scheduling any executor action.
func (m *Mirror) blockOtherSide(arr *domain.Array, side int) {
	arr.SetDegradedBit(side)
	for _, c := range arr.ChildrenSnapshot() {
		_, _, s := c.IndexSlotSide()
		if s != side {
			c.SetRaidState(domain.RaidBlocked)
		}
	}
}

// failComponent implements fail_component: single-member state transition
// without a side-wide tool invocation, used in "fail disk" mode and for
// REMOVED outcomes.
func (m *Mirror) failComponent(dev *domain.Device, status domain.RaidState) {
	next := status
	switch status {
	case domain.RaidRemoved:
		next = domain.RaidPending
	case domain.RaidTimeout:
		next = domain.RaidTimeout
	default:
		next = domain.RaidRecovery
	}
	dev.SetRaidState(next)
	dev.WakeMonitor(domain.WakeRecheck)
}

// ResetMirror implements §4.6's reset_mirror.
func (m *Mirror) ResetMirror(dev *domain.Device) {
	arr := m.arrays.Lookup(dev.ArrayName())
	if arr == nil {
		return
	}
	if arr.InRecovery() {
		return
	}
	if arr.Pending() != nil {
		return
	}

	side, ok := m.resolveResetSide(arr, dev)
	if !ok {
		logrus.Warnf("policy: %s: cannot resolve mirror side for reset", dev.Name)
		return
	}

	ready := countReady(arr, side)
	if ready != arr.RaidDisks {
		return
	}

	action := &domain.PendingAction{
		Kind:       domain.PendingResetSide,
		Array:      arr,
		SideMask:   1 << uint(side),
		NextStatus: domain.RaidInSync,
	}
	arr.SetPending(action)
	m.executor.Enqueue(action)
}

// resolveResetSide adds the "exactly one degraded bit" fallback to the
// shared side-resolution logic.
func (m *Mirror) resolveResetSide(arr *domain.Array, dev *domain.Device) (int, bool) {
	_, slot, side := dev.IndexSlotSide()
	if slot >= 0 {
		return side, true
	}
	degraded := arr.Degraded()
	if degraded != 0 && degraded&(degraded-1) == 0 {
		return singleBitIndex(degraded), true
	}
	return minoritySide(arr, arr.MirrorCopies())
}

func singleBitIndex(mask uint32) int {
	i := 0
	for mask > 1 {
		mask >>= 1
		i++
	}
	return i
}

// countReady implements §4.6's ready-member count for reset_mirror:
// RECOVERY members and members with unusable I/O status are skipped
// entirely; other-side members always count; target-side members count
// only if their I/O is OK, and a recheck signal is delivered to their
// monitor when their slot is known.
func countReady(arr *domain.Array, side int) int {
	ready := 0
	for _, c := range arr.ChildrenSnapshot() {
		raid, io, slot := c.Status()
		if raid == domain.RaidRecovery {
			continue
		}
		if io == domain.IOUnknown || io == domain.IOFailed || io == domain.IORetry {
			continue
		}
		_, _, memberSide := c.IndexSlotSide()
		if memberSide != side {
			ready++
			continue
		}
		if io == domain.IOOk {
			ready++
			if slot >= 0 {
				c.WakeMonitor(domain.WakeRecheck)
			}
		}
	}
	return ready
}
