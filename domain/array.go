package domain

import "sync"

// PendingKind identifies the action an Array's pending-work queue entry
// asks the Management Executor (C7) to run.
type PendingKind int

const (
	PendingNone PendingKind = iota
	PendingFailSide
	PendingResetSide
)

// PendingAction is a single queued array-mutating operation. The Array owns
// the node; the pending-work queue holds only a non-owning reference to it
// while it is in flight (§5 resource policy).
type PendingAction struct {
	Kind       PendingKind
	Array      *Array
	SideMask   uint32
	NextStatus RaidState // status to propagate to targeted-side members on success
	TimeoutFail bool     // true if the triggering outcome was a TIMEOUT
}

// Array is a software RAID-10 container. The `device lock` guards Children;
// the `status lock` guards everything else. When both are needed the order
// is device lock -> status lock, never the reverse (§5).
type Array struct {
	deviceMu sync.Mutex
	statusMu sync.Mutex

	Name       string
	devHandle  uintptr // kernel block-device handle; 0 once tombstoned
	Children   []*Device

	RaidDisks int
	Layout    uint32 // low byte encodes mirror-copies
	Recovery  bool
	Discovery bool

	degraded uint32
	pending  *PendingAction
}

func NewArray(name string, raidDisks int, layout uint32) *Array {
	return &Array{
		Name:      name,
		RaidDisks: raidDisks,
		Layout:    layout,
		devHandle: 1,
	}
}

// MirrorCopies decodes the low byte of the layout word.
func (a *Array) MirrorCopies() int {
	mc := int(a.Layout & 0xFF)
	if mc <= 0 {
		mc = 1
	}
	return mc
}

func (a *Array) LockDevice()   { a.deviceMu.Lock() }
func (a *Array) UnlockDevice() { a.deviceMu.Unlock() }
func (a *Array) LockStatus()   { a.statusMu.Lock() }
func (a *Array) UnlockStatus() { a.statusMu.Unlock() }

// Tombstone releases the kernel handle. Operations against a tombstoned
// Array must abort (§3 lifecycles).
func (a *Array) Tombstone() {
	a.statusMu.Lock()
	a.devHandle = 0
	a.statusMu.Unlock()
}

func (a *Array) IsTombstoned() bool {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.devHandle == 0
}

func (a *Array) DevHandle() uintptr {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.devHandle
}

func (a *Array) Degraded() uint32 {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.degraded
}

func (a *Array) SetDegradedBit(side int) {
	a.statusMu.Lock()
	a.degraded |= 1 << uint(side)
	a.statusMu.Unlock()
}

func (a *Array) ClearDegraded() {
	a.statusMu.Lock()
	a.degraded = 0
	a.statusMu.Unlock()
}

func (a *Array) SideDegraded(side int) bool {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.degraded&(1<<uint(side)) != 0
}

// AnyOtherSideDegraded reports whether a side other than `side` is degraded.
func (a *Array) AnyOtherSideDegraded(side int) bool {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	mask := a.degraded &^ (1 << uint(side))
	return mask != 0
}

func (a *Array) AllSidesDegraded() bool {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	full := uint32(1)<<uint(a.MirrorCopies()) - 1
	return a.degraded&full == full
}

func (a *Array) Pending() *PendingAction {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.pending
}

func (a *Array) SetPending(p *PendingAction) {
	a.statusMu.Lock()
	a.pending = p
	a.statusMu.Unlock()
}

func (a *Array) ClearPending() {
	a.statusMu.Lock()
	a.pending = nil
	a.statusMu.Unlock()
}

func (a *Array) SetRecovery(v bool) {
	a.statusMu.Lock()
	a.Recovery = v
	a.statusMu.Unlock()
}

func (a *Array) InRecovery() bool {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.Recovery
}

func (a *Array) SetDiscovery(v bool) {
	a.statusMu.Lock()
	a.Discovery = v
	a.statusMu.Unlock()
}

func (a *Array) InDiscovery() bool {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.Discovery
}

// AddChild appends dev to the children list unless it is already present.
func (a *Array) AddChild(dev *Device) {
	a.deviceMu.Lock()
	defer a.deviceMu.Unlock()
	for _, c := range a.Children {
		if c == dev {
			return
		}
	}
	a.Children = append(a.Children, dev)
}

// RemoveChild drops dev from the children list. It does not clear dev's
// back-reference; callers detaching a device own that step.
func (a *Array) RemoveChild(dev *Device) {
	a.deviceMu.Lock()
	defer a.deviceMu.Unlock()
	out := a.Children[:0]
	for _, c := range a.Children {
		if c != dev {
			out = append(out, c)
		}
	}
	a.Children = out
}

// ChildrenSnapshot returns a copy of the children list safe to range over
// without holding the device lock.
func (a *Array) ChildrenSnapshot() []*Device {
	a.deviceMu.Lock()
	defer a.deviceMu.Unlock()
	out := make([]*Device, len(a.Children))
	copy(out, a.Children)
	return out
}

// MirrorStatusString renders the §4.9 MirrorStatus reply: one RAID-state
// character per slot, '.' where no member is known for that slot.
func (a *Array) MirrorStatusString() string {
	return a.statusString(func(d *Device) byte {
		rs, _, _ := d.Status()
		return rs.MirrorChar()
	})
}

// MonitorStatusString renders the §4.9 MonitorStatus reply.
func (a *Array) MonitorStatusString() string {
	return a.statusString(func(d *Device) byte {
		_, io, _ := d.Status()
		return io.MonitorChar()
	})
}

func (a *Array) statusString(charOf func(*Device) byte) string {
	children := a.ChildrenSnapshot()
	out := make([]byte, a.RaidDisks)
	for i := range out {
		out[i] = '.'
	}
	for _, d := range children {
		_, slot, _ := d.IndexSlotSide()
		if slot < 0 || slot >= len(out) {
			continue
		}
		out[slot] = charOf(d)
	}
	return string(out)
}
