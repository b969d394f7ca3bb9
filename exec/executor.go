package exec

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hreinecke/md-monitor/domain"
)

// Executor is the Management Executor (C7): a single worker draining
// queued PendingActions. Wakeups come from Enqueue; absent one, Run polls
// every failfastTimeout, mirroring the source's condition-variable wait
// with a timed fallback.
type Executor struct {
	mu      sync.Mutex
	pending map[*domain.PendingAction]struct{}
	wake    chan struct{}

	tool            domain.ManagementToolIface
	dasd            domain.DasdIoctlIface
	multipath       domain.MultipathClientIface
	attrs           domain.AttrWriter
	failfastTimeout time.Duration
	failfastRetries int
}

var _ domain.ManagementExecutorIface = (*Executor)(nil)

func NewExecutor(
	tool domain.ManagementToolIface,
	dasd domain.DasdIoctlIface,
	multipath domain.MultipathClientIface,
	attrs domain.AttrWriter,
	failfastTimeout time.Duration,
	failfastRetries int,
) *Executor {
	return &Executor{
		pending:         make(map[*domain.PendingAction]struct{}),
		wake:            make(chan struct{}, 1),
		tool:            tool,
		dasd:            dasd,
		multipath:       multipath,
		attrs:           attrs,
		failfastTimeout: failfastTimeout,
		failfastRetries: failfastRetries,
	}
}

// Enqueue installs action into the pending set and wakes the worker. It is
// safe to call from any goroutine; the policy package calls it immediately
// after Array.SetPending.
func (e *Executor) Enqueue(action *domain.PendingAction) {
	e.mu.Lock()
	e.pending[action] = struct{}{}
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) drain() []*domain.PendingAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.PendingAction, 0, len(e.pending))
	for a := range e.pending {
		out = append(out, a)
	}
	e.pending = make(map[*domain.PendingAction]struct{})
	return out
}

// Run drives the worker loop until stop is closed.
func (e *Executor) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-e.wake:
		case <-time.After(e.failfastTimeout):
		}
		for _, action := range e.drain() {
			e.process(action)
		}
	}
}

func (e *Executor) process(action *domain.PendingAction) {
	arr := action.Array
	if arr.Pending() != action {
		// superseded or already processed by a prior drain
		return
	}
	switch action.Kind {
	case domain.PendingFailSide:
		e.processFailSide(arr, action)
	case domain.PendingResetSide:
		e.processResetSide(arr, action)
	}
}

func sideIndex(mask uint32) int {
	i := 0
	for mask > 1 {
		mask >>= 1
		i++
	}
	return i
}

func sideLetter(side int) byte { return byte('A' + side) }

// processFailSide implements §4.7's "Fail side" bullet.
func (e *Executor) processFailSide(arr *domain.Array, action *domain.PendingAction) {
	side := sideIndex(action.SideMask)
	if arr.SideDegraded(side) {
		logrus.Infof("exec: %s: side %d already failed, dropping", arr.Name, side)
		arr.ClearPending()
		return
	}

	if action.TimeoutFail {
		e.quiesceSide(arr, side)
	}

	corrID := uuid.NewString()
	before := time.Now()
	logrus.Infof("exec[%s]: %s: fail set-%c starting at %s", corrID, arr.Name, sideLetter(side), before.Format(time.RFC3339Nano))

	class, err := e.tool.FailSide(arr.Name, side)

	after := time.Now()
	logrus.Infof("exec[%s]: %s: fail set-%c finished at %s (took %s, class=%v, err=%v)",
		corrID, arr.Name, sideLetter(side), after.Format(time.RFC3339Nano), after.Sub(before), class, err)

	if err != nil || class == domain.ToolFailure {
		logrus.Warnf("exec[%s]: %s: fail set-%c failed, state left untouched", corrID, arr.Name, sideLetter(side))
		return
	}

	for _, c := range arr.ChildrenSnapshot() {
		_, _, memberSide := c.IndexSlotSide()
		if memberSide == side {
			// Sets NextStatus directly rather than routing through
			// policy.failComponent, whose single-member mapping turns
			// FAULTY into RECOVERY and REMOVED into PENDING.
			c.SetRaidState(action.NextStatus)
			c.WakeMonitor(domain.WakeRecheck)
		} else if e.attrs != nil {
			if err := e.attrs.SetIntAttribute(c, "failfast", 0); err != nil {
				logrus.Warnf("exec[%s]: %s: clearing failfast on %s: %v", corrID, arr.Name, c.Name, err)
			}
		}
	}

	arr.SetDegradedBit(side)
	arr.ClearPending()
}

// quiesceSide sets the DASD timeout ioctl (DASD members) or disables
// multipath queueing (multipath members) on the targeted side, so
// outstanding I/O there is aborted before the tool invocation.
func (e *Executor) quiesceSide(arr *domain.Array, side int) {
	for _, c := range arr.ChildrenSnapshot() {
		_, _, memberSide := c.IndexSlotSide()
		if memberSide != side {
			continue
		}
		switch c.Kind {
		case domain.KindDasd:
			if e.dasd != nil {
				if err := e.dasd.SetTimeout(c); err != nil {
					logrus.Warnf("exec: %s: set DASD timeout: %v", c.Name, err)
				}
			}
		case domain.KindMultipath:
			if e.multipath != nil {
				if err := e.multipath.DisableQueueing(c.Compname); err != nil {
					logrus.Warnf("exec: %s: disable multipath queueing: %v", c.Name, err)
				}
			}
		}
	}
}

// processResetSide implements §4.7's "Reset side" bullet.
func (e *Executor) processResetSide(arr *domain.Array, action *domain.PendingAction) {
	children := arr.ChildrenSnapshot()
	for _, c := range children {
		if !e.resetComponent(c) {
			logrus.Warnf("exec: %s: %s not ready for reset, aborting", arr.Name, c.Name)
			return
		}
	}

	corrID := uuid.NewString()
	before := time.Now()
	logrus.Infof("exec[%s]: %s: re-add faulty starting at %s", corrID, arr.Name, before.Format(time.RFC3339Nano))

	class, err := e.tool.ReAddFaulty(arr.Name)

	after := time.Now()
	logrus.Infof("exec[%s]: %s: re-add faulty finished at %s (took %s, class=%v, err=%v)",
		corrID, arr.Name, after.Format(time.RFC3339Nano), after.Sub(before), class, err)

	if err != nil || class == domain.ToolFailure {
		logrus.Warnf("exec[%s]: %s: re-add faulty failed, state left untouched", corrID, arr.Name)
		return
	}

	arr.ClearDegraded()
	arr.ClearPending()
}

// resetComponent requires the member's I/O status to be OK, briefly
// waiting on WaitFirstOutcome if it hasn't reported one yet, then bails
// out if it's still unknown. On success it clears the DASD timeout /
// restores multipath queueing, re-enables failfast, and transitions the
// member's RAID state per §4.7's table.
// resetComponentWait bounds how long resetComponent blocks on a member
// that hasn't reported an I/O outcome yet, mirroring the source's brief
// condition-variable wait before bailing out with EIO.
const resetComponentWait = 200 * time.Millisecond

func (e *Executor) resetComponent(dev *domain.Device) bool {
	if dev.IOState() == domain.IOUnknown {
		dev.WaitFirstOutcome(resetComponentWait)
	}
	if dev.IOState() != domain.IOOk {
		return false
	}

	switch dev.Kind {
	case domain.KindDasd:
		if e.dasd != nil {
			if err := e.dasd.ClearTimeout(dev); err != nil {
				logrus.Warnf("exec: %s: clear DASD timeout: %v", dev.Name, err)
			}
		}
	case domain.KindMultipath:
		if e.multipath != nil {
			if err := e.multipath.RestoreQueueing(dev.Compname); err != nil {
				logrus.Warnf("exec: %s: restore multipath queueing: %v", dev.Name, err)
			}
		}
	}
	if e.attrs != nil {
		if err := e.attrs.SetIntAttribute(dev, "failfast", 1); err != nil {
			logrus.Warnf("exec: %s: set failfast: %v", dev.Name, err)
		}
		e.attrs.SetIntAttribute(dev, "failfast_retries", e.failfastRetries)
		e.attrs.SetIntAttribute(dev, "failfast_expires", int(e.failfastTimeout/time.Second))
	}

	switch dev.RaidState() {
	case domain.RaidFaulty, domain.RaidTimeout, domain.RaidRemoved, domain.RaidSpare:
		dev.SetRaidState(domain.RaidRecovery)
	case domain.RaidBlocked:
		dev.SetRaidState(domain.RaidInSync)
	}
	return true
}
