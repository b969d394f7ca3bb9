// Package monitor implements the Member Monitor Task (C5): one goroutine per
// DASD member that loops probe -> classify -> react against the Path Probe
// Engine (C3) and the RAID State Oracle (C4), driving the Mirror Policy (C6)
// on bad outcomes.
package monitor

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hreinecke/md-monitor/domain"
)

// Config carries the scalars spec.md §6 exposes on the command line.
type Config struct {
	FailfastTimeout time.Duration
	FailfastRetries int
	CheckerTimeout  time.Duration
	StopOnSync      bool
}

func (c Config) monitorTimeout() time.Duration {
	return c.FailfastTimeout * time.Duration(c.FailfastRetries+1)
}

// Policy is the subset of the Mirror Policy (C6) the monitor loop drives.
type Policy interface {
	FailMirror(dev *domain.Device, status domain.RaidState)
	ResetMirror(dev *domain.Device)
}

// Arrays resolves a member's owning Array by the lookup-key back-reference.
type Arrays interface {
	Lookup(name string) *domain.Array
}

// Task drives one member's monitor loop.
type Task struct {
	cfg    Config
	dev    *domain.Device
	arrays Arrays
	probe  domain.ProbeEngineIface
	oracle domain.RaidOracleIface
	policy Policy
}

func NewTask(cfg Config, dev *domain.Device, arrays Arrays, probe domain.ProbeEngineIface, oracle domain.RaidOracleIface, policy Policy) *Task {
	return &Task{cfg: cfg, dev: dev, arrays: arrays, probe: probe, oracle: oracle, policy: policy}
}

// Start implements the §4.5 restart rule via Device.StartOrSignalMonitor: if
// a task is already running for this device it is woken instead of
// duplicated.
func (t *Task) Start() {
	t.dev.StartOrSignalMonitor(t.run)
}

// interrupter is implemented by probe engines that can abort a blocking
// Probe call in progress (probe.Engine does). Engines that don't implement
// it simply block for the full aio_timeout instead of reacting mid-wait to
// a recheck signal.
type interrupter interface {
	Interrupt()
}

// probeWithWake races the blocking Probe call against the task's wake
// channel so a recheck (or shutdown) signal can turn a long aio_timeout
// wait into an immediate PENDING outcome, per §4.3's "reap interrupted by
// the recheck signal" case.
func (t *Task) probeWithWake(timeout time.Duration, wake <-chan domain.WakeReason) (domain.IoOutcome, time.Duration, error, bool) {
	if timeout <= 0 {
		o, e, err := t.probe.Probe(timeout)
		return o, e, err, false
	}

	type result struct {
		outcome domain.IoOutcome
		elapsed time.Duration
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		o, e, err := t.probe.Probe(timeout)
		resCh <- result{o, e, err}
	}()

	ip, canInterrupt := t.probe.(interrupter)

	select {
	case r := <-resCh:
		return r.outcome, r.elapsed, r.err, false
	case reason := <-wake:
		if canInterrupt {
			ip.Interrupt()
			r := <-resCh
			return r.outcome, r.elapsed, r.err, reason == domain.WakeShutdown
		}
		r := <-resCh
		return r.outcome, r.elapsed, r.err, reason == domain.WakeShutdown
	}
}

// run is the loop body of §4.5, steps 1-9. It owns the device's probe engine
// exclusively for its lifetime and cleans it up unconditionally on exit.
func (t *Task) run(wake <-chan domain.WakeReason, done chan<- struct{}) {
	defer func() {
		t.probe.Teardown()
		t.dev.DecRef()
		t.dev.FinishMonitor()
	}()

	if err := t.probe.Setup(t.dev); err != nil {
		logrus.Errorf("monitor %s: probe setup failed: %v", t.dev.Name, err)
		return
	}

	aioTimeout := time.Duration(0) // step 1: prime on first iteration
	checkerTimeout := t.cfg.CheckerTimeout

	for {
		if t.dev.RaidState() == domain.RaidTimeout {
			// step 2: forget the RAID state, re-enter UNKNOWN, and let the
			// next oracle check re-establish it.
			t.dev.SetRaidState(domain.RaidUnknown)
		}

		outcome, _, err, shutdown := t.probeWithWake(aioTimeout, wake)
		if shutdown {
			return
		}
		if err != nil || outcome == domain.OutcomeError {
			logrus.Warnf("monitor %s: error during probe, exiting", t.dev.Name)
			return
		}

		if outcome != domain.OutcomeTimeout {
			arr := t.arrays.Lookup(t.dev.ArrayName())
			if arr == nil {
				logrus.Infof("monitor %s: array gone, exiting", t.dev.Name)
				return
			}
			observed, slot, err := t.oracle.Check(arr, t.dev)
			if err != nil || observed == domain.RaidUnknown {
				logrus.Infof("monitor %s: array unreachable, exiting", t.dev.Name)
				return
			}
			local := t.dev.RaidState()
			reconciled := t.oracle.Reconcile(local, observed)
			t.dev.SetRaidState(reconciled)
			mc := arr.MirrorCopies()
			index, _, _ := t.dev.IndexSlotSide()
			t.dev.SetIndexSlot(index, slot, mc)
		}

		var reconciled domain.RaidState
		if outcome == domain.OutcomeTimeout {
			reconciled = domain.RaidTimeout
			t.dev.SetRaidState(reconciled)
		} else {
			reconciled = t.dev.RaidState()
		}

		switch outcome {
		case domain.OutcomePending:
			// step 6
			if reconciled == domain.RaidFaulty || reconciled == domain.RaidTimeout {
				t.policy.FailMirror(t.dev, reconciled)
			}
			aioTimeout = t.cfg.monitorTimeout()
			continue

		case domain.OutcomeUnknown:
			// step 7
			aioTimeout = t.cfg.monitorTimeout()
			continue
		}

		// step 8
		t.dev.SetIOState(outcomeToIOState(outcome))

		if outcome != domain.OutcomeOK {
			t.dispatchBad(reconciled, outcome)
		} else {
			t.dispatchOK(reconciled, &checkerTimeout)
		}

		logrus.Infof("monitor %s: state %s / %s", t.dev.Name, reconciled, outcome)

		if checkerTimeout <= 0 {
			return
		}

		aioTimeout = t.cfg.monitorTimeout()
		select {
		case r, ok := <-wake:
			if !ok || r == domain.WakeShutdown {
				return
			}
			aioTimeout = 0
		case <-time.After(checkerTimeout):
		}
	}
}

func outcomeToIOState(o domain.IoOutcome) domain.IOState {
	switch o {
	case domain.OutcomeOK:
		return domain.IOOk
	case domain.OutcomeFailed:
		return domain.IOFailed
	case domain.OutcomeTimeout:
		return domain.IOTimeout
	default:
		return domain.IOUnknown
	}
}

// dispatchBad implements §4.5 step 8's non-OK branch.
func (t *Task) dispatchBad(reconciled domain.RaidState, outcome domain.IoOutcome) {
	switch reconciled {
	case domain.RaidRecovery:
		logrus.Warnf("monitor %s: failing device in recovery", t.dev.Name)
		t.policy.FailMirror(t.dev, domain.RaidFaulty)
	case domain.RaidInSync:
		logrus.Warnf("monitor %s: failing device in_sync", t.dev.Name)
		next := domain.RaidFaulty
		if outcome == domain.OutcomeTimeout {
			next = domain.RaidTimeout
		}
		t.policy.FailMirror(t.dev, next)
	case domain.RaidFaulty:
		next := domain.RaidFaulty
		if outcome == domain.OutcomeTimeout {
			next = domain.RaidTimeout
		}
		t.policy.FailMirror(t.dev, next)
	case domain.RaidPending, domain.RaidTimeout:
		t.policy.FailMirror(t.dev, reconciled)
	case domain.RaidUnknown:
		// ignore
	default:
		logrus.Warnf("monitor %s: invalid array state %s", t.dev.Name, reconciled)
	}
}

// dispatchOK implements §4.5 step 8's OK branch. checkerTimeout is zeroed
// in place when stop_on_sync fires, which ends the loop on the next check.
func (t *Task) dispatchOK(reconciled domain.RaidState, checkerTimeout *time.Duration) {
	switch reconciled {
	case domain.RaidInSync:
		if t.cfg.StopOnSync {
			logrus.Infof("monitor %s: path ok, stopping monitor", t.dev.Name)
			*checkerTimeout = 0
		}
	case domain.RaidRecovery, domain.RaidBlocked, domain.RaidFaulty, domain.RaidTimeout, domain.RaidSpare:
		t.policy.ResetMirror(t.dev)
	}
}
