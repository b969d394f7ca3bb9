package monitor

import (
	"time"

	"github.com/hreinecke/md-monitor/domain"
)

// ExternalUpdater feeds an I/O observation gathered outside the usual
// probe-engine loop (currently: the Multipath Status Poller, §4.8) into
// the same dispatch rules Task.run applies to its own probes. Multipath
// members have no DASD probe engine or RAID oracle of their own; the
// poller already knows both the I/O classification and the member's
// current RAID state, so there is nothing left to reconcile here.
type ExternalUpdater struct {
	policy Policy
}

func NewExternalUpdater(policy Policy) *ExternalUpdater {
	return &ExternalUpdater{policy: policy}
}

// Update applies §4.5 step 5-8's dispatch to an externally observed
// (io, raid) pair and records both on dev.
func (u *ExternalUpdater) Update(dev *domain.Device, io domain.IOState, raid domain.RaidState) {
	dev.SetIOState(io)
	dev.SetRaidState(raid)

	t := &Task{policy: u.policy}
	t.dev = dev

	outcome := ioStateToOutcome(io)
	switch outcome {
	case domain.OutcomePending:
		if raid == domain.RaidFaulty || raid == domain.RaidTimeout {
			u.policy.FailMirror(dev, raid)
		}
	case domain.OutcomeUnknown:
		// nothing to do until the next poll produces a usable status
	case domain.OutcomeOK:
		ct := time.Duration(0)
		t.dispatchOK(raid, &ct)
	default:
		t.dispatchBad(raid, outcome)
	}
}

// ioStateToOutcome maps the wider multipath I/O classification (which
// includes RETRY) onto the probe engine's outcome set, the inverse of
// outcomeToIOState. RETRY is transient in the same sense PENDING is: it
// means "try again next round", not "declare the member bad".
func ioStateToOutcome(s domain.IOState) domain.IoOutcome {
	switch s {
	case domain.IOOk:
		return domain.OutcomeOK
	case domain.IOFailed:
		return domain.OutcomeFailed
	case domain.IOTimeout:
		return domain.OutcomeTimeout
	case domain.IOPending, domain.IORetry:
		return domain.OutcomePending
	case domain.IOError:
		return domain.OutcomeError
	default:
		return domain.OutcomeUnknown
	}
}
