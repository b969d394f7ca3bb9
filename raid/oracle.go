package raid

import (
	"github.com/sirupsen/logrus"

	"github.com/hreinecke/md-monitor/domain"
)

// Oracle implements domain.RaidOracleIface (C4).
type Oracle struct {
	ioctl Ioctl
	open  func(path string) (arrayHandle, error)
}

func NewOracle(ioctl Ioctl) *Oracle {
	return &Oracle{
		ioctl: ioctl,
		open: func(path string) (arrayHandle, error) {
			return OpenArrayHandle(path)
		},
	}
}

var _ domain.RaidOracleIface = (*Oracle)(nil)

// Check opens the parent array's block device read-only/non-blocking and
// queries GET_DISK_INFO for the member's kernel disk number. If the array's
// handle cannot be opened, the ioctl fails with ENODEV/ENXIO-class errors and
// the returned state is RaidUnknown, signalling "array is gone" to callers.
func (o *Oracle) Check(arr *domain.Array, dev *domain.Device) (domain.RaidState, int, error) {
	if arr == nil || arr.IsTombstoned() {
		return domain.RaidUnknown, -1, domain.ErrTombstoned
	}

	f, err := o.open("/dev/" + arr.Name)
	if err != nil {
		logrus.Warnf("raid oracle: %s: array handle unavailable: %v", arr.Name, err)
		return domain.RaidUnknown, -1, err
	}
	defer f.Close()

	index, _, _ := dev.IndexSlotSide()

	_, _, slot, state, err := o.ioctl.GetDiskInfo(f.Fd(), index)
	if err != nil {
		logrus.Warnf("raid oracle: %s: GET_DISK_INFO(%d) failed: %v", arr.Name, index, err)
		return domain.RaidUnknown, -1, err
	}

	raw := stateToRaidState(state)

	return mapRawState(raw), slot, nil
}

func mapRawState(raw rawDiskState) domain.RaidState {
	switch raw {
	case rawInSync:
		return domain.RaidInSync
	case rawTimeout:
		return domain.RaidTimeout
	case rawFaulty:
		return domain.RaidFaulty
	case rawRemoved:
		return domain.RaidRemoved
	default:
		return domain.RaidSpare
	}
}

// Reconcile is the anti-flapping rule of §4.4. The member's slot is updated
// by the caller; this method only decides which RAID state wins.
func (o *Oracle) Reconcile(local domain.RaidState, observed domain.RaidState) domain.RaidState {
	switch local {
	case domain.RaidPending:
		// We already asked the tool to fail an in-sync device. Only a
		// confirmation of failure (or its absence becoming a spare) may
		// overwrite PENDING; anything else is rejected to avoid flapping
		// back to IN_SYNC while the mdadm invocation is still in flight.
		switch observed {
		case domain.RaidFaulty, domain.RaidSpare, domain.RaidTimeout:
			return observed
		default:
			return domain.RaidPending
		}

	case domain.RaidRecovery:
		// We already asked the tool to remove-and-re-add. Any observation
		// except a residual fault may overwrite RECOVERY.
		switch observed {
		case domain.RaidFaulty, domain.RaidTimeout:
			return domain.RaidRecovery
		default:
			return observed
		}

	case domain.RaidTimeout:
		if observed == domain.RaidFaulty {
			return domain.RaidTimeout
		}
		return observed

	default:
		return observed
	}
}
