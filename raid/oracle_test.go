package raid

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hreinecke/md-monitor/domain"
)

// TestReconcileTable enumerates the §4.4 reconciliation law (and the three
// examples called out explicitly by §8 property 3).
func TestReconcileTable(t *testing.T) {
	o := NewOracle(nil)

	tests := []struct {
		local    domain.RaidState
		observed domain.RaidState
		want     domain.RaidState
	}{
		{domain.RaidPending, domain.RaidInSync, domain.RaidPending},
		{domain.RaidPending, domain.RaidFaulty, domain.RaidFaulty},
		{domain.RaidPending, domain.RaidSpare, domain.RaidSpare},
		{domain.RaidPending, domain.RaidTimeout, domain.RaidTimeout},
		{domain.RaidPending, domain.RaidRemoved, domain.RaidPending},

		{domain.RaidRecovery, domain.RaidFaulty, domain.RaidRecovery},
		{domain.RaidRecovery, domain.RaidTimeout, domain.RaidRecovery},
		{domain.RaidRecovery, domain.RaidInSync, domain.RaidInSync},
		{domain.RaidRecovery, domain.RaidSpare, domain.RaidSpare},

		{domain.RaidTimeout, domain.RaidFaulty, domain.RaidTimeout},
		{domain.RaidTimeout, domain.RaidInSync, domain.RaidInSync},
		{domain.RaidTimeout, domain.RaidSpare, domain.RaidSpare},

		{domain.RaidInSync, domain.RaidFaulty, domain.RaidFaulty},
		{domain.RaidUnknown, domain.RaidInSync, domain.RaidInSync},
	}

	for _, tt := range tests {
		got := o.Reconcile(tt.local, tt.observed)
		assert.Equalf(t, tt.want, got, "reconcile(%v, %v)", tt.local, tt.observed)
	}
}

type fakeIoctl struct {
	level       int
	raidDisks   int
	layout      uint32
	sizeSectors uint64
	arrayErr    error

	disks map[int]fakeDisk
}

type fakeDisk struct {
	major, minor uint32
	slot         int
	state        int32
}

func (f *fakeIoctl) GetArrayInfo(fd uintptr) (int, int, uint32, uint64, error) {
	return f.level, f.raidDisks, f.layout, f.sizeSectors, f.arrayErr
}

func (f *fakeIoctl) GetDiskInfo(fd uintptr, index int) (uint32, uint32, int, int32, error) {
	d, ok := f.disks[index]
	if !ok {
		return 0, 0, 0, 0, nil
	}
	return d.major, d.minor, d.slot, d.state, nil
}

func TestMapRawState(t *testing.T) {
	assert.Equal(t, domain.RaidInSync, mapRawState(rawInSync))
	assert.Equal(t, domain.RaidFaulty, mapRawState(rawFaulty))
	assert.Equal(t, domain.RaidTimeout, mapRawState(rawTimeout))
	assert.Equal(t, domain.RaidRemoved, mapRawState(rawRemoved))
	assert.Equal(t, domain.RaidSpare, mapRawState(rawSpare))
}

func TestStateToRaidStateBits(t *testing.T) {
	activeSync := int32(1<<diskActive | 1<<diskSync)
	assert.Equal(t, rawInSync, stateToRaidState(activeSync))

	faultyTimeout := int32(1<<diskFaulty | 1<<diskTimeout)
	assert.Equal(t, rawTimeout, stateToRaidState(faultyTimeout))

	faultyOnly := int32(1 << diskFaulty)
	assert.Equal(t, rawFaulty, stateToRaidState(faultyOnly))

	removed := int32(1 << diskRemoved)
	assert.Equal(t, rawRemoved, stateToRaidState(removed))

	assert.Equal(t, rawSpare, stateToRaidState(0))
}
