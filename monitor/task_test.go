package monitor

import (
	"io/ioutil"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hreinecke/md-monitor/domain"
)

func TestMain(m *testing.M) {
	logrus.SetOutput(ioutil.Discard)
	m.Run()
}

type fakeProbe struct {
	outcomes []domain.IoOutcome
	i        int
	setupErr error
}

func (f *fakeProbe) Setup(dev *domain.Device) error { return f.setupErr }
func (f *fakeProbe) Probe(timeout time.Duration) (domain.IoOutcome, time.Duration, error) {
	if f.i >= len(f.outcomes) {
		return domain.OutcomeOK, 0, nil
	}
	o := f.outcomes[f.i]
	f.i++
	return o, 0, nil
}
func (f *fakeProbe) Teardown() {}

type fakeOracle struct {
	observed domain.RaidState
	slot     int
	err      error
}

func (f *fakeOracle) Check(arr *domain.Array, dev *domain.Device) (domain.RaidState, int, error) {
	return f.observed, f.slot, f.err
}
func (f *fakeOracle) Reconcile(local, observed domain.RaidState) domain.RaidState {
	return observed
}

type fakeArrays struct {
	arr *domain.Array
}

func (f *fakeArrays) Lookup(name string) *domain.Array { return f.arr }

type fakePolicy struct {
	failed []domain.RaidState
	reset  int
}

func (f *fakePolicy) FailMirror(dev *domain.Device, status domain.RaidState) {
	f.failed = append(f.failed, status)
}
func (f *fakePolicy) ResetMirror(dev *domain.Device) { f.reset++ }

func waitForMonitorExit(t *testing.T, dev *domain.Device) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if !dev.MonitorRunning() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("monitor task did not exit in time")
}

func TestCleanProbeStopsOnSyncWhenInSync(t *testing.T) {
	dev := domain.NewDevice(domain.DevKey{Major: 94, Minor: 0}, "dasda", domain.KindDasd)
	dev.SetArrayName("md0")
	arr := domain.NewArray("md0", 2, 2)

	probe := &fakeProbe{outcomes: []domain.IoOutcome{domain.OutcomeUnknown, domain.OutcomeOK}}
	oracle := &fakeOracle{observed: domain.RaidInSync, slot: 0}
	policy := &fakePolicy{}
	cfg := Config{FailfastTimeout: 5 * time.Second, FailfastRetries: 2, CheckerTimeout: time.Second, StopOnSync: true}

	task := NewTask(cfg, dev, &fakeArrays{arr: arr}, probe, oracle, policy)
	task.Start()

	waitForMonitorExit(t, dev)
	assert.Equal(t, domain.IOOk, dev.IOState())
	assert.Equal(t, domain.RaidInSync, dev.RaidState())
	assert.Empty(t, policy.failed)
}

func TestFailedProbeOnInSyncDeviceCallsFailMirror(t *testing.T) {
	dev := domain.NewDevice(domain.DevKey{Major: 94, Minor: 4}, "dasdb", domain.KindDasd)
	dev.SetArrayName("md0")
	arr := domain.NewArray("md0", 2, 2)

	probe := &fakeProbe{outcomes: []domain.IoOutcome{domain.OutcomeUnknown, domain.OutcomeFailed}}
	oracle := &fakeOracle{observed: domain.RaidInSync, slot: 1}
	policy := &fakePolicy{}
	cfg := Config{FailfastTimeout: 5 * time.Second, FailfastRetries: 2, CheckerTimeout: 0, StopOnSync: true}

	task := NewTask(cfg, dev, &fakeArrays{arr: arr}, probe, oracle, policy)
	task.Start()

	waitForMonitorExit(t, dev)
	require.Len(t, policy.failed, 1)
	assert.Equal(t, domain.RaidFaulty, policy.failed[0])
}

func TestArrayGoneExitsLoop(t *testing.T) {
	dev := domain.NewDevice(domain.DevKey{Major: 94, Minor: 8}, "dasdc", domain.KindDasd)
	dev.SetArrayName("md-missing")

	probe := &fakeProbe{outcomes: []domain.IoOutcome{domain.OutcomeOK}}
	oracle := &fakeOracle{observed: domain.RaidInSync}
	policy := &fakePolicy{}
	cfg := Config{FailfastTimeout: time.Second, FailfastRetries: 2, CheckerTimeout: time.Second, StopOnSync: false}

	task := NewTask(cfg, dev, &fakeArrays{arr: nil}, probe, oracle, policy)
	task.Start()

	waitForMonitorExit(t, dev)
}

func TestSetupFailureExitsImmediately(t *testing.T) {
	dev := domain.NewDevice(domain.DevKey{Major: 94, Minor: 12}, "dasdd", domain.KindDasd)
	probe := &fakeProbe{setupErr: assertError{}}
	cfg := Config{FailfastTimeout: time.Second, FailfastRetries: 2, CheckerTimeout: time.Second}

	task := NewTask(cfg, dev, &fakeArrays{}, probe, &fakeOracle{}, &fakePolicy{})
	task.Start()

	waitForMonitorExit(t, dev)
}

type assertError struct{}

func (assertError) Error() string { return "setup failed" }

func TestResetMirrorCalledWhenOKAfterFaulty(t *testing.T) {
	dev := domain.NewDevice(domain.DevKey{Major: 94, Minor: 16}, "dasde", domain.KindDasd)
	dev.SetArrayName("md0")
	arr := domain.NewArray("md0", 2, 2)

	probe := &fakeProbe{outcomes: []domain.IoOutcome{domain.OutcomeUnknown, domain.OutcomeOK}}
	oracle := &fakeOracle{observed: domain.RaidFaulty}
	policy := &fakePolicy{}
	cfg := Config{FailfastTimeout: time.Second, FailfastRetries: 2, CheckerTimeout: 0, StopOnSync: true}

	task := NewTask(cfg, dev, &fakeArrays{arr: arr}, probe, oracle, policy)
	task.Start()

	waitForMonitorExit(t, dev)
	assert.Equal(t, 1, policy.reset)
}
