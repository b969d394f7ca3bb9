package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hreinecke/md-monitor/domain"
	"github.com/hreinecke/md-monitor/raid"
	"github.com/hreinecke/md-monitor/state"
)

type fakePolicy struct {
	resetCalls []*domain.Device
}

func (p *fakePolicy) ResetMirror(dev *domain.Device) { p.resetCalls = append(p.resetCalls, dev) }

type fakeArrayHandle struct{}

func (fakeArrayHandle) Fd() uintptr  { return 3 }
func (fakeArrayHandle) Close() error { return nil }

type fakeRaidIoctl struct {
	level       int
	raidDisks   int
	layout      uint32
	sizeSectors uint64
	err         error
}

func (f *fakeRaidIoctl) GetArrayInfo(fd uintptr) (int, int, uint32, uint64, error) {
	return f.level, f.raidDisks, f.layout, f.sizeSectors, f.err
}

func (f *fakeRaidIoctl) GetDiskInfo(fd uintptr, index int) (uint32, uint32, int, int32, error) {
	return 0, 0, 0, 0, nil
}

func newTestRouter(t *testing.T) (*Router, domain.DeviceRegistryIface, domain.ArrayRegistryIface, *fakePolicy) {
	t.Helper()
	devices := state.NewDeviceRegistry()
	arrays := state.NewArrayRegistry()
	ioctl := &fakeRaidIoctl{level: 10, raidDisks: 2, layout: 2, sizeSectors: 1024}
	discoverer := raid.NewDiscoverer(devices, ioctl)
	policy := &fakePolicy{}
	r := NewRouter(devices, arrays, discoverer, policy, ioctl)
	r.open = func(string) (arrayHandle, error) { return fakeArrayHandle{}, nil }
	return r, devices, arrays, policy
}

func TestRouteAddAttachesDasdMember(t *testing.T) {
	r, devices, _, _ := newTestRouter(t)

	r.Route(domain.HotplugEvent{
		Action:     domain.ActionAdd,
		Sysname:    "dasdb",
		Properties: map[string]string{"MAJOR": "94", "MINOR": "4"},
		Sysattrs:   map[string]string{"status": "online"},
	})

	dev := devices.LookupByKey(domain.DevKey{Major: 94, Minor: 4})
	require.NotNil(t, dev)
	assert.Equal(t, domain.KindDasd, dev.Kind)
}

func TestRouteAddIgnoresOfflineDasd(t *testing.T) {
	r, devices, _, _ := newTestRouter(t)

	r.Route(domain.HotplugEvent{
		Action:     domain.ActionAdd,
		Sysname:    "dasdb",
		Properties: map[string]string{"MAJOR": "94", "MINOR": "4"},
		Sysattrs:   map[string]string{"status": "offline"},
	})

	assert.Nil(t, devices.LookupByKey(domain.DevKey{Major: 94, Minor: 4}))
}

func TestRouteAddIgnoresAliasedDasd(t *testing.T) {
	r, devices, _, _ := newTestRouter(t)

	r.Route(domain.HotplugEvent{
		Action:     domain.ActionAdd,
		Sysname:    "dasdb",
		Properties: map[string]string{"MAJOR": "94", "MINOR": "4"},
		Sysattrs:   map[string]string{"status": "online", "alias": "1"},
	})

	assert.Nil(t, devices.LookupByKey(domain.DevKey{Major: 94, Minor: 4}))
}

func TestRouteAddIgnoresNonMultipathMapper(t *testing.T) {
	r, devices, _, _ := newTestRouter(t)

	r.Route(domain.HotplugEvent{
		Action:     domain.ActionAdd,
		Sysname:    "dm-3",
		Properties: map[string]string{"MAJOR": "253", "MINOR": "3", "DM_UUID": "LVM-abcd"},
	})

	assert.Nil(t, devices.LookupByKey(domain.DevKey{Major: 253, Minor: 3}))
}

func TestRouteAddAttachesMultipathMapper(t *testing.T) {
	r, devices, _, _ := newTestRouter(t)

	r.Route(domain.HotplugEvent{
		Action:     domain.ActionAdd,
		Sysname:    "dm-3",
		Properties: map[string]string{"MAJOR": "253", "MINOR": "3", "DM_UUID": "mpath-abcd"},
	})

	dev := devices.LookupByKey(domain.DevKey{Major: 253, Minor: 3})
	require.NotNil(t, dev)
	assert.Equal(t, domain.KindMultipath, dev.Kind)
}

func TestRouteRemoveDetachesDevice(t *testing.T) {
	r, devices, _, _ := newTestRouter(t)
	devices.Attach(domain.DevKey{Major: 94, Minor: 4}, "dasdb", domain.KindDasd)

	r.Route(domain.HotplugEvent{
		Action:     domain.ActionRemove,
		Sysname:    "dasdb",
		Properties: map[string]string{"MAJOR": "94", "MINOR": "4"},
	})

	assert.Nil(t, devices.LookupByKey(domain.DevKey{Major: 94, Minor: 4}))
}

func TestRouteRemoveOnArrayRemovesIt(t *testing.T) {
	r, _, arrays, _ := newTestRouter(t)
	arr, err := arrays.Admit("md0", 2, 2, 10, 1024)
	require.NoError(t, err)
	require.NotNil(t, arr)

	r.Route(domain.HotplugEvent{Action: domain.ActionRemove, Sysname: "md0"})

	assert.Nil(t, arrays.Lookup("md0"))
}

func TestRouteMoveToDefunctPathIsIgnored(t *testing.T) {
	r, _, _, policy := newTestRouter(t)

	r.Route(domain.HotplugEvent{
		Action:     domain.ActionMove,
		Sysname:    "dasdb",
		Devpath:    "/devices/defunct/dasdb",
		OldDevpath: "/devices/css0/dasdb",
	})

	assert.Empty(t, policy.resetCalls)
}

func TestRouteMoveTriggersResetMirrorForMatchingMember(t *testing.T) {
	r, devices, _, policy := newTestRouter(t)
	dev, _ := devices.Attach(domain.DevKey{Major: 94, Minor: 4}, "dasdb", domain.KindDasd)

	r.Route(domain.HotplugEvent{
		Action:     domain.ActionMove,
		Sysname:    "dasdb",
		Devpath:    "/devices/css0/dasdb",
		OldDevpath: "/devices/css0/dasdb",
	})

	require.Len(t, policy.resetCalls, 1)
	assert.Same(t, dev, policy.resetCalls[0])
}

func TestAdmitAndDiscoverRejectsNonRaid10(t *testing.T) {
	devices := state.NewDeviceRegistry()
	arrays := state.NewArrayRegistry()
	ioctl := &fakeRaidIoctl{level: 1, raidDisks: 2, layout: 2, sizeSectors: 1024}
	discoverer := raid.NewDiscoverer(devices, ioctl)
	r := NewRouter(devices, arrays, discoverer, &fakePolicy{}, ioctl)
	r.open = func(string) (arrayHandle, error) { return fakeArrayHandle{}, nil }

	err := r.AdmitAndDiscover("md0")

	assert.Error(t, err)
	assert.Nil(t, arrays.Lookup("md0"))
}

func TestAdmitAndDiscoverRollsBackOnDiscoveryFailure(t *testing.T) {
	r, _, arrays, _ := newTestRouter(t)

	// The discoverer's own device opener is unexported and falls back to a
	// real file open against a path that cannot exist; discovery fails and
	// AdmitAndDiscover must roll the partially-admitted array back out.
	err := r.AdmitAndDiscover("md-does-not-exist-in-test-env")

	assert.Error(t, err)
	assert.Nil(t, arrays.Lookup("md-does-not-exist-in-test-env"))
}

func TestClassifyNamePrefixes(t *testing.T) {
	assert.Equal(t, prefixMd, classifyName("md0"))
	assert.Equal(t, prefixDasd, classifyName("dasda"))
	assert.Equal(t, prefixMultipath, classifyName("dm-7"))
	assert.Equal(t, prefixNone, classifyName("sda"))
}
