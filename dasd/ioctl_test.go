package dasd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hreinecke/md-monitor/domain"
)

func TestIoctlOnMissingDeviceReturnsError(t *testing.T) {
	i := New()
	err := i.SetTimeout("/dev/md-monitor-test-does-not-exist")
	assert.Error(t, err)
}

func TestAdapterBuildsDevPathFromDeviceName(t *testing.T) {
	dev := domain.NewDevice(domain.DevKey{Major: 94, Minor: 0}, "dasda", domain.KindDasd)
	adapter := NewAdapter(New())

	err := adapter.SetTimeout(dev)
	assert.Error(t, err, "no /dev/dasda in the test sandbox, but the adapter must still resolve a path and attempt the call")
}
