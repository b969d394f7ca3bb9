package state

import (
	"io/ioutil"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hreinecke/md-monitor/domain"
)

func TestMain(m *testing.M) {
	logrus.SetOutput(ioutil.Discard)
	m.Run()
}

func TestDeviceRegistryAttachIsIdempotent(t *testing.T) {
	reg := NewDeviceRegistry()
	key := domain.DevKey{Major: 94, Minor: 0}

	dev1, created1 := reg.Attach(key, "dasda", domain.KindDasd)
	require.True(t, created1)

	dev2, created2 := reg.Attach(key, "dasda", domain.KindDasd)
	assert.False(t, created2)
	assert.Same(t, dev1, dev2)
	assert.Equal(t, 1, reg.Size())
}

func TestDeviceRegistryLookup(t *testing.T) {
	reg := NewDeviceRegistry()
	key := domain.DevKey{Major: 94, Minor: 4}

	dev, _ := reg.Attach(key, "dasdb", domain.KindDasd)

	assert.Same(t, dev, reg.LookupByKey(key))
	assert.Same(t, dev, reg.LookupByName("dasdb"))
	assert.Nil(t, reg.LookupByKey(domain.DevKey{Major: 1, Minor: 1}))
}

func TestDeviceRegistryDetach(t *testing.T) {
	reg := NewDeviceRegistry()
	key := domain.DevKey{Major: 253, Minor: 2}
	reg.Attach(key, "dm-2", domain.KindMultipath)

	reg.Detach(key)

	assert.Nil(t, reg.LookupByKey(key))
	assert.Nil(t, reg.LookupByName("dm-2"))
	assert.Equal(t, 0, reg.Size())
}

func TestDeviceRegistryDetachUnknownIsNoop(t *testing.T) {
	reg := NewDeviceRegistry()
	assert.NotPanics(t, func() {
		reg.Detach(domain.DevKey{Major: 1, Minor: 1})
	})
}

func TestDeviceRegistryForEach(t *testing.T) {
	reg := NewDeviceRegistry()
	reg.Attach(domain.DevKey{Major: 94, Minor: 0}, "dasda", domain.KindDasd)
	reg.Attach(domain.DevKey{Major: 94, Minor: 4}, "dasdb", domain.KindDasd)

	seen := map[string]bool{}
	reg.ForEach(func(d *domain.Device) {
		seen[d.Name] = true
	})

	assert.Len(t, seen, 2)
	assert.True(t, seen["dasda"])
	assert.True(t, seen["dasdb"])
}
