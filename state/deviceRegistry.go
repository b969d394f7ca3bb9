package state

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hreinecke/md-monitor/domain"
)

// deviceRegistry is the Device Registry (C1): a mapping from stable device
// key to Device record. Membership is a strong reference; detaching removes
// it from the map, but a live monitor task keeps its own reference to the
// same *domain.Device until it exits (domain.Device.refcount).
type deviceRegistry struct {
	mu sync.RWMutex

	byKey  map[domain.DevKey]*domain.Device
	byName map[string]*domain.Device
}

func NewDeviceRegistry() domain.DeviceRegistryIface {
	return &deviceRegistry{
		byKey:  make(map[domain.DevKey]*domain.Device),
		byName: make(map[string]*domain.Device),
	}
}

// Attach admits (or idempotently re-attaches) a device into the registry.
// The boolean result is true iff a new record was created; a re-attach of an
// already-present key is a no-op and never creates a second record.
func (r *deviceRegistry) Attach(key domain.DevKey, name string, kind domain.DeviceKind) (*domain.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.byKey[key]; ok {
		logrus.Debugf("device registry: re-attach of %s (%s) is a no-op", name, key)
		return dev, false
	}

	dev := domain.NewDevice(key, name, kind)
	r.byKey[key] = dev
	r.byName[name] = dev

	logrus.Infof("device registry: attached %s (key=%s, kind=%v)", name, key, kind)
	return dev, true
}

func (r *deviceRegistry) Detach(key domain.DevKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(r.byKey, key)
	delete(r.byName, dev.Name)

	logrus.Infof("device registry: detached %s (key=%s)", dev.Name, key)
}

func (r *deviceRegistry) LookupByKey(key domain.DevKey) *domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[key]
}

func (r *deviceRegistry) LookupByName(name string) *domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

func (r *deviceRegistry) ForEach(fn func(*domain.Device)) {
	r.mu.RLock()
	snapshot := make([]*domain.Device, 0, len(r.byKey))
	for _, dev := range r.byKey {
		snapshot = append(snapshot, dev)
	}
	r.mu.RUnlock()

	// fn is invoked outside the registry lock so it may itself call back
	// into the registry without deadlocking (§5: a registry lock is never
	// held while calling into another component's operations).
	for _, dev := range snapshot {
		fn(dev)
	}
}

func (r *deviceRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
