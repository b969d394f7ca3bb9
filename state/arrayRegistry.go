package state

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hreinecke/md-monitor/domain"
)

const raidLevel10 = 10

// arrayRegistry is the Array Registry (C2): a mapping from array name to
// Array record, admitting only RAID-10 arrays with at least one disk and a
// non-zero reported size (invariant 7).
type arrayRegistry struct {
	mu    sync.RWMutex
	byName map[string]*domain.Array
}

func NewArrayRegistry() domain.ArrayRegistryIface {
	return &arrayRegistry{
		byName: make(map[string]*domain.Array),
	}
}

func (r *arrayRegistry) Admit(name string, raidDisks int, layout uint32, level int, sizeSectors uint64) (*domain.Array, error) {
	if level != raidLevel10 {
		return nil, domain.ErrNotRaid10
	}
	if raidDisks < 1 {
		return nil, domain.ErrZeroDisks
	}
	if sizeSectors == 0 {
		return nil, domain.ErrZeroSize
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if arr, ok := r.byName[name]; ok {
		return arr, nil
	}

	arr := domain.NewArray(name, raidDisks, layout)
	r.byName[name] = arr

	logrus.Infof("array registry: admitted %s (raid-disks=%d, mirror-copies=%d)",
		name, raidDisks, arr.MirrorCopies())

	return arr, nil
}

// Remove tombstones and drops the Array record. Per §3, destruction detaches
// and clears all member back-references before the Array handle is released.
func (r *arrayRegistry) Remove(name string) {
	r.mu.Lock()
	arr, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byName, name)
	r.mu.Unlock()

	for _, dev := range arr.ChildrenSnapshot() {
		dev.SetArrayName("")
	}
	arr.Tombstone()

	logrus.Infof("array registry: removed %s", name)
}

func (r *arrayRegistry) Lookup(name string) *domain.Array {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

func (r *arrayRegistry) ForEach(fn func(*domain.Array)) {
	r.mu.RLock()
	snapshot := make([]*domain.Array, 0, len(r.byName))
	for _, arr := range r.byName {
		snapshot = append(snapshot, arr)
	}
	r.mu.RUnlock()

	for _, arr := range snapshot {
		fn(arr)
	}
}

func (r *arrayRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
