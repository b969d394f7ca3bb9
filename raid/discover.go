package raid

import (
	"github.com/sirupsen/logrus"

	"github.com/hreinecke/md-monitor/domain"
)

const maxDiskIndex = 4096

// Discoverer wires the Array Registry's discover_members operation (C2) to
// the Device Registry and the kernel ioctl surface. It is kept out of the
// state package so state stays free of the ioctl dependency.
type Discoverer struct {
	devices domain.DeviceRegistryIface
	ioctl   Ioctl
	open    func(path string) (arrayHandle, error)
}

func NewDiscoverer(devices domain.DeviceRegistryIface, ioctl Ioctl) *Discoverer {
	return &Discoverer{
		devices: devices,
		ioctl:   ioctl,
		open: func(path string) (arrayHandle, error) {
			return OpenArrayHandle(path)
		},
	}
}

// DiscoverMembers walks kernel disk indices 0..4095, resolving each present
// slot to a registry Device (creating one if necessary), and attaches it to
// the array's children list. Members previously on the children list that
// are absent from the new enumeration are dropped, unless the array is
// currently in recovery, in which case stale-member detection is suppressed
// to avoid racing a rebuild (§4.2).
func (d *Discoverer) DiscoverMembers(arr *domain.Array) error {
	f, err := d.open("/dev/" + arr.Name)
	if err != nil {
		return err
	}
	defer f.Close()

	mirrorCopies := arr.MirrorCopies()
	seen := make(map[*domain.Device]bool)

	for idx := 0; idx < maxDiskIndex; idx++ {
		major, minor, slot, state, err := d.ioctl.GetDiskInfo(f.Fd(), idx)
		if err != nil {
			continue
		}
		if major == 0 && minor == 0 {
			continue // empty slot
		}
		if stateToRaidState(state) == rawRemoved && slot < 0 {
			continue
		}

		key := domain.DevKey{Major: major, Minor: minor}
		dev := d.devices.LookupByKey(key)
		if dev == nil {
			dev, _ = d.devices.Attach(key, key.String(), domain.KindUnknown)
		}

		dev.SetIndexSlot(idx, slot, mirrorCopies)
		dev.SetArrayName(arr.Name)
		arr.AddChild(dev)
		seen[dev] = true
	}

	if !arr.InRecovery() {
		for _, dev := range arr.ChildrenSnapshot() {
			if !seen[dev] {
				logrus.Infof("raid discovery: %s: dropping stale member %s", arr.Name, dev.Name)
				arr.RemoveChild(dev)
				dev.SetArrayName("")
			}
		}
	}

	return nil
}
