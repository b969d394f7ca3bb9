// Package event implements the Event Router (C9): dispatches hot-plug
// records by subsystem, action, and name prefix to the device/array
// registries and the per-member monitor tasks.
package event

import (
	"path"
	"strconv"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/hreinecke/md-monitor/domain"
	"github.com/hreinecke/md-monitor/raid"
)

const multipathUUIDPrefix = "mpath-"

// namePrefix classifies a uevent sysname by its recognized prefix (§6:
// "md", "dasd", "dm-"). It is looked up via an immutable radix tree's
// longest-prefix match rather than a chain of strings.HasPrefix calls,
// the same lookup shape the teacher uses for its handler-path dispatch
// table (handlerDB.go, see DESIGN.md).
type namePrefix int

const (
	prefixNone namePrefix = iota
	prefixMd
	prefixDasd
	prefixMultipath
)

var prefixTree = buildPrefixTree()

func buildPrefixTree() *iradix.Tree {
	t := iradix.New()
	t, _, _ = t.Insert([]byte("md"), prefixMd)
	t, _, _ = t.Insert([]byte("dasd"), prefixDasd)
	t, _, _ = t.Insert([]byte("dm-"), prefixMultipath)
	return t
}

func classifyName(name string) namePrefix {
	_, v, ok := prefixTree.Root().LongestPrefix([]byte(name))
	if !ok {
		return prefixNone
	}
	return v.(namePrefix)
}

// Policy is the subset of the Mirror Policy (C6) the Event Router needs for
// "move" events.
type Policy interface {
	ResetMirror(dev *domain.Device)
}

// arrayHandle is the narrow file surface Router needs to query an array's
// kernel info before admitting it.
type arrayHandle interface {
	Fd() uintptr
	Close() error
}

// Router implements domain.EventRouterIface.
type Router struct {
	devices    domain.DeviceRegistryIface
	arrays     domain.ArrayRegistryIface
	discoverer *raid.Discoverer
	policy     Policy
	ioctl      raid.Ioctl
	open       func(path string) (arrayHandle, error)
}

func NewRouter(devices domain.DeviceRegistryIface, arrays domain.ArrayRegistryIface, discoverer *raid.Discoverer, policy Policy, ioctl raid.Ioctl) *Router {
	return &Router{
		devices:    devices,
		arrays:     arrays,
		discoverer: discoverer,
		policy:     policy,
		ioctl:      ioctl,
		open: func(p string) (arrayHandle, error) {
			return raid.OpenArrayHandle(p)
		},
	}
}

var _ domain.EventRouterIface = (*Router)(nil)

// Route dispatches ev per §4.9's table.
func (r *Router) Route(ev domain.HotplugEvent) {
	name := ev.Sysname

	switch ev.Action {
	case domain.ActionAdd:
		if isDasdOrMultipathName(name) {
			r.attach(ev)
		}
	case domain.ActionChange:
		if isMdName(name) {
			r.AdmitAndDiscover(name)
		} else if isDasdOrMultipathName(name) {
			r.attach(ev) // re-attach is idempotent (§4.1)
		}
	case domain.ActionRemove:
		if isMdName(name) {
			r.arrays.Remove(name)
		} else if isDasdOrMultipathName(name) {
			r.detach(ev)
		}
	case domain.ActionMove:
		r.move(ev)
	default:
		logrus.Debugf("event router: %s: unrecognized action, ignored", name)
	}
}

func isMdName(name string) bool { return classifyName(name) == prefixMd }

func isDasdOrMultipathName(name string) bool {
	switch classifyName(name) {
	case prefixDasd, prefixMultipath:
		return true
	default:
		return false
	}
}

// attach applies §4.1's admission rules. A DASD member is admitted only
// when its parent reports status "online" and isn't an alias device
// (alias starting with '1'); a device-mapper member is admitted only when
// its mapper uuid carries the multipath prefix. HotplugEvent.Sysattrs
// stands in for the parent's udev sysfs attribute cache the original
// queries with udev_device_get_sysattr_value.
func (r *Router) attach(ev domain.HotplugEvent) {
	kind := KindFromName(ev.Sysname)

	if kind == domain.KindDasd {
		if status := ev.Sysattrs["status"]; status != "online" {
			logrus.Infof("event router: %s: device in state %s, ignore", ev.Sysname, status)
			return
		}
		if alias := ev.Sysattrs["alias"]; strings.HasPrefix(alias, "1") {
			logrus.Infof("event router: %s: aliased device, ignore", ev.Sysname)
			return
		}
	} else {
		uuid := ev.Properties["DM_UUID"]
		if !strings.HasPrefix(uuid, multipathUUIDPrefix) {
			logrus.Debugf("event router: %s: not a multipath map, ignore", ev.Sysname)
			return
		}
	}

	key := keyFromEvent(ev)
	r.devices.Attach(key, ev.Sysname, kind)
}

func (r *Router) detach(ev domain.HotplugEvent) {
	r.devices.Detach(keyFromEvent(ev))
}

// KindFromName infers the device kind from the uevent name, the same
// classification attach() uses to pick between the DASD and multipath
// admission rules.
func KindFromName(name string) domain.DeviceKind {
	if classifyName(name) == prefixDasd {
		return domain.KindDasd
	}
	return domain.KindMultipath
}

func keyFromEvent(ev domain.HotplugEvent) domain.DevKey {
	major, _ := strconv.Atoi(ev.Properties["MAJOR"])
	minor, _ := strconv.Atoi(ev.Properties["MINOR"])
	return domain.DevKey{Major: uint32(major), Minor: uint32(minor)}
}

// AdmitAndDiscover implements "change on md* ⇒ admit + discover_members,
// rollback on failure" (§4.9). Admission failure removes any
// partially-admitted array record so a later retry starts clean. It is
// exported so the control socket's NewArray verb (C10) can trigger the same
// admission path a hotplug event would.
func (r *Router) AdmitAndDiscover(name string) error {
	f, err := r.open("/dev/" + name)
	if err != nil {
		logrus.Warnf("event router: %s: cannot open array device: %v", name, err)
		return err
	}
	defer f.Close()

	level, raidDisks, layout, sizeSectors, err := r.ioctl.GetArrayInfo(f.Fd())
	if err != nil {
		logrus.Warnf("event router: %s: GET_ARRAY_INFO failed: %v", name, err)
		return err
	}

	arr, err := r.arrays.Admit(name, raidDisks, layout, level, sizeSectors)
	if err != nil {
		logrus.Warnf("event router: %s: admission refused: %v", name, err)
		return err
	}

	if err := r.discoverer.DiscoverMembers(arr); err != nil {
		logrus.Warnf("event router: %s: member discovery failed, rolling back: %v", name, err)
		r.arrays.Remove(name)
		return err
	}
	return nil
}

// move implements §4.9's last rule. A rename whose destination path still
// contains "defunct" means the kernel hasn't finished tearing the node
// down; wait for the I/O error the probe loop will eventually see instead
// of acting now. Otherwise every registered member whose name relates to
// the renamed path's basename gets a reset_mirror nudge, since a sibling
// symlink rename can be the only externally visible sign that a path
// came back.
func (r *Router) move(ev domain.HotplugEvent) {
	if strings.Contains(ev.Devpath, "defunct") {
		logrus.Warnf("event router: %s: moved to defunct path, waiting for I/O error", ev.Sysname)
		return
	}

	base := path.Base(ev.OldDevpath)
	if base == "" || base == "." {
		return
	}

	r.devices.ForEach(func(dev *domain.Device) {
		if !strings.Contains(dev.Name, base) && !strings.Contains(base, dev.Name) {
			return
		}
		logrus.Infof("event router: %s: path move affects %s, triggering reset_mirror", ev.Sysname, dev.Name)
		r.policy.ResetMirror(dev)
	})
}
