package domain

// HotplugAction is the kernel hot-plug event verb (§6).
type HotplugAction int

const (
	ActionUnknown HotplugAction = iota
	ActionAdd
	ActionChange
	ActionRemove
	ActionMove
)

// HotplugEvent is one record from the hot-plug event source. The source
// itself (netlink uevent socket, or a test fixture feeding synthetic
// records) is out of scope per §1; only the record shape is specified.
type HotplugEvent struct {
	Action    HotplugAction
	Subsystem string
	Devpath   string
	Sysname   string
	Devtype   string
	Properties map[string]string
	Sysattrs   map[string]string
	OldDevpath string // populated for Action == ActionMove
}

// EventRouterIface dispatches hot-plug events to the device/array registries
// and the per-member monitor tasks (C9).
type EventRouterIface interface {
	Route(ev HotplugEvent)
}
