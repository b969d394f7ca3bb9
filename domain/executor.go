package domain

// ToolExitClass classifies the management tool's exit status per the §9
// redesign flag: decode the real exit code rather than the raw wait status
// word (the source's reliance on the literal value 512 for "busy").
type ToolExitClass int

const (
	ToolSuccess ToolExitClass = iota
	ToolBusy
	ToolFailure
)

// ManagementToolIface invokes the external array-management tool (mdadm) as
// an opaque subprocess returning a classified exit status (§6).
type ManagementToolIface interface {
	FailSide(arrayName string, side int) (ToolExitClass, error)
	ReAddFaulty(arrayName string) (ToolExitClass, error)
}

// ManagementExecutorIface is the single serialized worker (C7) that runs
// every array-mutating external-tool invocation.
type ManagementExecutorIface interface {
	Enqueue(action *PendingAction)
	Run(stop <-chan struct{})
}

// AttrWriter sets a single-line sysfs attribute on a DASD member, e.g.
// "failfast". Implemented by sysio against the real or afero filesystem.
type AttrWriter interface {
	SetAttribute(dev *Device, attr, value string) error
	SetIntAttribute(dev *Device, attr string, value int) error
}
