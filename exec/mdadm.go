// Package exec implements the Management Executor (C7): a single
// serialized worker that drains queued per-array pending actions and
// invokes the mdadm-like external tool on their behalf.
package exec

import (
	osexec "os/exec"

	"github.com/hreinecke/md-monitor/domain"
)

// Mdadm shells out to the real mdadm binary. It is the only place in the
// repository that spawns a child process.
type Mdadm struct {
	Path string // defaults to "mdadm" when empty, resolved via PATH
}

func NewMdadm() *Mdadm {
	return &Mdadm{Path: "mdadm"}
}

var _ domain.ManagementToolIface = (*Mdadm)(nil)

// busyExitCode is mdadm's real exit code for "device or resource busy",
// decoded from the child's actual exit status per §9's redesign flag (the
// source instead tested the raw wait-status word for the literal value
// 512, which is WEXITSTATUS(512) == 2 in disguise).
const busyExitCode = 2

func (m *Mdadm) bin() string {
	if m.Path == "" {
		return "mdadm"
	}
	return m.Path
}

func (m *Mdadm) run(args ...string) (domain.ToolExitClass, error) {
	cmd := osexec.Command(m.bin(), args...)
	err := cmd.Run()
	if err == nil {
		return domain.ToolSuccess, nil
	}
	exitErr, ok := err.(*osexec.ExitError)
	if !ok {
		return domain.ToolFailure, err
	}
	if exitErr.ExitCode() == busyExitCode {
		return domain.ToolBusy, nil
	}
	return domain.ToolFailure, nil
}

// FailSide runs "mdadm --manage /dev/ARRAY --fail set-A" (side 0) or
// "set-B" (side 1), per spec.md §4.7/§6.
func (m *Mdadm) FailSide(arrayName string, side int) (domain.ToolExitClass, error) {
	return m.run("--manage", "/dev/"+arrayName, "--fail", "set-"+string(rune('A'+side)))
}

// ReAddFaulty runs "mdadm --manage /dev/ARRAY --re-add faulty".
func (m *Mdadm) ReAddFaulty(arrayName string) (domain.ToolExitClass, error) {
	return m.run("--manage", "/dev/"+arrayName, "--re-add", "faulty")
}
