// Package dasd wraps the four DASD ioctls the probe engine and management
// executor use to bound path I/O: set timeout, clear timeout (resync),
// quiesce and resume.
package dasd

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/hreinecke/md-monitor/domain"
)

// ioctl request numbers, _IO(DASD_IOCTL_LETTER, nr) with letter 'D' (0x44).
const (
	biodasdTimeout = 0x44F0
	biodasdResync  = 0x44F1
	biodasdQuiesce = 0x4406
	biodasdResume  = 0x4407
)

// Ioctl is the seam over the four DASD operations, faked in tests.
type Ioctl struct{}

func New() *Ioctl { return &Ioctl{} }

var _ domain.DasdIoctlIface = (*dasdAdapter)(nil)

func (*Ioctl) call(path string, req uintptr) error {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, 0); errno != 0 {
		return fmt.Errorf("ioctl %s: %w", path, errno)
	}
	return nil
}

func (i *Ioctl) SetTimeout(path string) error   { return i.call(path, biodasdTimeout) }
func (i *Ioctl) ClearTimeout(path string) error { return i.call(path, biodasdResync) }
func (i *Ioctl) Quiesce(path string) error      { return i.call(path, biodasdQuiesce) }
func (i *Ioctl) Resume(path string) error       { return i.call(path, biodasdResume) }

// dasdAdapter adapts the path-keyed Ioctl to domain.DasdIoctlIface, which is
// keyed by *domain.Device, resolving the device node from its name.
type dasdAdapter struct {
	ioctl *Ioctl
}

func NewAdapter(ioctl *Ioctl) domain.DasdIoctlIface {
	return &dasdAdapter{ioctl: ioctl}
}

func devPath(dev *domain.Device) string {
	return "/dev/" + dev.Name
}

func (a *dasdAdapter) SetTimeout(dev *domain.Device) error   { return a.ioctl.SetTimeout(devPath(dev)) }
func (a *dasdAdapter) ClearTimeout(dev *domain.Device) error { return a.ioctl.ClearTimeout(devPath(dev)) }
func (a *dasdAdapter) Quiesce(dev *domain.Device) error      { return a.ioctl.Quiesce(devPath(dev)) }
func (a *dasdAdapter) Resume(dev *domain.Device) error       { return a.ioctl.Resume(devPath(dev)) }
