package sysio

import (
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hreinecke/md-monitor/domain"
)

// AttrStore reads and writes single-line sysfs attribute files under a
// device's SysPath, the Go-native equivalent of the source's
// dasd_set_attribute (open, read old value for logging, write new value).
type AttrStore struct {
	ios domain.IOServiceIface
}

func NewAttrStore(ios domain.IOServiceIface) *AttrStore {
	return &AttrStore{ios: ios}
}

func (s *AttrStore) path(dev *domain.Device, attr string) string {
	return dev.SysPath + "/" + attr
}

// SetAttribute writes value to dev.SysPath/attr, logging the prior value on
// success the way dasd_set_attribute does. A device with no known SysPath
// (not yet resolved from a hotplug event) is a silent no-op, matching the
// source's "no parent device" early return.
func (s *AttrStore) SetAttribute(dev *domain.Device, attr, value string) error {
	if dev.SysPath == "" {
		return nil
	}
	old, _ := s.ReadAttribute(dev, attr)
	node := s.ios.NewIOnode(attr, s.path(dev, attr), os.FileMode(0644))
	if err := node.WriteFile([]byte(value)); err != nil {
		return err
	}
	logrus.Infof("sysio: %s: %s changed from %q to %q", dev.Name, attr, old, value)
	return nil
}

// SetIntAttribute is the common case (failfast, failfast_retries,
// failfast_expires are all small integers rendered as decimal text).
func (s *AttrStore) SetIntAttribute(dev *domain.Device, attr string, value int) error {
	return s.SetAttribute(dev, attr, strconv.Itoa(value))
}

// ReadAttribute returns the trimmed single-line contents of the attribute
// file, or "" if the device has no known SysPath.
func (s *AttrStore) ReadAttribute(dev *domain.Device, attr string) (string, error) {
	if dev.SysPath == "" {
		return "", nil
	}
	node := s.ios.NewIOnode(attr, s.path(dev, attr), os.FileMode(0644))
	line, err := node.ReadLine()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
