// Package raid wraps the kernel md ioctl surface and implements the RAID
// State Oracle (C4): reconciling kernel-reported member state with the
// locally-held provisional state (pending-fail, recovery).
//
// The surface is intentionally narrow, matching §1's framing of the kernel
// RAID ioctl as two operations: get_array_info and get_disk_info(index).
package raid

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers from linux/raid/md_u.h. MD_MAJOR is the historical
// ioctl "type" byte (0x09) that all md ioctls share. Both are _IOR-encoded:
// (2<<30)|(size<<16)|(type<<8)|nr, with size taken from sizeof(mdu_*_info_t).
const (
	mdMajor      = 0x09
	getArrayInfo = 0x80480911 // _IOR(MD_MAJOR, 0x11, mdu_array_info_t), size 0x48
	getDiskInfo  = 0x80140912 // _IOR(MD_MAJOR, 0x12, mdu_disk_info_t), size 0x14
)

// Bit positions within mdu_disk_info_t.State, from linux/raid/md_u.h.
const (
	diskFaulty  = 0
	diskActive  = 1
	diskSync    = 2
	diskRemoved = 3
	diskTimeout = 11 // MD_DISK_TIMEOUT: not upstream, a DASD/s390 carry-over bit
)

// arrayInfo mirrors mdu_array_info_t. Field order and widths must match the
// kernel struct exactly since it is read via a raw ioctl.
type arrayInfo struct {
	MajorVersion  int32
	MinorVersion  int32
	PatchVersion  int32
	Ctime         int32
	Level         int32
	Size          int32
	NrDisks       int32
	RaidDisks     int32
	MdMinor       int32
	NotPersistent int32
	Utime         int32
	State         int32
	ActiveDisks   int32
	WorkingDisks  int32
	FailedDisks   int32
	SpareDisks    int32
	Layout        int32
	ChunkSize     int32
}

// diskInfo mirrors mdu_disk_info_t.
type diskInfo struct {
	Number   int32
	Major    int32
	Minor    int32
	RaidDisk int32
	State    int32
}

// Ioctl is the seam over the two md ioctls, substituted with a fake in
// tests since unit tests don't run against a real kernel RAID array.
type Ioctl interface {
	GetArrayInfo(fd uintptr) (level, raidDisks int, layout uint32, sizeSectors uint64, err error)
	GetDiskInfo(fd uintptr, index int) (major, minor uint32, slot int, state int32, err error)
}

type kernelIoctl struct{}

func NewKernelIoctl() Ioctl { return kernelIoctl{} }

func (kernelIoctl) GetArrayInfo(fd uintptr) (int, int, uint32, uint64, error) {
	var info arrayInfo
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, getArrayInfo, uintptr(unsafe.Pointer(&info))); errno != 0 {
		return 0, 0, 0, 0, errno
	}
	return int(info.Level), int(info.RaidDisks), uint32(info.Layout), uint64(info.Size) * 2, nil
}

func (kernelIoctl) GetDiskInfo(fd uintptr, index int) (uint32, uint32, int, int32, error) {
	info := diskInfo{Number: int32(index)}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, getDiskInfo, uintptr(unsafe.Pointer(&info))); errno != 0 {
		return 0, 0, 0, 0, errno
	}
	return uint32(info.Major), uint32(info.Minor), int(info.RaidDisk), info.State, nil
}

// arrayHandle is the narrow surface Oracle and Discoverer need from an open
// array device node. *os.File satisfies it; tests substitute a fake so they
// don't need a real block device.
type arrayHandle interface {
	Fd() uintptr
	Close() error
}

// OpenArrayHandle opens the array's block device read-only, non-blocking, as
// check() does before each GET_DISK_INFO call.
func OpenArrayHandle(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

func stateToRaidState(state int32) rawDiskState {
	active := state&(1<<diskActive) != 0
	sync := state&(1<<diskSync) != 0
	faulty := state&(1<<diskFaulty) != 0
	timeout := state&(1<<diskTimeout) != 0
	removed := state&(1<<diskRemoved) != 0

	switch {
	case active && sync:
		return rawInSync
	case faulty && timeout:
		return rawTimeout
	case faulty:
		return rawFaulty
	case removed:
		return rawRemoved
	default:
		return rawSpare
	}
}

type rawDiskState int

const (
	rawInSync rawDiskState = iota
	rawFaulty
	rawTimeout
	rawRemoved
	rawSpare
)
