package probe

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// iocb mirrors struct iocb from linux/aio_abi.h, the layout the kernel's
// io_submit expects for a single pread request.
type iocb struct {
	aioData       uint64
	aioKeyPadding uint64 // aio_key and aio_rw_flags, two __u32 fields; zeroed
	aioLioOpcode  uint16
	aioReqPrio    int16
	aioFildes     uint32
	aioBuf        uint64
	aioNbytes     uint64
	aioOffset     int64
	aioReserved2  uint64
	aioFlags      uint32
	aioResfd      uint32
}

const iocbCmdPread = 0

// ioEvent mirrors struct io_event.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

type aioContext uintptr

func ioSetup(nrEvents uint32) (aioContext, error) {
	var ctx aioContext
	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, errno
	}
	return ctx, nil
}

func ioDestroy(ctx aioContext) error {
	_, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, uintptr(ctx), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioSubmit(ctx aioContext, cb *iocb) error {
	cbs := [1]*iocb{cb}
	_, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, uintptr(ctx), 1, uintptr(unsafe.Pointer(&cbs[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioGetEvents(ctx aioContext, minNr, maxNr int64, timeout *unix.Timespec) (ioEvent, int, error) {
	var ev ioEvent
	n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, uintptr(ctx), uintptr(minNr), uintptr(maxNr),
		uintptr(unsafe.Pointer(&ev)), uintptr(unsafe.Pointer(timeout)), 0)
	if errno != 0 {
		return ev, 0, errno
	}
	return ev, int(n), nil
}

func ioCancel(ctx aioContext, cb *iocb) error {
	var result ioEvent
	_, _, errno := unix.Syscall(unix.SYS_IO_CANCEL, uintptr(ctx), uintptr(unsafe.Pointer(cb)), uintptr(unsafe.Pointer(&result)))
	if errno != 0 {
		return errno
	}
	return nil
}
