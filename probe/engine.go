// Package probe implements the Path Probe Engine (C3): per-member direct,
// asynchronous read probes with timeout, built on the raw io_setup/io_submit/
// io_getevents/io_cancel/io_destroy syscalls since no importable io_uring or
// proactor-style library in the examples pack can drive reads against a raw
// block device (see DESIGN.md).
package probe

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hreinecke/md-monitor/domain"
)

const probeSize = 4096
const pollSlice = 200 * time.Millisecond

// Engine implements domain.ProbeEngineIface for one member. It is owned
// exclusively by that member's monitor task (§5 resource policy).
type Engine struct {
	dev  *domain.Device
	dasd domain.DasdIoctlIface // nil for multipath members (§4.3: they skip the DASD ioctl)

	fd        int
	ctx       aioContext
	buf       []byte
	aligned   []byte
	blockSize int
	active    bool
	cb        iocb
	submitted time.Time

	interrupt chan struct{}
}

func NewEngine(dasd domain.DasdIoctlIface) *Engine {
	return &Engine{fd: -1, dasd: dasd, interrupt: make(chan struct{}, 1)}
}

var _ domain.ProbeEngineIface = (*Engine)(nil)

// Setup opens the device for direct I/O, queries the block size (capped at
// 4096 per §4.3's DASD BLKBSZGET sanity note), allocates a page-aligned
// buffer and creates a capacity-1 async-I/O context.
func (e *Engine) Setup(dev *domain.Device) error {
	e.dev = dev

	path := "/dev/" + dev.Name
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("probe setup %s: open: %w", dev.Name, err)
	}
	e.fd = fd

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("probe setup %s: fcntl getfl: %w", dev.Name, err)
	}
	if flags&unix.O_DIRECT == 0 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_DIRECT); err != nil {
			return fmt.Errorf("probe setup %s: fcntl setfl O_DIRECT: %w", dev.Name, err)
		}
	}

	blksize, err := unix.IoctlGetInt(fd, unix.BLKBSZGET)
	if err != nil || blksize <= 0 {
		blksize = 512
	}
	if blksize > probeSize {
		blksize = probeSize
	}
	e.blockSize = blksize

	pagesize := unix.Getpagesize()
	e.buf = make([]byte, probeSize+pagesize)
	off := alignOffset(e.buf, pagesize)
	e.aligned = e.buf[off : off+probeSize]

	ctx, err := ioSetup(1)
	if err != nil {
		return fmt.Errorf("probe setup %s: io_setup: %w", dev.Name, err)
	}
	e.ctx = ctx

	return nil
}

func alignOffset(buf []byte, pagesize int) int {
	addr := uintptrOf(buf)
	rem := int(addr) % pagesize
	if rem == 0 {
		return 0
	}
	return pagesize - rem
}

// Probe implements the two entries of §4.3: timeout=0 reaps non-blockingly,
// timeout>0 submits (if nothing outstanding) then waits for completion,
// polling in short slices so an Interrupt() call lands promptly instead of
// blocking the whole timeout window — the Go-idiomatic substitute for the
// source's narrowly-unblocked real-time signal (§9 design note).
func (e *Engine) Probe(timeout time.Duration) (domain.IoOutcome, time.Duration, error) {
	if e.ctx == 0 {
		return domain.OutcomeUnknown, 0, nil
	}

	if timeout > 0 && !e.active {
		e.cb = iocb{
			aioLioOpcode: iocbCmdPread,
			aioFildes:    uint32(e.fd),
			aioBuf:       uint64(uintptrOf(e.aligned)),
			aioNbytes:    uint64(len(e.aligned)),
			aioOffset:    0,
		}
		e.submitted = time.Now()
		if err := ioSubmit(e.ctx, &e.cb); err != nil {
			logrus.Warnf("probe %s: io_submit failed: %v", e.dev.Name, err)
			return domain.OutcomeError, 0, err
		}
		e.active = true
	}

	deadline := time.Now().Add(timeout)
	for {
		slice := pollSlice
		if timeout == 0 {
			slice = 0
		} else if remaining := time.Until(deadline); remaining < slice {
			slice = remaining
			if slice < 0 {
				slice = 0
			}
		}

		ts := unix.NsecToTimespec(slice.Nanoseconds())
		ev, n, err := ioGetEvents(e.ctx, 0, 1, &ts)
		if err != nil {
			logrus.Warnf("probe %s: io_getevents failed: %v", e.dev.Name, err)
			e.cancelOutstanding()
			return domain.OutcomeError, 0, err
		}

		if n >= 1 {
			elapsed := time.Since(e.submitted)
			e.active = false
			if int(ev.res) != len(e.aligned) {
				return domain.OutcomeFailed, elapsed, nil
			}
			return domain.OutcomeOK, elapsed, nil
		}

		select {
		case <-e.interrupt:
			e.cancelOutstanding()
			return domain.OutcomePending, 0, nil
		default:
		}

		if timeout == 0 {
			if e.active {
				return domain.OutcomePending, 0, nil
			}
			return domain.OutcomeUnknown, 0, nil
		}

		if !time.Now().Before(deadline) {
			if e.active {
				return domain.OutcomeTimeout, 0, nil
			}
			return domain.OutcomeUnknown, 0, nil
		}
	}
}

// Interrupt asks an in-flight Probe call to return PENDING at its next poll
// slice, cancelling the outstanding request so the next iteration resubmits.
func (e *Engine) Interrupt() {
	select {
	case e.interrupt <- struct{}{}:
	default:
	}
}

func (e *Engine) cancelOutstanding() {
	if !e.active {
		return
	}
	if err := ioCancel(e.ctx, &e.cb); err != nil {
		logrus.Debugf("probe %s: io_cancel: %v", e.dev.Name, err)
	}
	e.active = false
}

// Teardown destroys the async context, closes the file, clears the DASD
// timeout flag (skipped for multipath members) and frees the buffer.
func (e *Engine) Teardown() {
	if e.ctx != 0 {
		if err := ioDestroy(e.ctx); err != nil {
			logrus.Warnf("probe %s: io_destroy: %v", e.dev.Name, err)
		}
		e.ctx = 0
	}
	if e.fd >= 0 {
		if e.dasd != nil && e.dev != nil {
			if err := e.dasd.ClearTimeout(e.dev); err != nil {
				logrus.Debugf("probe %s: clear dasd timeout: %v", e.dev.Name, err)
			}
		}
		unix.Close(e.fd)
		e.fd = -1
	}
	e.buf = nil
	e.aligned = nil
}
