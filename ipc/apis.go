// Package ipc implements the Control Socket (C10): a local AF_LOCAL
// SOCK_DGRAM endpoint that accepts array-event notifications and status
// queries and feeds them into the same registries and state machine the
// hot-plug Event Router (C9) drives.
package ipc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hreinecke/md-monitor/domain"
)

// SocketPath is the abstract-namespace address spec.md §6 specifies.
const SocketPath = "/org/kernel/md/md_monitor"

// Arrays is the subset of the Array Registry (C2) the control socket needs.
type Arrays interface {
	Lookup(name string) *domain.Array
	Remove(name string)
}

// Devices is the subset of the Device Registry (C1) needed to resolve an
// "ARRAY@DEVICE" request target.
type Devices interface {
	LookupByName(name string) *domain.Device
}

// Admitter triggers the same admit-plus-discover_members path a hotplug
// "change" event on an md* device runs, so NewArray can be driven
// out-of-band from a management client (event.Router.AdmitAndDiscover
// satisfies this).
type Admitter interface {
	AdmitAndDiscover(name string) error
}

// Policy is the subset of the Mirror Policy (C6) the Fail/FailSpare/
// SpareActive verbs drive.
type Policy interface {
	FailMirror(dev *domain.Device, status domain.RaidState)
	ResetMirror(dev *domain.Device)
}

// Server is the Control Socket (C10).
type Server struct {
	arrays  Arrays
	devices Devices
	admit   Admitter
	policy  Policy

	mu       sync.Mutex
	fd       int
	shutdown chan struct{}
}

func NewServer(arrays Arrays, devices Devices, admit Admitter, policy Policy) *Server {
	return &Server{
		arrays:   arrays,
		devices:  devices,
		admit:    admit,
		policy:   policy,
		fd:       -1,
		shutdown: make(chan struct{}),
	}
}

// Shutdown is closed once a client sends the Shutdown verb, so the main
// loop can treat a control-socket shutdown request the same way it treats
// a termination signal.
func (s *Server) Shutdown() <-chan struct{} { return s.shutdown }

// Listen binds the abstract-namespace datagram socket and enables
// SO_PASSCRED so each Recvmsg carries the peer's SCM_CREDENTIALS, which §6
// requires checking for uid 0 before honoring any request.
func (s *Server) Listen(path string) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("control socket: socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: "\x00" + path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("control socket: bind: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("control socket: enable SO_PASSCRED: %w", err)
	}

	s.mu.Lock()
	s.fd = fd
	s.mu.Unlock()
	return nil
}

// Close releases the socket fd. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// Run reads requests until stop fires. A watcher goroutine closes the
// socket fd when stop fires, which unblocks the in-progress Recvmsg with
// EBADF -- the channel-native analogue of the source's pselect-based
// interruption (§5, §9).
func (s *Server) Run(stop <-chan struct{}) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if fd < 0 {
		logrus.Error("control socket: Run called before Listen")
		return
	}

	closed := make(chan struct{})
	go func() {
		select {
		case <-stop:
			s.Close()
		case <-closed:
		}
	}()
	defer close(closed)

	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	for {
		n, oobn, _, from, err := unix.Recvmsg(fd, buf, oob, 0)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			logrus.Warnf("control socket: recvmsg: %v", err)
			return
		}

		cred, credErr := parseCredentials(oob[:oobn])
		if credErr != nil || cred.Uid != 0 {
			logrus.Warnf("control socket: rejecting request from unauthorized peer: %v", credErr)
			continue
		}

		reply := s.dispatch(string(buf[:n]))
		if from == nil {
			continue
		}
		if err := unix.Sendto(fd, reply, 0, from); err != nil {
			logrus.Warnf("control socket: sendto: %v", err)
		}
	}
}

func parseCredentials(oob []byte) (*unix.Ucred, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_CREDENTIALS {
			return unix.ParseUnixCredentials(&m)
		}
	}
	return nil, fmt.Errorf("no SCM_CREDENTIALS in ancillary data")
}

// parseRequest splits "VERB(:ARRAY(@DEVICE)?)?" per §6's grammar. A
// leading "/dev/" on ARRAY or DEVICE is stripped so callers may pass either
// form.
func parseRequest(req string) (verb, arrayName, deviceName string) {
	req = strings.TrimRight(req, "\x00")
	verb = req
	if idx := strings.IndexByte(req, ':'); idx >= 0 {
		verb = req[:idx]
		rest := req[idx+1:]
		if at := strings.IndexByte(rest, '@'); at >= 0 {
			arrayName, deviceName = rest[:at], rest[at+1:]
		} else {
			arrayName = rest
		}
	}
	arrayName = strings.TrimPrefix(arrayName, "/dev/")
	deviceName = strings.TrimPrefix(deviceName, "/dev/")
	return verb, arrayName, deviceName
}

func okReply() []byte { return []byte{} }

func errnoReply(errno unix.Errno) []byte { return []byte{byte(errno)} }

// dispatch implements §4.9's verb table and §4.9/§4.7's reply conventions:
// a 0-byte reply is success, a 1-byte reply is an errno-like error code,
// and anything longer is human-readable status text.
func (s *Server) dispatch(req string) []byte {
	verb, arrayName, deviceName := parseRequest(req)

	switch verb {
	case "Shutdown":
		s.triggerShutdown()
		return okReply()
	case "Help":
		return []byte(helpText)
	case "ArrayStatus":
		return s.arrayStatus(arrayName)
	case "MirrorStatus":
		return s.statusReply(arrayName, (*domain.Array).MirrorStatusString)
	case "MonitorStatus":
		return s.statusReply(arrayName, (*domain.Array).MonitorStatusString)
	case "NewArray":
		return s.newArray(arrayName)
	case "RebuildStarted":
		return s.setRecovery(arrayName, true)
	case "RebuildFinished":
		return s.setRecovery(arrayName, false)
	case "DeviceDisappeared":
		return s.deviceDisappeared(arrayName)
	case "Fail":
		return s.failDevice(deviceName, domain.RaidFaulty)
	case "FailSpare":
		return s.failDevice(deviceName, domain.RaidFaulty)
	case "Remove":
		return s.removeDevice(arrayName, deviceName)
	case "SpareActive":
		return s.spareActive(deviceName)
	default:
		logrus.Warnf("control socket: unrecognized verb %q", verb)
		return errnoReply(unix.EINVAL)
	}
}

func (s *Server) triggerShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

func (s *Server) statusReply(arrayName string, render func(*domain.Array) string) []byte {
	arr := s.arrays.Lookup(arrayName)
	if arr == nil {
		return errnoReply(unix.ENODEV)
	}
	return []byte(render(arr))
}

// arrayStatus renders one line per member: "ARRAY: dev NAME slot S/N status
// RAID IO" per §4.9.
func (s *Server) arrayStatus(arrayName string) []byte {
	arr := s.arrays.Lookup(arrayName)
	if arr == nil {
		return errnoReply(unix.ENODEV)
	}
	var b strings.Builder
	for _, c := range arr.ChildrenSnapshot() {
		raid, io, slot := c.Status()
		fmt.Fprintf(&b, "%s: dev %s slot %d/%d status %s %s\n", arr.Name, c.Name, slot, arr.RaidDisks, raid, io)
	}
	return []byte(b.String())
}

func (s *Server) newArray(arrayName string) []byte {
	if arrayName == "" {
		return errnoReply(unix.EINVAL)
	}
	if err := s.admit.AdmitAndDiscover(arrayName); err != nil {
		return errnoReply(unix.ENODEV)
	}
	return okReply()
}

func (s *Server) setRecovery(arrayName string, v bool) []byte {
	arr := s.arrays.Lookup(arrayName)
	if arr == nil {
		return errnoReply(unix.ENODEV)
	}
	arr.SetRecovery(v)
	return okReply()
}

func (s *Server) deviceDisappeared(arrayName string) []byte {
	if s.arrays.Lookup(arrayName) == nil {
		return errnoReply(unix.ENODEV)
	}
	s.arrays.Remove(arrayName)
	return okReply()
}

func (s *Server) failDevice(deviceName string, status domain.RaidState) []byte {
	dev := s.devices.LookupByName(deviceName)
	if dev == nil {
		return errnoReply(unix.ENODEV)
	}
	s.policy.FailMirror(dev, status)
	return okReply()
}

func (s *Server) removeDevice(arrayName, deviceName string) []byte {
	dev := s.devices.LookupByName(deviceName)
	if dev == nil {
		return errnoReply(unix.ENODEV)
	}
	if arr := s.arrays.Lookup(arrayName); arr != nil {
		arr.RemoveChild(dev)
	}
	dev.SetArrayName("")
	return okReply()
}

// spareActive marks a member that the kernel just promoted from spare to
// active in-sync, then re-runs the reset_mirror side-readiness check so a
// side-wide reset is scheduled as soon as every member on it is ready.
func (s *Server) spareActive(deviceName string) []byte {
	dev := s.devices.LookupByName(deviceName)
	if dev == nil {
		return errnoReply(unix.ENODEV)
	}
	dev.SetRaidState(domain.RaidInSync)
	dev.WakeMonitor(domain.WakeRecheck)
	s.policy.ResetMirror(dev)
	return okReply()
}
