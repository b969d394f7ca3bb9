// Package multipath implements the Multipath Status Poller (C8): a client
// for multipathd's length-prefixed text protocol, and a poll loop that
// feeds the resulting per-map I/O classification into the Member Monitor
// Task's dispatch rules via monitor.ExternalUpdater.
package multipath

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hreinecke/md-monitor/domain"
)

// socketPath is multipathd's well-known abstract-namespace socket. A
// leading '@' tells Go's net package to translate the address into the
// abstract namespace (a leading NUL byte on the wire) instead of a
// filesystem path.
const socketPath = "@/org/kernel/linux/storage/multipathd"

// Client speaks multipathd's protocol: an 8-byte host-order length prefix
// followed by a NUL-terminated command or reply, one request/response pair
// per connection (multipathd itself closes after replying, so there is no
// persistent connection to hold open between calls).
type Client struct {
	dial    func() (net.Conn, error)
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		dial: func() (net.Conn, error) {
			return net.DialTimeout("unix", socketPath, timeout)
		},
		timeout: timeout,
	}
}

var _ domain.MultipathClientIface = (*Client)(nil)

func (c *Client) roundTrip(cmd string) (string, error) {
	conn, err := c.dial()
	if err != nil {
		return "", fmt.Errorf("multipath: connect: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := sendPacket(conn, cmd); err != nil {
		return "", fmt.Errorf("multipath: send: %w", err)
	}
	reply, err := recvPacket(conn)
	if err != nil {
		return "", fmt.Errorf("multipath: recv: %w", err)
	}
	return reply, nil
}

// sendPacket writes the NUL-terminated command preceded by its length, per
// mpath_util.c's send_packet (the source's sprintf'd command buffers are
// always NUL-terminated and the length includes that byte).
func sendPacket(w io.Writer, cmd string) error {
	payload := append([]byte(cmd), 0)
	var hdr [8]byte
	binary.NativeEndian.PutUint64(hdr[:], uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func recvPacket(r io.Reader) (string, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.NativeEndian.Uint64(hdr[:])
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

// IsTimeout reports whether err (as returned by ShowMaps/RestoreQueueing/
// DisableQueueing) was caused by the socket deadline expiring, the
// "ETIMEDOUT" case §4.8 calls out separately from generic errors.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ShowMaps runs `show maps format "%d %N %Q"` and parses the per-map
// reply: active-path count, map name, queueing state.
func (c *Client) ShowMaps() ([]domain.MultipathMapStatus, error) {
	reply, err := c.roundTrip(`show maps format "%d %N %Q"`)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(reply, "\n")
	if len(lines) <= 1 {
		return nil, nil
	}

	var out []domain.MultipathMapStatus
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 3 {
			continue
		}
		paths, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		out = append(out, domain.MultipathMapStatus{
			ActivePaths: paths,
			Name:        fields[1],
			Queueing:    fields[2],
		})
	}
	return out, nil
}

func (c *Client) RestoreQueueing(mapName string) error {
	return c.modifyQueueing(mapName, true)
}

func (c *Client) DisableQueueing(mapName string) error {
	return c.modifyQueueing(mapName, false)
}

func (c *Client) modifyQueueing(mapName string, enable bool) error {
	verb := "disablequeueing"
	if enable {
		verb = "restorequeueing"
	}
	reply, err := c.roundTrip(fmt.Sprintf("%s map %s", verb, mapName))
	if err != nil {
		return err
	}
	reply = strings.TrimSpace(reply)
	switch {
	case strings.HasPrefix(reply, "ok"):
		return nil
	case strings.HasPrefix(reply, "timeout"):
		return fmt.Errorf("multipath: %s %s: %w", verb, mapName, errTimedOut)
	default:
		return fmt.Errorf("multipath: %s %s: unexpected reply %q", verb, mapName, reply)
	}
}

var errTimedOut = errors.New("timed out")

// Close is a no-op: each call above opens and closes its own connection,
// matching multipathd's one-request-per-connection protocol.
func (c *Client) Close() error { return nil }
