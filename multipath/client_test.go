package multipath

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// servePacket accepts one connection on ln, reads a request packet, and
// replies with the given text using the same framing.
func servePacket(t *testing.T, ln net.Listener, reply string) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	var hdr [8]byte
	_, err = io.ReadFull(conn, hdr[:])
	require.NoError(t, err)
	n := binary.NativeEndian.Uint64(hdr[:])
	req := make([]byte, n)
	_, err = io.ReadFull(conn, req)
	require.NoError(t, err)

	require.NoError(t, sendPacket(conn, reply))
}

func newTestClient(t *testing.T, dial func() (net.Conn, error)) *Client {
	t.Helper()
	return &Client{dial: dial, timeout: time.Second}
}

func listenUnix(t *testing.T) (net.Listener, func() (net.Conn, error)) {
	t.Helper()
	ln, err := net.Listen("unix", "@md-monitor-test-"+t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	addr := ln.Addr().String()
	return ln, func() (net.Conn, error) { return net.Dial("unix", addr) }
}

func TestSendRecvPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sendPacket(&buf, "hello"))
	got, err := recvPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestShowMapsParsesHeaderAndRows(t *testing.T) {
	ln, dial := listenUnix(t)
	go servePacket(t, ln, "name paths queueing\n2 mpatha off\n0 mpathb -5\n")

	c := newTestClient(t, dial)
	maps, err := c.ShowMaps()
	require.NoError(t, err)
	require.Len(t, maps, 2)
	assert.Equal(t, 2, maps[0].ActivePaths)
	assert.Equal(t, "mpatha", maps[0].Name)
	assert.Equal(t, "off", maps[0].Queueing)
	assert.Equal(t, 0, maps[1].ActivePaths)
	assert.Equal(t, "mpathb", maps[1].Name)
	assert.Equal(t, "-5", maps[1].Queueing)
}

func TestModifyQueueingOkAndTimeout(t *testing.T) {
	ln, dial := listenUnix(t)
	go servePacket(t, ln, "ok")
	c := newTestClient(t, dial)
	require.NoError(t, c.RestoreQueueing("mpatha"))

	ln2, dial2 := listenUnix(t)
	go servePacket(t, ln2, "timeout")
	c2 := newTestClient(t, dial2)
	err := c2.DisableQueueing("mpatha")
	require.Error(t, err)
}
