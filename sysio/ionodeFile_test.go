package sysio_test

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/hreinecke/md-monitor/domain"
	"github.com/hreinecke/md-monitor/sysio"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ios domain.IOServiceIface

func TestMain(m *testing.M) {
	logrus.SetOutput(ioutil.Discard)
	ios = sysio.NewIOService(domain.IOMemFileService)
	os.Exit(m.Run())
}

func TestIOnodeFileOpen(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(i domain.IOnodeIface)
		wantErr bool
	}{
		{
			name: "existing attribute file opens cleanly",
			prepare: func(i domain.IOnodeIface) {
				require.NoError(t, i.WriteFile([]byte("online\n")))
			},
			wantErr: false,
		},
		{
			name:    "missing attribute file fails",
			prepare: func(i domain.IOnodeIface) {},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ios.RemoveAllIOnodes()
			i := ios.NewIOnode("status", "/sys/bus/ccw/devices/0.0.0100/status", 0644)
			tt.prepare(i)

			err := i.Open()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIOnodeFileReadLine(t *testing.T) {
	ios.RemoveAllIOnodes()
	i := ios.NewIOnode("alias", "/sys/bus/ccw/devices/0.0.0100/alias", 0644)
	require.NoError(t, i.WriteFile([]byte("0\nignored-second-line\n")))

	line, err := i.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "0", line)
}

func TestIOnodeFileWriteThenReadFile(t *testing.T) {
	ios.RemoveAllIOnodes()
	i := ios.NewIOnode("failfast", "/sys/block/md0/md/dev-dasdb/state", 0644)

	require.NoError(t, i.WriteFile([]byte("failfast\n")))

	content, err := i.ReadFile()
	require.NoError(t, err)
	assert.Equal(t, "failfast\n", string(content))
}

func TestIOnodeFileReadRequiresOpen(t *testing.T) {
	ios.RemoveAllIOnodes()
	i := ios.NewIOnode("state", "/sys/block/md0/md/dev-dasdb/state", 0644)

	buf := make([]byte, 8)
	_, err := i.Read(buf)
	assert.Error(t, err)
}

func TestIOnodeFileRemove(t *testing.T) {
	ios.RemoveAllIOnodes()
	i := ios.NewIOnode("state", "/sys/block/md0/md/dev-dasdb/state", 0644)
	require.NoError(t, i.WriteFile([]byte("in_sync\n")))

	require.NoError(t, i.Remove())

	_, err := i.ReadFile()
	assert.Error(t, err)
}
