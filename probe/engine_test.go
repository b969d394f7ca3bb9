package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hreinecke/md-monitor/domain"
)

func TestAlignOffsetPageAlignsBuffer(t *testing.T) {
	buf := make([]byte, 8192)
	off := alignOffset(buf, 4096)
	assert.Equal(t, 0, (int(uintptrOf(buf))+off)%4096)
}

func TestProbeWithoutSetupReturnsUnknown(t *testing.T) {
	e := NewEngine(nil)
	outcome, elapsed, err := e.Probe(0)
	assert.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnknown, outcome)
	assert.Equal(t, time.Duration(0), elapsed)
}

func TestInterruptIsNonBlockingWhenUnread(t *testing.T) {
	e := NewEngine(nil)
	assert.NotPanics(t, func() {
		e.Interrupt()
		e.Interrupt()
	})
}

func TestTeardownWithoutSetupIsNoop(t *testing.T) {
	e := NewEngine(nil)
	assert.NotPanics(t, func() {
		e.Teardown()
	})
}
