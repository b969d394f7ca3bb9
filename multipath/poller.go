package multipath

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/hreinecke/md-monitor/domain"
	"github.com/hreinecke/md-monitor/monitor"
)

// Updater is the subset of monitor.ExternalUpdater the poller needs.
type Updater interface {
	Update(dev *domain.Device, io domain.IOState, raid domain.RaidState)
}

var _ Updater = (*monitor.ExternalUpdater)(nil)

// queueingCacheSize bounds the last-seen-queueing-string cache; one entry
// per multipath map, so a few hundred entries covers any realistic array.
const queueingCacheSize = 256

// Poller implements the multipath status poll loop (§4.8): periodically
// calls ShowMaps, classifies each map's I/O status, and feeds the result
// into the monitor's dispatch rules for the matching device.
type Poller struct {
	client   domain.MultipathClientIface
	devices  domain.DeviceRegistryIface
	updater  Updater
	interval time.Duration
	wake     chan struct{}

	lastQueueing *lru.Cache
}

func NewPoller(client domain.MultipathClientIface, devices domain.DeviceRegistryIface, updater Updater, interval time.Duration) *Poller {
	cache, err := lru.New(queueingCacheSize)
	if err != nil {
		// Only fails on a non-positive size, which queueingCacheSize never is.
		panic(err)
	}
	return &Poller{
		client:       client,
		devices:      devices,
		updater:      updater,
		interval:     interval,
		wake:         make(chan struct{}, 1),
		lastQueueing: cache,
	}
}

// Wake requests an immediate poll, collapsing with any already-pending
// wake the same way Device.WakeMonitor does for the per-member task.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) Run(stop <-chan struct{}) {
	for {
		p.scanOnce()
		select {
		case <-stop:
			return
		case <-p.wake:
		case <-time.After(p.interval):
		}
	}
}

func (p *Poller) scanOnce() {
	maps, err := p.client.ShowMaps()
	if err != nil {
		if IsTimeout(err) {
			logrus.Warnf("multipath: show maps timed out: %v", err)
		} else {
			logrus.Warnf("multipath: show maps failed: %v", err)
		}
		return
	}

	for _, m := range maps {
		dev := p.devices.LookupByName(m.Name)
		if dev == nil {
			continue
		}
		io := p.classify(m)
		p.updater.Update(dev, io, dev.RaidState())
	}
}

// classify implements mpath_check_status's decision table. The original C
// reads "!*ptr == '-'", which due to operator precedence compares the
// negated, dereferenced pointer against the character '-' and can never
// hold for a real queueing string — the intended check, and the one
// actually applied here, is a direct prefix comparison.
func (p *Poller) classify(m domain.MultipathMapStatus) domain.IOState {
	if m.ActivePaths > 0 {
		p.lastQueueing.Add(m.Name, m.Queueing)
		return domain.IOOk
	}

	queueing := m.Queueing
	if queueing == "" {
		if cached, ok := p.lastQueueing.Get(m.Name); ok {
			queueing = cached.(string)
		}
	} else {
		p.lastQueueing.Add(m.Name, queueing)
	}

	switch {
	case queueing == "off":
		return domain.IOFailed
	case strings.HasPrefix(queueing, "-"):
		return domain.IOPending
	case queueing == "":
		return domain.IOUnknown
	default:
		return domain.IORetry
	}
}
