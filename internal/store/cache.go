package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/singleflight"
	"nuha.dev/gpsgate/internal/model"
)

const (
	DefaultRefreshDelay = 300 * time.Second
	failureBackoff      = 5 * time.Second
)

// DeviceLoader is implemented by DataManager.
type DeviceLoader interface {
	Devices(ctx context.Context) ([]model.Device, error)
}

type deviceSnapshot struct {
	byUniqueID map[string]model.Device
	byID       map[int64]model.Device
	built      time.Time
}

// DeviceCache serves device lookups from an immutable snapshot that is
// swapped atomically. A lookup finding the snapshot missing or older than
// the refresh delay rebuilds it first; concurrent rebuilds collapse into one.
type DeviceCache struct {
	log    log.Logger
	loader DeviceLoader
	delay  time.Duration
	snap   atomic.Pointer[deviceSnapshot]
	group  singleflight.Group
	now    func() time.Time

	mu          sync.Mutex
	lastFailure time.Time

	// OnRefresh, when set, observes every rebuild attempt.
	OnRefresh func(devices int, err error)
}

func NewDeviceCache(loader DeviceLoader, delay time.Duration) *DeviceCache {
	c := &DeviceCache{loader: loader, delay: delay, now: time.Now}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "device-cache").Value()
	if c.delay <= 0 {
		c.delay = DefaultRefreshDelay
	}
	return c
}

// DeviceByUniqueID returns nil, nil for an identifier that is not
// provisioned as of the current snapshot.
func (c *DeviceCache) DeviceByUniqueID(ctx context.Context, uniqueID string) (*model.Device, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	d, ok := snap.byUniqueID[uniqueID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (c *DeviceCache) DeviceByID(ctx context.Context, id int64) (*model.Device, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	d, ok := snap.byID[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// Len is the size of the current snapshot.
func (c *DeviceCache) Len() int {
	snap := c.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.byUniqueID)
}

// Refresh rebuilds the snapshot now.
func (c *DeviceCache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

func (c *DeviceCache) current(ctx context.Context) (*deviceSnapshot, error) {
	snap := c.snap.Load()
	now := c.now()
	if snap != nil && now.Sub(snap.built) < c.delay {
		return snap, nil
	}
	if snap != nil && c.recentlyFailed(now) {
		return snap, nil
	}
	fresh, err := c.refresh(ctx)
	if err != nil {
		if snap != nil {
			c.log.Warn().Err(err).Int("devices", len(snap.byUniqueID)).Msg("device refresh failed, serving previous snapshot")
			return snap, nil
		}
		return nil, err
	}
	return fresh, nil
}

// refresh rebuilds once for all concurrent callers. The rebuild is detached
// from the caller that started it; each caller waits only as long as its own
// context allows. The loader bounds the query with its own timeout.
func (c *DeviceCache) refresh(ctx context.Context) (*deviceSnapshot, error) {
	rebuild := context.WithoutCancel(ctx)
	ch := c.group.DoChan("devices", func() (interface{}, error) {
		devices, err := c.loader.Devices(rebuild)
		if c.OnRefresh != nil {
			c.OnRefresh(len(devices), err)
		}
		if err != nil {
			c.mu.Lock()
			c.lastFailure = c.now()
			c.mu.Unlock()
			return nil, err
		}
		snap := &deviceSnapshot{
			byUniqueID: make(map[string]model.Device, len(devices)),
			byID:       make(map[int64]model.Device, len(devices)),
			built:      c.now(),
		}
		for _, d := range devices {
			snap.byUniqueID[d.UniqueID] = d
			snap.byID[d.ID] = d
		}
		c.snap.Store(snap)
		c.log.Debug().Int("devices", len(devices)).Msg("device snapshot rebuilt")
		return snap, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*deviceSnapshot), nil
	}
}

func (c *DeviceCache) recentlyFailed(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.lastFailure.IsZero() && now.Sub(c.lastFailure) < failureBackoff
}
