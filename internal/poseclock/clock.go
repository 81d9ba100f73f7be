// Package poseclock holds the shared timestamp authority and the tracking
// pose buffer. The host clock is authoritative; the headset keeps an offset
// estimate refreshed by periodic sync exchanges.
package poseclock

import (
	"sync"
	"time"

	"vrlink/pkg/models"
)

// Clock is a monotonic nanosecond clock starting at zero.
type Clock struct {
	start time.Time
	now   func() time.Time
}

// NewClock starts a clock at the current instant.
func NewClock() *Clock {
	return newClockFunc(time.Now)
}

func newClockFunc(now func() time.Time) *Clock {
	return &Clock{start: now(), now: now}
}

// Now returns nanoseconds since the clock started. time.Since uses the
// monotonic reading, so wall clock jumps do not affect it.
func (c *Clock) Now() int64 {
	return int64(c.now().Sub(c.start))
}

// Since returns the elapsed duration since ts.
func (c *Clock) Since(ts int64) time.Duration {
	return time.Duration(c.Now() - ts)
}

// HandleSync answers a headset sync request. recvNs is when the request
// arrived on this clock.
func (c *Clock) HandleSync(req models.ClockSyncRequest, recvNs int64) models.ClockSyncResponse {
	return models.ClockSyncResponse{
		ClientSendNs: req.ClientSendNs,
		HostRecvNs:   recvNs,
		HostSendNs:   c.Now(),
	}
}

// SyncConfig tunes the headset-side offset estimator.
type SyncConfig struct {
	// Smoothing is the EWMA weight given to each new offset sample.
	Smoothing float64
	// MaxRTT discards exchanges slower than this; they carry too much error.
	MaxRTT time.Duration
}

// DefaultSyncConfig returns the values used by the headset.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{Smoothing: 0.2, MaxRTT: 100 * time.Millisecond}
}

// RemoteClock is the headset's estimate of the host clock.
type RemoteClock struct {
	local *Clock
	cfg   SyncConfig

	mu      sync.RWMutex
	offset  float64 // host - local, nanoseconds
	rtt     time.Duration
	samples int
}

// NewRemoteClock wraps the local clock with a host offset estimator.
func NewRemoteClock(local *Clock, cfg SyncConfig) *RemoteClock {
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = DefaultSyncConfig().Smoothing
	}
	if cfg.MaxRTT <= 0 {
		cfg.MaxRTT = DefaultSyncConfig().MaxRTT
	}
	return &RemoteClock{local: local, cfg: cfg}
}

// Request builds a sync request stamped with the local clock.
func (r *RemoteClock) Request() models.ClockSyncRequest {
	return models.ClockSyncRequest{ClientSendNs: r.local.Now()}
}

// HandleResponse folds one exchange into the offset estimate. It returns
// false if the sample was rejected.
func (r *RemoteClock) HandleResponse(resp models.ClockSyncResponse, recvNs int64) bool {
	hostProcessing := resp.HostSendNs - resp.HostRecvNs
	rtt := time.Duration(recvNs - resp.ClientSendNs - hostProcessing)
	if rtt < 0 || rtt > r.cfg.MaxRTT || hostProcessing < 0 {
		return false
	}

	offset := float64((resp.HostRecvNs-resp.ClientSendNs)+(resp.HostSendNs-recvNs)) / 2

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.samples == 0 {
		r.offset = offset
	} else {
		r.offset = r.cfg.Smoothing*offset + (1-r.cfg.Smoothing)*r.offset
	}
	r.rtt = rtt
	r.samples++
	return true
}

// Synced reports whether at least one exchange was accepted.
func (r *RemoteClock) Synced() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.samples > 0
}

// Offset returns the current host-minus-local estimate.
func (r *RemoteClock) Offset() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Duration(r.offset)
}

// RTT returns the round trip of the last accepted exchange.
func (r *RemoteClock) RTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rtt
}

// ToHost converts a local timestamp into the host domain.
func (r *RemoteClock) ToHost(localNs int64) int64 {
	return localNs + int64(r.Offset())
}

// ToLocal converts a host timestamp into the local domain.
func (r *RemoteClock) ToLocal(hostNs int64) int64 {
	return hostNs - int64(r.Offset())
}

// Local returns the underlying local clock.
func (r *RemoteClock) Local() *Clock {
	return r.local
}
