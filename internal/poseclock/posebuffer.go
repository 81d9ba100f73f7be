package poseclock

import (
	"sort"
	"sync"
	"sync/atomic"

	"vrlink/pkg/models"
)

// DefaultHistory is how many poses PoseBuffer keeps for timestamp lookups.
const DefaultHistory = 360

// PoseBuffer holds the latest tracking pose for lock-free reads plus a short
// history. It expects a single writer (the tracking source).
type PoseBuffer struct {
	latest atomic.Pointer[models.Pose]

	mu      sync.RWMutex
	history []models.Pose // ring buffer ordered by insertion
	next    int
	full    bool
}

// NewPoseBuffer creates a buffer that remembers size poses.
func NewPoseBuffer(size int) *PoseBuffer {
	if size <= 0 {
		size = DefaultHistory
	}
	return &PoseBuffer{history: make([]models.Pose, size)}
}

// Publish stores a new pose. Poses with a timestamp not newer than the
// latest one are ignored.
func (b *PoseBuffer) Publish(p models.Pose) bool {
	if cur := b.latest.Load(); cur != nil && p.TimestampNs <= cur.TimestampNs {
		return false
	}

	snapshot := p
	b.latest.Store(&snapshot)

	b.mu.Lock()
	b.history[b.next] = p
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
	return true
}

// Latest returns a copy of the newest pose.
func (b *PoseBuffer) Latest() (models.Pose, bool) {
	p := b.latest.Load()
	if p == nil {
		return models.Pose{}, false
	}
	return *p, true
}

// Nearest returns the stored pose whose timestamp is closest to ts.
func (b *PoseBuffer) Nearest(ts int64) (models.Pose, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	poses := b.orderedLocked()
	if len(poses) == 0 {
		return models.Pose{}, false
	}

	i := sort.Search(len(poses), func(i int) bool { return poses[i].TimestampNs >= ts })
	switch {
	case i == 0:
		return poses[0], true
	case i == len(poses):
		return poses[len(poses)-1], true
	}
	before, after := poses[i-1], poses[i]
	if ts-before.TimestampNs <= after.TimestampNs-ts {
		return before, true
	}
	return after, true
}

// Len returns the number of stored poses.
func (b *PoseBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.history)
	}
	return b.next
}

// orderedLocked returns the history oldest first. Caller must hold b.mu.
func (b *PoseBuffer) orderedLocked() []models.Pose {
	if !b.full {
		return b.history[:b.next]
	}
	out := make([]models.Pose, 0, len(b.history))
	out = append(out, b.history[b.next:]...)
	out = append(out, b.history[:b.next]...)
	return out
}
