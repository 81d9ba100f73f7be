// Package capture writes a bounded number of transmitted frames to Storage for
// offline inspection. It is armed from the HTTP API and fed by the scheduler.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"vrlink/internal/metrics"
	"vrlink/internal/storage"
	"vrlink/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sidecar is the JSON metadata written next to every captured payload.
type Sidecar struct {
	SessionID         string      `json:"sessionId"`
	Sequence          uint64      `json:"sequence"`
	Size              int         `json:"size"`
	IsKeyFrame        bool        `json:"isKeyFrame"`
	TargetBitrate     uint64      `json:"targetBitrate"`
	EncodeTimestampNs int64       `json:"encodeTimestampNs"`
	Pose              models.Pose `json:"pose"`
	CapturedAt        time.Time   `json:"capturedAt"`
}

// Stats counts recorder activity
type Stats struct {
	Remaining int64  `json:"remaining"`
	Written   uint64 `json:"written"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Recorder implements scheduler.Tap. OnFrame never blocks the transmit
// stage: frames are handed to a writer goroutine through a bounded queue.
type Recorder struct {
	store   storage.Storage
	metrics *metrics.Metrics
	logger  *slog.Logger
	queue   chan *models.EncodedFrame

	remaining atomic.Int64
	written   atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewRecorder creates a disarmed recorder.
func NewRecorder(store storage.Storage, m *metrics.Metrics, logger *slog.Logger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Recorder{
		store:   store,
		metrics: m,
		logger:  logger,
		queue:   make(chan *models.EncodedFrame, queueSize),
	}
}

// Arm captures the next n frames, replacing any pending count.
func (r *Recorder) Arm(n int) {
	if n < 0 {
		n = 0
	}
	r.remaining.Store(int64(n))
	r.logger.Info("capture armed", "frames", n)
}

// Disarm cancels a pending capture.
func (r *Recorder) Disarm() {
	r.remaining.Store(0)
}

// Remaining returns how many frames are still to be captured.
func (r *Recorder) Remaining() int {
	return int(r.remaining.Load())
}

// OnFrame claims one capture slot for f, if any are left.
func (r *Recorder) OnFrame(f *models.EncodedFrame) {
	for {
		n := r.remaining.Load()
		if n <= 0 {
			return
		}
		if r.remaining.CompareAndSwap(n, n-1) {
			break
		}
	}

	select {
	case r.queue <- f:
	default:
		r.dropped.Add(1)
	}
}

// Run writes queued frames until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-r.queue:
			if err := r.write(ctx, f); err != nil {
				r.failed.Add(1)
				r.logger.Warn("capture write failed", "session_id", f.SessionID, "sequence", f.Sequence, "error", err)
				continue
			}
			r.written.Add(1)
			r.metrics.RecordCaptured()
		}
	}
}

func (r *Recorder) write(ctx context.Context, f *models.EncodedFrame) error {
	base := path.Join(f.SessionID, fmt.Sprintf("%d", f.Sequence))

	if err := r.store.Write(ctx, base+".bin", f.Payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	meta, err := json.Marshal(Sidecar{
		SessionID:         f.SessionID,
		Sequence:          f.Sequence,
		Size:              f.PayloadSize(),
		IsKeyFrame:        f.IsKeyFrame,
		TargetBitrate:     f.TargetBitrate,
		EncodeTimestampNs: f.EncodeTimestampNs,
		Pose:              f.Pose,
		CapturedAt:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode sidecar: %w", err)
	}
	if err := r.store.Write(ctx, base+".json", meta); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}

// List returns the captured file names for a session.
func (r *Recorder) List(ctx context.Context, sessionID string) ([]string, error) {
	return r.store.List(ctx, sessionID)
}

// Read returns one captured file.
func (r *Recorder) Read(ctx context.Context, sessionID, name string) ([]byte, error) {
	if strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid capture name %q", name)
	}
	return r.store.Read(ctx, path.Join(sessionID, name))
}

// Sidecar loads and decodes the metadata for one captured frame.
func (r *Recorder) Sidecar(ctx context.Context, sessionID string, seq uint64) (Sidecar, error) {
	var meta Sidecar
	data, err := r.Read(ctx, sessionID, fmt.Sprintf("%d.json", seq))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to decode sidecar: %w", err)
	}
	return meta, nil
}

// Purge deletes every captured file of a session.
func (r *Recorder) Purge(ctx context.Context, sessionID string) (int, error) {
	files, err := r.store.List(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	for i, name := range files {
		if err := r.store.Delete(ctx, path.Join(sessionID, name)); err != nil {
			return i, err
		}
	}
	return len(files), nil
}

// Stats returns a snapshot of recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Remaining: r.remaining.Load(),
		Written:   r.written.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}
