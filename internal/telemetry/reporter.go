// Package telemetry periodically publishes pipeline statistics to an MQTT
// broker so dashboards can follow a streaming session live.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"

	"vrlink/internal/scheduler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatsSource is implemented by *scheduler.Scheduler
type StatsSource interface {
	Stats() scheduler.Stats
}

// Snapshot is the JSON document published per interval
type Snapshot struct {
	SessionID     string            `json:"sessionId"`
	Timestamp     time.Time         `json:"timestamp"`
	TargetBitrate uint64            `json:"targetBitrate"`
	FPS           float64           `json:"fps"`
	Sampled       uint64            `json:"sampled"`
	Transmitted   uint64            `json:"transmitted"`
	Acknowledged  uint64            `json:"acknowledged"`
	Dropped       uint64            `json:"dropped"`
	InFlight      int               `json:"inFlight"`
	Drops         map[string]uint64 `json:"drops"`
	EncodeTimeMs  float64           `json:"encodeTimeMs"`
	NetworkRTTMs  float64           `json:"networkRttMs"`
	DecodeTimeMs  float64           `json:"decodeTimeMs"`
}

// Reporter publishes a Snapshot every interval while a session is active.
type Reporter struct {
	pub         Publisher
	source      StatsSource
	topicPrefix string
	interval    time.Duration
	logger      *slog.Logger

	lastTransmitted uint64
	lastAt          time.Time
}

// NewReporter returns nil when pub is nil; a nil Reporter's Run just waits
// for ctx, which keeps telemetry optional.
func NewReporter(pub Publisher, source StatsSource, topicPrefix string, interval time.Duration, logger *slog.Logger) *Reporter {
	if pub == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}
	if topicPrefix == "" {
		topicPrefix = "vrlink/stats"
	}
	return &Reporter{
		pub:         pub,
		source:      source,
		topicPrefix: topicPrefix,
		interval:    interval,
		logger:      logger,
	}
}

// Run publishes until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	if r == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	defer r.pub.Close()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.publish(now)
		}
	}
}

func (r *Reporter) publish(now time.Time) {
	snap, ok := r.snapshot(now)
	if !ok {
		return
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		r.logger.Error("failed to encode telemetry", "error", err)
		return
	}

	topic := r.topicPrefix + "/" + snap.SessionID
	if err := r.pub.Publish(topic, payload); err != nil {
		r.logger.Debug("telemetry publish failed", "topic", topic, "error", err)
	}
}

// snapshot reports false when no session is active.
func (r *Reporter) snapshot(now time.Time) (Snapshot, bool) {
	st := r.source.Stats()
	if st.SessionID == "" {
		r.lastAt = time.Time{}
		return Snapshot{}, false
	}

	var fps float64
	if !r.lastAt.IsZero() && st.Transmitted >= r.lastTransmitted {
		if secs := now.Sub(r.lastAt).Seconds(); secs > 0 {
			fps = float64(st.Transmitted-r.lastTransmitted) / secs
		}
	}
	r.lastTransmitted = st.Transmitted
	r.lastAt = now

	drops := make(map[string]uint64, len(st.Drops))
	for reason, n := range st.Drops {
		drops[string(reason)] = n
	}

	return Snapshot{
		SessionID:     st.SessionID,
		Timestamp:     now.UTC(),
		TargetBitrate: st.Budget.TargetBitrate,
		FPS:           fps,
		Sampled:       st.Sampled,
		Transmitted:   st.Transmitted,
		Acknowledged:  st.Acknowledged,
		Dropped:       st.Dropped,
		InFlight:      st.InFlight,
		Drops:         drops,
		EncodeTimeMs:  st.Budget.EncodeTimeMs,
		NetworkRTTMs:  st.Budget.NetworkRTTMs,
		DecodeTimeMs:  st.Budget.DecodeTimeMs,
	}, true
}
