package scheduler

import (
	"fmt"
	"log/slog"
	"math"

	"vrlink/internal/bitrate"
	"vrlink/pkg/models"
)

// OnAck applies headset feedback for a transmitted frame. Acks for another
// session, unknown or repeated sequence numbers, out-of-order sequence
// numbers and impossible timings are rejected without touching the bitrate
// controller.
func (s *Scheduler) OnAck(ack models.FrameAck) error {
	cur := s.current.Load()
	if cur == nil || ack.SessionID != cur.session.ID {
		return fmt.Errorf("%w: ack for session %q", models.ErrSessionInvalidated, ack.SessionID)
	}
	if ack.DecodeTimeMs < 0 || math.IsNaN(ack.DecodeTimeMs) || math.IsInf(ack.DecodeTimeMs, 0) {
		return fmt.Errorf("%w: decode time %v", models.ErrMalformedFeedback, ack.DecodeTimeMs)
	}

	s.inflightMu.Lock()
	e, ok := s.inflight[ack.Sequence]
	if !ok || e.session != cur.session {
		s.inflightMu.Unlock()
		return fmt.Errorf("%w: unknown or repeated sequence %d", models.ErrMalformedFeedback, ack.Sequence)
	}
	delete(s.inflight, ack.Sequence)
	if s.ackedAny && ack.Sequence <= s.lastAcked {
		last := s.lastAcked
		s.inflightMu.Unlock()
		return fmt.Errorf("%w: sequence %d acknowledged after %d", models.ErrMalformedFeedback, ack.Sequence, last)
	}
	if ack.ReceivedTimestampNs < e.sentAt {
		s.inflightMu.Unlock()
		return fmt.Errorf("%w: frame %d received before it was sent", models.ErrMalformedFeedback, ack.Sequence)
	}
	s.lastAcked, s.ackedAny = ack.Sequence, true
	s.inflightMu.Unlock()

	transmitMs := nsToMs(ack.ReceivedTimestampNs - e.sentAt)
	decision := s.controller.Observe(bitrate.Sample{
		EncodeTimeMs:    e.encodeMs,
		TransmitTimeMs:  transmitMs,
		FrameIntervalMs: e.intervalMs,
		DecodeTimeMs:    ack.DecodeTimeMs,
	})

	e.session.RecordAcked()
	s.acked.Add(1)
	s.metrics.RecordAcked(transmitMs, ack.DecodeTimeMs)
	s.metrics.SetTargetBitrate(s.controller.CurrentTarget())

	s.logger.Debug("frame acknowledged",
		slog.String("session", ack.SessionID),
		slog.Uint64("seq", ack.Sequence),
		slog.Float64("transmit_ms", transmitMs),
		slog.Float64("decode_ms", ack.DecodeTimeMs),
		slog.String("decision", string(decision)),
	)
	return nil
}

// sweepAcks drops transmitted frames whose ack never arrived and reports
// them to the controller as lost.
func (s *Scheduler) sweepAcks() {
	now := s.clock.Now()
	limit := s.cfg.AckTimeout.Nanoseconds()

	var expired []inflightEntry
	var seqs []uint64
	s.inflightMu.Lock()
	for seq, e := range s.inflight {
		if now-e.sentAt > limit {
			delete(s.inflight, seq)
			expired = append(expired, e)
			seqs = append(seqs, seq)
		}
	}
	s.inflightMu.Unlock()

	if len(expired) == 0 {
		return
	}
	s.needKey.Store(true)
	cur := s.current.Load()
	for i, e := range expired {
		e.session.RecordDropped()
		s.countDrop(models.DropAckTimeout)
		if cur == nil || e.session != cur.session {
			continue
		}
		s.controller.Observe(bitrate.Sample{
			EncodeTimeMs:    e.encodeMs,
			TransmitTimeMs:  nsToMs(now - e.sentAt),
			FrameIntervalMs: e.intervalMs,
			PacketLoss:      1,
		})
		s.logger.Debug("frame ack timed out",
			slog.String("session", e.session.ID),
			slog.Uint64("seq", seqs[i]),
		)
	}
	s.metrics.SetTargetBitrate(s.controller.CurrentTarget())
}
