package httpServer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"vrlink/internal/auth"
	"vrlink/internal/negotiator"
	"vrlink/internal/transport"
	"vrlink/pkg/models"
)

// handleStream upgrades a paired headset to the streaming link.
func (s *Server) handleStream(c *gin.Context) {
	token, err := s.Auth.ConsumeToken(c.Query("token"))
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrTokenExpired) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := transport.Upgrade(c.Writer, c.Request, s.cfg.TransportConfig(), s.Logger)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	s.serveHeadset(conn, token.DeviceName)
}

// serveHeadset owns one headset connection: it negotiates a session, attaches
// it to the scheduler, renegotiates on capability changes and tears
// everything down when the link ends.
func (s *Server) serveHeadset(conn *transport.Conn, device string) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	connID := uuid.NewString()
	log := s.Logger.With(
		slog.String("conn", connID),
		slog.String("device", device),
		slog.String("remote", conn.RemoteAddr()),
	)

	capabilities := make(chan models.ClientCapability, 1)
	s.registerHandlers(conn, capabilities, cancel, log)
	peer := transport.NewProposalPeer(conn)

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()
	defer func() {
		conn.Close()
		<-runDone
	}()

	if _, err := s.Sessions.Register(connID, device, conn.RemoteAddr(), cancel); err != nil {
		log.Warn("headset rejected", slog.Any("error", err))
		sendDisconnect(conn, err.Error())
		return
	}
	defer s.Sessions.Remove(connID)
	log.Info("headset connected")

	host := negotiator.NewHost(s.cfg.NegotiatorConfig(), s.Controller, s.Metrics, log)
	var current *models.NegotiatedSession
	defer func() {
		if current != nil {
			s.Scheduler.Invalidate(current.ID)
		}
		host.Invalidate()
		log.Info("headset disconnected")
	}()

	timeout := s.cfg.NegotiationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	firstCapability := time.NewTimer(timeout)
	defer firstCapability.Stop()

	for {
		var capability models.ClientCapability
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-firstCapability.C:
			if current == nil {
				log.Warn("no capability received")
				sendDisconnect(conn, "capability timeout")
				return
			}
			continue
		case capability = <-capabilities:
		}

		nctx, ncancel := context.WithTimeout(ctx, timeout)
		var (
			sess    *models.NegotiatedSession
			changed = true
			err     error
		)
		if current == nil {
			sess, err = host.Negotiate(nctx, capability, peer)
		} else {
			sess, changed, err = host.Renegotiate(nctx, capability, peer)
		}
		ncancel()

		if err != nil {
			log.Warn("session establishment failed", slog.Any("error", err))
			sendDisconnect(conn, err.Error())
			return
		}
		if !changed {
			continue
		}

		if err := s.Sessions.Activate(connID, sess); err != nil {
			log.Error("failed to activate session", slog.Any("error", err))
			return
		}
		if err := s.Scheduler.SetSession(sess, conn); err != nil {
			log.Error("failed to attach session", slog.Any("error", err))
			sendDisconnect(conn, err.Error())
			return
		}
		current = sess
	}
}

func (s *Server) registerHandlers(conn *transport.Conn, capabilities chan models.ClientCapability, cancel context.CancelFunc, log *slog.Logger) {
	conn.Handle(models.MsgCapability, func(env models.Envelope) {
		var capability models.ClientCapability
		if err := env.DecodePayload(&capability); err != nil {
			log.Warn("bad capability", slog.Any("error", err))
			return
		}
		// Keep only the newest capability.
		select {
		case <-capabilities:
		default:
		}
		capabilities <- capability
	})

	conn.Handle(models.MsgFrameAck, func(env models.Envelope) {
		var ack models.FrameAck
		if err := env.DecodePayload(&ack); err != nil {
			log.Debug("bad frame ack", slog.Any("error", err))
			return
		}
		if err := s.Scheduler.OnAck(ack); err != nil {
			log.Debug("frame ack discarded", slog.Uint64("seq", ack.Sequence), slog.Any("error", err))
		}
	})

	conn.Handle(models.MsgClockSyncReq, func(env models.Envelope) {
		recv := s.Clock.Now()
		var req models.ClockSyncRequest
		if err := env.DecodePayload(&req); err != nil {
			log.Debug("bad clock sync request", slog.Any("error", err))
			return
		}
		if err := conn.Send(models.MsgClockSyncResp, s.Clock.HandleSync(req, recv)); err != nil {
			log.Debug("failed to answer clock sync", slog.Any("error", err))
		}
	})

	conn.Handle(models.MsgPose, func(env models.Envelope) {
		var update models.PoseUpdate
		if err := env.DecodePayload(&update); err != nil {
			log.Debug("bad pose update", slog.Any("error", err))
			return
		}
		s.Poses.Publish(update.Pose)
	})

	conn.Handle(models.MsgDisconnect, func(env models.Envelope) {
		var msg models.Disconnect
		_ = env.DecodePayload(&msg)
		log.Info("headset requested disconnect", slog.String("reason", msg.Reason))
		cancel()
	})
}

func sendDisconnect(conn *transport.Conn, reason string) {
	_ = conn.Send(models.MsgDisconnect, models.Disconnect{Reason: reason})
	// Let the write loop flush before the connection is closed.
	select {
	case <-conn.Done():
	case <-time.After(50 * time.Millisecond):
	}
}
