// Command headset is a simulated headset: it pairs with a vrlink host,
// negotiates a session, streams tracking poses and presents received frames
// through the simulated decoder and compositor.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"vrlink/config"
	"vrlink/internal/backend/sim"
	"vrlink/internal/logger"
	"vrlink/internal/metrics"
	"vrlink/internal/negotiator"
	"vrlink/internal/poseclock"
	"vrlink/internal/presentsync"
	"vrlink/internal/transport"
	"vrlink/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	clockSyncInterval = time.Second
	statusInterval    = 5 * time.Second
)

func main() {
	var (
		hostURL  = flag.String("host", "http://localhost:8080", "vrlink host base URL")
		device   = flag.String("device", "sim-headset", "device name used for pairing")
		width    = flag.Uint("width", 1832, "display width per eye")
		height   = flag.Uint("height", 1920, "display height per eye")
		rates    = flag.String("refresh", "72,90", "comma separated refresh rates")
		codecs   = flag.String("codecs", "hevc,h264", "comma separated decoder codecs")
		ipd      = flag.Float64("ipd", 0.063, "interpupillary distance in meters")
		noFov    = flag.Bool("no-foveation", false, "reject foveated proposals")
		duration = flag.Duration("duration", 0, "disconnect after this long (0 runs until interrupted)")
		logLevel = flag.String("log-level", "info", "debug, info, warn or error")
	)
	flag.Parse()

	log := logger.New(*logLevel, "text")

	refreshRates, err := parseRates(*rates)
	if err != nil {
		log.Error("invalid -refresh", slog.Any("error", err))
		os.Exit(2)
	}

	capability := models.ClientCapability{
		DeviceName:    *device,
		DisplayWidth:  uint32(*width),
		DisplayHeight: uint32(*height),
		RefreshRates:  refreshRates,
		Codecs:        splitList(*codecs),
		IPD:           float32(*ipd),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	h := &headset{
		capability: capability,
		client:     negotiator.NewClient(capability),
		log:        log,
	}
	h.client.AllowFoveation = !*noFov

	if err := h.run(ctx, *hostURL); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("headset stopped", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("headset stopped")
}

type headset struct {
	capability models.ClientCapability
	client     *negotiator.Client
	log        *slog.Logger

	mu      sync.Mutex
	refresh chan float32
}

func (h *headset) run(ctx context.Context, hostURL string) error {
	pair, err := requestPairing(ctx, hostURL, h.capability.DeviceName)
	if err != nil {
		return err
	}
	h.log.Info("paired", slog.String("stream", pair.StreamURL), slog.String("expires", pair.ExpiresAt))

	cfg := config.Load()
	conn, err := transport.Dial(ctx, pair.StreamURL, cfg.TransportConfig(), h.log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	local := poseclock.NewClock()
	remote := poseclock.NewRemoteClock(local, poseclock.DefaultSyncConfig())
	poses := poseclock.NewPoseBuffer(poseclock.DefaultHistory)
	m := metrics.New()

	pcfg := cfg.PresentSyncConfig()
	pcfg.IPD = h.capability.IPD
	present := presentsync.New(pcfg, presentsync.Deps{
		Renderer:  sim.NewRenderer(),
		Decoder:   &sim.Decoder{},
		Poses:     poses,
		Clock:     local,
		HostClock: remote,
		Acks:      conn,
		Metrics:   m,
		Logger:    h.log,
	})

	h.refresh = make(chan float32, 1)
	frames := make(chan *models.EncodedFrame, 4)

	conn.Handle(models.MsgProposal, func(env models.Envelope) {
		var p models.Proposal
		if err := env.DecodePayload(&p); err != nil {
			h.log.Warn("bad proposal", slog.Any("error", err))
			return
		}
		reply := h.client.Evaluate(p)
		if reply.Accepted {
			if err := present.SetSession(p.SessionID, p.Config); err != nil {
				reply.Accepted, reply.Reason = false, err.Error()
			}
		}
		if reply.Accepted {
			h.setRefresh(p.RefreshRate)
			h.log.Info("session accepted",
				slog.String("session", p.SessionID),
				slog.String("resolution", p.Config.Resolution()),
				slog.String("codec", p.Codec.Codec),
				slog.Bool("foveation", p.Config.FoveationEnabled),
			)
		} else {
			h.log.Info("proposal rejected", slog.String("session", p.SessionID), slog.String("reason", reply.Reason))
		}
		if err := conn.Send(models.MsgProposalReply, reply); err != nil {
			h.log.Warn("failed to reply to proposal", slog.Any("error", err))
		}
	})

	conn.Handle(models.MsgClockSyncResp, func(env models.Envelope) {
		recv := local.Now()
		var resp models.ClockSyncResponse
		if err := env.DecodePayload(&resp); err != nil {
			return
		}
		if remote.HandleResponse(resp, recv) {
			m.SetClockOffset(remote.Offset())
		}
	})

	conn.Handle(models.MsgDisconnect, func(env models.Envelope) {
		var msg models.Disconnect
		_ = env.DecodePayload(&msg)
		h.log.Info("host disconnected", slog.String("reason", msg.Reason))
		cancel()
	})

	conn.OnFrame(func(f *models.EncodedFrame) {
		select {
		case frames <- f:
		default:
			h.log.Debug("decoder busy, frame dropped", slog.Uint64("seq", f.Sequence))
		}
	})

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	if err := conn.Send(models.MsgCapability, h.capability); err != nil {
		return fmt.Errorf("failed to send capability: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		h.decodeLoop(ctx, present, frames)
	}()
	go func() {
		defer wg.Done()
		h.presentLoop(ctx, present)
	}()
	go func() {
		defer wg.Done()
		h.trackingLoop(ctx, conn, local, remote, poses)
	}()
	go func() {
		defer wg.Done()
		h.statusLoop(ctx, present, remote)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = conn.Send(models.MsgDisconnect, models.Disconnect{Reason: "headset shutting down"})
		time.Sleep(50 * time.Millisecond)
		conn.Close()
		runErr = <-runDone
	case runErr = <-runDone:
		cancel()
	}
	wg.Wait()
	return runErr
}

func (h *headset) setRefresh(rate float32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.refresh:
	default:
	}
	h.refresh <- rate
}

func (h *headset) decodeLoop(ctx context.Context, present *presentsync.Sync, frames <-chan *models.EncodedFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			if err := present.HandleFrame(ctx, f); err != nil {
				h.log.Debug("frame rejected", slog.Uint64("seq", f.Sequence), slog.Any("error", err))
			}
		}
	}
}

// presentLoop restarts the compositor tick whenever the negotiated refresh
// rate changes. Until the first session it shows the lobby at the highest
// advertised rate.
func (h *headset) presentLoop(ctx context.Context, present *presentsync.Sync) {
	rate := h.capability.MaxRefreshRate()
	for {
		rctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func(rate float32) {
			defer close(done)
			if err := present.Run(rctx, rate); err != nil && !errors.Is(err, context.Canceled) {
				h.log.Warn("present loop stopped", slog.Any("error", err))
			}
		}(rate)

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return
		case rate = <-h.refresh:
			cancel()
			<-done
		}
	}
}

func (h *headset) trackingLoop(ctx context.Context, conn *transport.Conn, local *poseclock.Clock, remote *poseclock.RemoteClock, poses *poseclock.PoseBuffer) {
	source := poseclock.NewSyntheticSource(local)
	interval := time.Duration(float64(time.Second) / float64(max(h.capability.MaxRefreshRate(), 1)))
	tracking := time.NewTicker(interval)
	defer tracking.Stop()
	syncTicker := time.NewTicker(clockSyncInterval)
	defer syncTicker.Stop()

	_ = conn.Send(models.MsgClockSyncReq, remote.Request())
	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			if err := conn.Send(models.MsgClockSyncReq, remote.Request()); err != nil {
				h.log.Debug("clock sync request failed", slog.Any("error", err))
			}
		case <-tracking.C:
			pose, err := source.Sample(ctx)
			if err != nil {
				continue
			}
			poses.Publish(pose)
			if !remote.Synced() {
				continue
			}
			hostPose := pose
			hostPose.TimestampNs = remote.ToHost(pose.TimestampNs)
			if err := conn.Send(models.MsgPose, models.PoseUpdate{Pose: hostPose}); err != nil {
				h.log.Debug("pose update failed", slog.Any("error", err))
			}
		}
	}
}

func (h *headset) statusLoop(ctx context.Context, present *presentsync.Sync, remote *poseclock.RemoteClock) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := present.Stats()
			h.log.Info("headset status",
				slog.Uint64("presented", st.Presented),
				slog.Uint64("repeated", st.Repeated),
				slog.Uint64("lobby", st.Lobby),
				slog.Uint64("stale", st.Stale),
				slog.Uint64("overflow", st.Overflow),
				slog.Uint64("mismatched", st.Mismatched),
				slog.Float64("avg_buffered", st.AvgBuffered),
				slog.Float64("motion_to_photon_ms", st.MotionToPhotonMs),
				slog.Duration("clock_offset", remote.Offset()),
				slog.Duration("rtt", remote.RTT()),
			)
		}
	}
}

func requestPairing(ctx context.Context, hostURL, device string) (*models.PairResponse, error) {
	body, err := json.Marshal(models.PairRequest{DeviceName: device})
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(hostURL, "/") + "/api/v1/pair"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request pairing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("pairing rejected: %s %s", resp.Status, e.Error)
	}

	var pair models.PairResponse
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("failed to decode pairing response: %w", err)
	}
	return &pair, nil
}

func parseRates(s string) ([]float32, error) {
	var out []float32
	for _, part := range splitList(s) {
		r, err := strconv.ParseFloat(part, 32)
		if err != nil || r <= 0 {
			return nil, fmt.Errorf("invalid refresh rate %q", part)
		}
		out = append(out, float32(r))
	}
	if len(out) == 0 {
		return nil, errors.New("no refresh rates")
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
