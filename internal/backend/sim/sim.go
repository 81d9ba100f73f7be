// Package sim provides software stand-ins for the render and codec
// backends. They do no real rendering or compression but honor the same
// contracts: handles are opaque counters and encoded payloads are sized by
// the requested bitrate.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vrlink/internal/backend"
	"vrlink/internal/foveation"
	"vrlink/pkg/models"
)

// frameMagic prefixes every simulated payload so the decoder can check it.
const frameMagic = 0x56524c4b // "VRLK"

const headerSize = 16

// Renderer is a RenderBackend that hands out texture handles after an
// optional delay.
type Renderer struct {
	Delay func(seq uint64) time.Duration

	next     atomic.Uint64
	mu       sync.Mutex
	lobby    int
	streamed []uint64
	geometry *foveation.Geometry
}

// NewRenderer creates a renderer without artificial latency.
func NewRenderer() *Renderer {
	return &Renderer{}
}

func (r *Renderer) BeginFrame(ctx context.Context, views [2]models.ViewInput) ([2]uint64, error) {
	n := r.next.Add(2)
	if r.Delay != nil {
		if err := sleep(ctx, r.Delay(n/2-1)); err != nil {
			return [2]uint64{}, err
		}
	}
	return [2]uint64{n - 1, n}, nil
}

func (r *Renderer) PresentLobby(views [2]models.ViewInput, swapchainIndices [2]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lobby++
}

func (r *Renderer) PresentStream(decodedBuffer uint64, swapchainIndices [2]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamed = append(r.streamed, decodedBuffer)
}

// SetStreamConfig records the geometry the headset expands frames with.
func (r *Renderer) SetStreamConfig(cfg models.StreamConfig, geo foveation.Geometry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.geometry = &geo
	return nil
}

// Geometry returns the last configured stream geometry.
func (r *Renderer) Geometry() (foveation.Geometry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.geometry == nil {
		return foveation.Geometry{}, false
	}
	return *r.geometry, true
}

// Presented returns the lobby count and the decoded buffers presented so far.
func (r *Renderer) Presented() (lobby int, streamed []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lobby, append([]uint64(nil), r.streamed...)
}

// Encoder produces payloads of BitsPerFrame/8 bytes, with a small header
// carrying the sequence number.
type Encoder struct {
	Delay func(seq uint64) time.Duration
	// MaxPayload caps generated payloads; zero means no cap.
	MaxPayload int
	// GopLength forces a key frame every N frames when > 0.
	GopLength uint64
}

func (e *Encoder) Encode(ctx context.Context, req backend.EncodeRequest) (backend.EncodeResult, error) {
	if e.Delay != nil {
		if err := sleep(ctx, e.Delay(req.Sequence)); err != nil {
			return backend.EncodeResult{}, err
		}
	}

	size := int(req.BitsPerFrame() / 8)
	if size < headerSize {
		size = headerSize
	}
	if e.MaxPayload > 0 && size > e.MaxPayload {
		size = e.MaxPayload
	}

	payload := make([]byte, size)
	binary.BigEndian.PutUint32(payload[0:4], frameMagic)
	binary.BigEndian.PutUint64(payload[4:12], req.Sequence)
	w, h := req.Geometry.EncodedFrameSize()
	binary.BigEndian.PutUint16(payload[12:14], uint16(w))
	binary.BigEndian.PutUint16(payload[14:16], uint16(h))

	key := req.ForceKeyFrame || req.Sequence == 0
	if gop := e.gop(req); gop > 0 && req.Sequence%gop == 0 {
		key = true
	}
	return backend.EncodeResult{Payload: payload, IsKeyFrame: key}, nil
}

func (e *Encoder) gop(req backend.EncodeRequest) uint64 {
	if e.GopLength > 0 {
		return e.GopLength
	}
	if req.Codec.Tuning.GopLength > 0 {
		return uint64(req.Codec.Tuning.GopLength)
	}
	return 0
}

// Decoder validates simulated payloads and returns increasing buffer handles.
// The decoded size is the one the encoder wrote into the payload header.
type Decoder struct {
	Delay func(seq uint64) time.Duration

	next atomic.Uint64
	mu   sync.Mutex
	cfg  models.StreamConfig
}

// SetStreamConfig records the accepted stream configuration.
func (d *Decoder) SetStreamConfig(cfg models.StreamConfig, geo foveation.Geometry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	return nil
}

// StreamConfig returns the last configured stream.
func (d *Decoder) StreamConfig() models.StreamConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Decoder) Decode(ctx context.Context, frame *models.EncodedFrame) (backend.DecodeResult, error) {
	if len(frame.Payload) < headerSize || binary.BigEndian.Uint32(frame.Payload[0:4]) != frameMagic {
		return backend.DecodeResult{}, fmt.Errorf("failed to decode frame %d: bad payload header", frame.Sequence)
	}
	if seq := binary.BigEndian.Uint64(frame.Payload[4:12]); seq != frame.Sequence {
		return backend.DecodeResult{}, fmt.Errorf("failed to decode frame %d: payload carries sequence %d", frame.Sequence, seq)
	}
	if d.Delay != nil {
		if err := sleep(ctx, d.Delay(frame.Sequence)); err != nil {
			return backend.DecodeResult{}, err
		}
	}
	return backend.DecodeResult{
		Buffer: d.next.Add(1),
		Width:  uint32(binary.BigEndian.Uint16(frame.Payload[12:14])),
		Height: uint32(binary.BigEndian.Uint16(frame.Payload[14:16])),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
