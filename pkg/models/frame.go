package models

// FrameState is the lifecycle position of one frame in the host pipeline.
type FrameState string

const (
	FrameStateSampled      FrameState = "sampled"
	FrameStateRendered     FrameState = "rendered"
	FrameStateEncoded      FrameState = "encoded"
	FrameStateQueued       FrameState = "queued"
	FrameStateTransmitted  FrameState = "transmitted"
	FrameStateAcknowledged FrameState = "acknowledged"
	FrameStateDropped      FrameState = "dropped"
)

// Terminal reports whether no further transitions are possible.
func (s FrameState) Terminal() bool {
	return s == FrameStateAcknowledged || s == FrameStateDropped
}

// DropReason labels why a frame left the pipeline early.
type DropReason string

const (
	DropRenderTimeout  DropReason = "render_timeout"
	DropRenderError    DropReason = "render_error"
	DropEncodeTimeout  DropReason = "encode_timeout"
	DropEncodeError    DropReason = "encode_error"
	DropQueueFull      DropReason = "queue_full"
	DropStale          DropReason = "stale"
	DropSessionChanged DropReason = "session_changed"
	DropTransportError DropReason = "transport_error"
	DropAckTimeout     DropReason = "ack_timeout"
)

// EncodedFrame is one encoded view pair ready for the network. The Pose is a
// value copy so the frame never shares memory with the tracking source.
type EncodedFrame struct {
	SessionID         string // Session the frame belongs to
	Sequence          uint64 // Strictly increasing within a session
	Payload           []byte // Codec bitstream, opaque to the core
	EncodeTimestampNs int64  // PoseClock time when encoding finished
	Pose              Pose   // Pose the frame was rendered against
	TargetBitrate     uint64 // Bitrate the encoder was configured with (bps)
	IsKeyFrame        bool
}

// PayloadSize returns the encoded size in bytes.
func (f *EncodedFrame) PayloadSize() int {
	return len(f.Payload)
}

// FrameAck is the per-frame feedback the headset returns after decoding.
type FrameAck struct {
	SessionID           string  `json:"sessionId"`
	Sequence            uint64  `json:"sequence"`
	ReceivedTimestampNs int64   `json:"receivedTimestampNs"` // host clock domain
	DecodeTimeMs        float64 `json:"decodeTimeMs"`
}

// DecodedFrame is a frame the headset decoder produced. Buffer is an opaque
// handle owned by the decoder/render backend.
type DecodedFrame struct {
	SessionID   string
	Sequence    uint64
	Buffer      uint64
	Width       uint32 // per view, after foveation expansion
	Height      uint32
	Pose        Pose
	DecodedAtNs int64
}
