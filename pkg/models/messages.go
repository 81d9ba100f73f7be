package models

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Control message types exchanged over the headset link.
const (
	MsgCapability    = "capability"
	MsgProposal      = "proposal"
	MsgProposalReply = "proposal_reply"
	MsgFrameAck      = "frame_ack"
	MsgClockSyncReq  = "clock_sync_req"
	MsgClockSyncResp = "clock_sync_resp"
	MsgPose          = "pose"
	MsgDisconnect    = "disconnect"
)

// Envelope wraps every control message: T is the type, P the raw payload.
type Envelope struct {
	T string              `json:"t"`
	P jsoniter.RawMessage `json:"p"`
}

// ClientCapability is what the headset advertises at connect and on resize.
type ClientCapability struct {
	DeviceName    string    `json:"deviceName"`
	DisplayWidth  uint32    `json:"displayWidth"` // per eye
	DisplayHeight uint32    `json:"displayHeight"`
	RefreshRates  []float32 `json:"refreshRates"`
	Codecs        []string  `json:"codecs"`
	IPD           float32   `json:"ipd"`
}

// SupportsCodec reports whether the headset decoder accepts codec.
func (c ClientCapability) SupportsCodec(codec string) bool {
	for _, cc := range c.Codecs {
		if cc == codec {
			return true
		}
	}
	return false
}

// MaxRefreshRate returns the highest advertised refresh rate, or 0.
func (c ClientCapability) MaxRefreshRate() float32 {
	var best float32
	for _, r := range c.RefreshRates {
		if r > best {
			best = r
		}
	}
	return best
}

// Proposal is the host's offer for a new session.
type Proposal struct {
	SessionID   string       `json:"sessionId"`
	Attempt     int          `json:"attempt"`
	Config      StreamConfig `json:"config"`
	Codec       CodecParams  `json:"codec"`
	RefreshRate float32      `json:"refreshRate"`
}

// ProposalReply is the headset's answer to a Proposal.
type ProposalReply struct {
	SessionID string `json:"sessionId"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// ClockSyncRequest starts one clock synchronization exchange.
type ClockSyncRequest struct {
	ClientSendNs int64 `json:"clientSendNs"`
}

// ClockSyncResponse echoes the request with host receive/send times.
type ClockSyncResponse struct {
	ClientSendNs int64 `json:"clientSendNs"`
	HostRecvNs   int64 `json:"hostRecvNs"`
	HostSendNs   int64 `json:"hostSendNs"`
}

// PoseUpdate carries a tracking sample from headset to host.
type PoseUpdate struct {
	Pose Pose `json:"pose"`
}

// Disconnect announces an orderly session teardown.
type Disconnect struct {
	Reason string `json:"reason"`
}

// EncodeMessage wraps payload in an Envelope of type t.
func EncodeMessage(t string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{T: t, P: p})
}

// DecodeEnvelope parses the outer envelope only.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.T == "" {
		return Envelope{}, fmt.Errorf("envelope without type")
	}
	return env, nil
}

// DecodePayload parses the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.P, v); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", e.T, err)
	}
	return nil
}
