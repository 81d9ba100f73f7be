package models

import "time"

// PairingToken authorizes one headset connection
type PairingToken struct {
	Token      string    // The actual token string
	DeviceName string    // Headset the token was issued for
	CreatedAt  time.Time // When token was created
	ExpiresAt  time.Time // When token expires
	RequestIP  string    // IP address that requested the token
	IsUsed     bool      // Whether token has been used
}

// IsValid checks if the token is still valid
func (t *PairingToken) IsValid() bool {
	return !t.IsUsed && time.Now().Before(t.ExpiresAt)
}

// PairRequest represents a request to create a pairing token
type PairRequest struct {
	DeviceName string `json:"deviceName" binding:"required"`
	ExpiresIn  int    `json:"expiresIn"` // Seconds until expiration (default 300)
}

// PairResponse represents the response to a pair request
type PairResponse struct {
	StreamURL  string `json:"streamUrl"`
	DeviceName string `json:"deviceName"`
	Token      string `json:"token"`
	ExpiresAt  string `json:"expiresAt"`
}

// SessionInfo represents session metadata returned by the API
type SessionInfo struct {
	SessionID     string       `json:"sessionId"`
	DeviceName    string       `json:"deviceName"`
	State         string       `json:"state"`
	StartedAt     string       `json:"startedAt,omitempty"`
	Duration      int          `json:"duration,omitempty"` // seconds
	Resolution    string       `json:"resolution"`
	RefreshRate   float32      `json:"refreshRate"`
	Codec         string       `json:"codec"`
	Config        StreamConfig `json:"config"`
	TargetBitrate uint64       `json:"targetBitrate"`
	FramesSent    uint64       `json:"framesSent"`
	FramesAcked   uint64       `json:"framesAcked"`
	FramesDropped uint64       `json:"framesDropped"`
	NextSequence  uint64       `json:"nextSequence"`
}

// SessionListResponse represents a list of sessions
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int          `json:"total"`
}

// StatsResponse is the pipeline snapshot served by /api/v1/stats
type StatsResponse struct {
	TargetBitrate   uint64            `json:"targetBitrate"`
	EncodeTimeMs    float64           `json:"encodeTimeMs"`
	NetworkRTTMs    float64           `json:"networkRttMs"`
	DecodeTimeMs    float64           `json:"decodeTimeMs"`
	FrameIntervalMs float64           `json:"frameIntervalMs"`
	Frames          map[string]uint64 `json:"frames"`
	Drops           map[string]uint64 `json:"drops"`
}

// CaptureRequest arms capture of the next N encoded frames
type CaptureRequest struct {
	Frames int `json:"frames" binding:"required,min=1,max=600"`
}
