package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"vrlink/pkg/models"
)

// Binary frame layout, big endian:
//
//	magic      [4]byte "VRF1"
//	flags      uint8   bit 0: key frame
//	idLen      uint8
//	sessionID  [idLen]byte
//	sequence   uint64
//	encodeTs   int64
//	bitrate    uint64
//	pose       orientation 4*f32, position 3*f32, fov 8*f32, timestamp i64
//	payload    remainder
var frameMagic = [4]byte{'V', 'R', 'F', '1'}

const (
	flagKeyFrame = 1 << 0

	poseSize        = 4*4 + 3*4 + 8*4 + 8
	fixedHeaderSize = 4 + 1 + 1 + 8 + 8 + 8 + poseSize
)

// ErrBadFrame is returned for binary messages that are not encoded frames.
var ErrBadFrame = errors.New("malformed frame message")

// MarshalFrame encodes f into a single binary websocket message.
func MarshalFrame(f *models.EncodedFrame) ([]byte, error) {
	if len(f.SessionID) > math.MaxUint8 {
		return nil, fmt.Errorf("session id too long: %d bytes", len(f.SessionID))
	}

	buf := make([]byte, 0, fixedHeaderSize+len(f.SessionID)+len(f.Payload))
	buf = append(buf, frameMagic[:]...)

	var flags byte
	if f.IsKeyFrame {
		flags |= flagKeyFrame
	}
	buf = append(buf, flags, byte(len(f.SessionID)))
	buf = append(buf, f.SessionID...)
	buf = binary.BigEndian.AppendUint64(buf, f.Sequence)
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.EncodeTimestampNs))
	buf = binary.BigEndian.AppendUint64(buf, f.TargetBitrate)
	buf = appendPose(buf, f.Pose)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// UnmarshalFrame decodes a binary message produced by MarshalFrame. The
// payload aliases data.
func UnmarshalFrame(data []byte) (*models.EncodedFrame, error) {
	if len(data) < fixedHeaderSize || [4]byte(data[0:4]) != frameMagic {
		return nil, ErrBadFrame
	}
	flags := data[4]
	idLen := int(data[5])
	if len(data) < fixedHeaderSize+idLen {
		return nil, fmt.Errorf("%w: truncated header", ErrBadFrame)
	}

	r := data[6:]
	f := &models.EncodedFrame{
		SessionID:  string(r[:idLen]),
		IsKeyFrame: flags&flagKeyFrame != 0,
	}
	r = r[idLen:]
	f.Sequence = binary.BigEndian.Uint64(r[0:8])
	f.EncodeTimestampNs = int64(binary.BigEndian.Uint64(r[8:16]))
	f.TargetBitrate = binary.BigEndian.Uint64(r[16:24])
	r = r[24:]
	f.Pose, r = readPose(r)
	f.Payload = r
	return f, nil
}

func appendPose(buf []byte, p models.Pose) []byte {
	for _, v := range p.Orientation {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
	}
	for _, v := range p.Position {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
	}
	for _, fov := range p.Fov {
		for _, v := range [4]float32{fov.Left, fov.Right, fov.Top, fov.Bottom} {
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return binary.BigEndian.AppendUint64(buf, uint64(p.TimestampNs))
}

func readPose(r []byte) (models.Pose, []byte) {
	next := func() float32 {
		v := math.Float32frombits(binary.BigEndian.Uint32(r[0:4]))
		r = r[4:]
		return v
	}

	var p models.Pose
	for i := range p.Orientation {
		p.Orientation[i] = next()
	}
	for i := range p.Position {
		p.Position[i] = next()
	}
	for i := range p.Fov {
		p.Fov[i] = models.Fov{Left: next(), Right: next(), Top: next(), Bottom: next()}
	}
	p.TimestampNs = int64(binary.BigEndian.Uint64(r[0:8]))
	return p, r[8:]
}
