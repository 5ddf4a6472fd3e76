// Package frames supplies camera frames to the commander loop. Frames
// arrive either from a local capture device or as CBOR messages on a
// ZeroMQ PULL socket fed by a separate camera process.
package frames

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"gocv.io/x/gocv"
)

// Encodings accepted in Frame.Encoding.
const (
	EncodingJPEG = "jpeg"
	EncodingPNG  = "png"
	EncodingBGR8 = "bgr8"
)

// MessageType marks a frame message.
const MessageType = "frame"

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("frame source closed")

// Source yields frames one at a time. The caller owns and closes each Mat.
type Source interface {
	Next(ctx context.Context) (gocv.Mat, error)
	Close() error
}

// Frame is one wire message:
// { "type": "frame", "frame_id": <uint>, "timestamp": <float>, "encoding": "jpeg",
// "width": <int>, "height": <int>, "data": <bytes> }
type Frame struct {
	Type      string  `cbor:"type"`
	ID        uint64  `cbor:"frame_id"`
	Timestamp float64 `cbor:"timestamp"`
	Encoding  string  `cbor:"encoding"`
	Width     int     `cbor:"width,omitempty"`
	Height    int     `cbor:"height,omitempty"`
	Data      []byte  `cbor:"data"`
}

// Decode parses a CBOR frame message.
func Decode(msg []byte) (Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(msg, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type != MessageType {
		return Frame{}, fmt.Errorf("unexpected message type %q", f.Type)
	}
	if len(f.Data) == 0 {
		return Frame{}, errors.New("frame has no data")
	}
	return f, nil
}

// Encode builds a CBOR frame message.
func Encode(f Frame) ([]byte, error) {
	f.Type = MessageType
	return cbor.Marshal(f)
}

// Mat converts the frame to a BGR image.
func (f Frame) Mat() (gocv.Mat, error) {
	switch f.Encoding {
	case EncodingJPEG, EncodingPNG:
		m, err := gocv.IMDecode(f.Data, gocv.IMReadColor)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("decode %s frame %d: %w", f.Encoding, f.ID, err)
		}
		if m.Empty() {
			m.Close()
			return gocv.NewMat(), fmt.Errorf("decode %s frame %d: empty image", f.Encoding, f.ID)
		}
		return m, nil
	case EncodingBGR8:
		if f.Width <= 0 || f.Height <= 0 || len(f.Data) != f.Width*f.Height*3 {
			return gocv.NewMat(), fmt.Errorf("bgr8 frame %d: %d bytes for %dx%d", f.ID, len(f.Data), f.Width, f.Height)
		}
		return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	default:
		return gocv.NewMat(), fmt.Errorf("unsupported frame encoding %q", f.Encoding)
	}
}
