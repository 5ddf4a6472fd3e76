package frames

import (
	"context"
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// CaptureSource reads frames from a local camera or video file.
type CaptureSource struct {
	capture *gocv.VideoCapture
}

// OpenCapture opens a device id ("0") or a file path.
func OpenCapture(device string) (*CaptureSource, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", device, err)
	}
	return &CaptureSource{capture: vc}, nil
}

// Next blocks on the device; ctx is only checked before each read.
func (s *CaptureSource) Next(ctx context.Context) (gocv.Mat, error) {
	m := gocv.NewMat()
	if err := ctx.Err(); err != nil {
		return m, err
	}
	if ok := s.capture.Read(&m); !ok || m.Empty() {
		m.Close()
		return gocv.NewMat(), errors.New("capture returned no frame")
	}
	return m, nil
}

func (s *CaptureSource) Close() error {
	return s.capture.Close()
}
