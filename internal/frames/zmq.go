package frames

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"gocv.io/x/gocv"
)

// pollInterval bounds how long a receive blocks before ctx is checked.
const pollInterval = 200 * time.Millisecond

// ZMQSource pulls frames from a ZeroMQ PUSH peer.
type ZMQSource struct {
	socket *zmq4.Socket
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// DialZMQ connects a PULL socket to endpoint, e.g. tcp://camera:5556.
func DialZMQ(endpoint string, logger *slog.Logger) (*ZMQSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, fmt.Errorf("create zmq socket: %w", err)
	}
	if err := socket.SetRcvtimeo(pollInterval); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}
	if err := socket.SetRcvhwm(4); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("set receive high water mark: %w", err)
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	return &ZMQSource{socket: socket, logger: logger.With("endpoint", endpoint)}, nil
}

// Next returns the next decodable frame. Undecodable messages are logged
// and skipped.
func (s *ZMQSource) Next(ctx context.Context) (gocv.Mat, error) {
	for {
		if err := ctx.Err(); err != nil {
			return gocv.NewMat(), err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return gocv.NewMat(), ErrClosed
		}
		msg, err := s.socket.RecvBytes(0)
		s.mu.Unlock()
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			return gocv.NewMat(), fmt.Errorf("receive frame: %w", err)
		}

		f, err := Decode(msg)
		if err != nil {
			s.logger.Debug("Skipping frame message", "error", err)
			continue
		}
		m, err := f.Mat()
		if err != nil {
			s.logger.Debug("Skipping frame", "id", f.ID, "error", err)
			continue
		}
		return m, nil
	}
}

func (s *ZMQSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.socket.Close()
}
