package transport

import "time"

// Config tunes reconnection, offline queueing and operation timeouts.
type Config struct {
	MinBackoff       time.Duration `mapstructure:"minBackoff" validate:"gt=0"`
	MaxBackoff       time.Duration `mapstructure:"maxBackoff" validate:"gtefield=MinBackoff"`
	MaxAttempts      int           `mapstructure:"maxAttempts" validate:"gte=1"`
	QueueDepth       int           `mapstructure:"queueDepth" validate:"gte=0"`
	DrainRate        float64       `mapstructure:"drainRate" validate:"gte=0"`
	ConnectTimeout   time.Duration `mapstructure:"connectTimeout" validate:"gt=0"`
	OperationTimeout time.Duration `mapstructure:"operationTimeout" validate:"gt=0"`
	InboxSize        int           `mapstructure:"inboxSize" validate:"gte=1"`
}

// DefaultConfig mirrors the AWS IoT device SDK settings the rig ran with.
func DefaultConfig() Config {
	return Config{
		MinBackoff:       time.Second,
		MaxBackoff:       128 * time.Second,
		MaxAttempts:      20,
		QueueDepth:       90,
		DrainRate:        3,
		ConnectTimeout:   20 * time.Second,
		OperationTimeout: 5 * time.Second,
		InboxSize:        64,
	}
}

// Backoff returns the delay after the n-th consecutive failed attempt,
// doubling from MinBackoff and capped at MaxBackoff.
func (c Config) Backoff(n int) time.Duration {
	d := c.MinBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}
