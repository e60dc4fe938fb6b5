package blip

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Compression selects the payload codec for outgoing compressed messages.
type Compression int

const (
	// CompressionDefault enables deflate at the default level.
	CompressionDefault Compression = iota
	// CompressionNone disables the deflater; the Compressed flag on
	// outgoing builders is ignored.
	CompressionNone
)

const (
	defaultFrameSize            = 16384
	defaultMaxUnackedBytes      = 128 * 1024
	defaultIncomingAckThreshold = 50000
	defaultFramePrealloc        = 4

	minFrameSize = 1024

	// An urgent message yields one frame to the normal queue after this
	// many consecutive urgent frames.
	urgentYieldEvery = 4
)

// Config carries the tunables of a Connection.
type Config struct {
	// FrameSize is the target payload budget per frame.
	FrameSize int

	// MaxUnackedBytes is the per-message window: a message with this many
	// unacknowledged bytes in flight is skipped by the scheduler until an
	// ack arrives.
	MaxUnackedBytes int

	// IncomingAckThreshold is how many received bytes accumulate on an
	// incoming message before an ack is sent back.
	IncomingAckThreshold int

	// Compression selects the codec for outgoing messages.
	Compression Compression

	// Heartbeat is the idle PING interval for the underlying transport. The
	// connection does not configure its socket with it; it takes effect only
	// where it is passed to the socket's websocket.Options.
	Heartbeat time.Duration

	// Optional logger for debugging purposes
	Logger *logrus.Logger

	// Metrics receives engine counters. Nil leaves them unregistered.
	Metrics *Metrics
}

func DefaultConfig() Config {
	return Config{
		FrameSize:            defaultFrameSize,
		MaxUnackedBytes:      defaultMaxUnackedBytes,
		IncomingAckThreshold: defaultIncomingAckThreshold,
		Compression:          CompressionDefault,
		Heartbeat:            15 * time.Second,

		Logger: discardLogger,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.FrameSize < minFrameSize {
		cfg.FrameSize = defaultFrameSize
	}
	if cfg.MaxUnackedBytes <= 0 {
		cfg.MaxUnackedBytes = defaultMaxUnackedBytes
	}
	if cfg.IncomingAckThreshold <= 0 {
		cfg.IncomingAckThreshold = defaultIncomingAckThreshold
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return cfg
}
