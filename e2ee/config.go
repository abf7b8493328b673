package e2ee

import (
	"time"

	"github.com/decred/slog"

	"github.com/companyzero/mediacrypt/framecrypt"
)

// ErrorCallback is the signature for callbacks surfacing orchestration
// failures the embedding application should know about, currently key
// distribution timeouts and corrupted pairwise channels.
type ErrorCallback func(participant string, err error)

// PeerReadyCallback is the signature for callbacks triggered when the
// pairwise channel to a participant reaches the established state.
type PeerReadyCallback func(participant string)

// config holds manager config data.
type config struct {
	log         slog.Logger
	logPayloads slog.Logger

	ringSize         int
	ratchetWindow    int
	replayProtection bool
	prefix           framecrypt.PrefixPolicy

	// distributeTimeout bounds one key delivery to one peer, on top of
	// the channel's own retry schedule.
	distributeTimeout time.Duration
	ackRetryInterval  time.Duration
	maxTries          int

	errorCallback     ErrorCallback
	peerReadyCallback PeerReadyCallback

	statsReportInterval time.Duration
}

func defaultConfig() config {
	return config{
		log:               slog.Disabled,
		logPayloads:       slog.Disabled,
		distributeTimeout: 30 * time.Second,
	}
}

// Option is a functional manager config option.
type Option func(c *config)

// WithLogger sets up the manager to use the logger. Logger MUST NOT be nil.
func WithLogger(l slog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithPayloadLogger sets the logger used to trace protocol payloads.
func WithPayloadLogger(l slog.Logger) Option {
	return func(c *config) {
		c.logPayloads = l
	}
}

// WithRingSize sets the number of key slots in every participant's ring.
func WithRingSize(n int) Option {
	return func(c *config) {
		c.ringSize = n
	}
}

// WithRatchetWindow sets how many key generations a receiver fast forwards
// while decoding before giving up on a frame.
func WithRatchetWindow(n int) Option {
	return func(c *config) {
		c.ratchetWindow = n
	}
}

// WithReplayProtection drops incoming frames whose send counter was already
// accepted.
func WithReplayProtection() Option {
	return func(c *config) {
		c.replayProtection = true
	}
}

// WithPrefixPolicy overrides how many leading payload bytes stay cleartext
// per media kind and frame type.
func WithPrefixPolicy(p framecrypt.PrefixPolicy) Option {
	return func(c *config) {
		c.prefix = p
	}
}

// WithDistributeTimeout bounds each per peer key delivery.
func WithDistributeTimeout(d time.Duration) Option {
	return func(c *config) {
		c.distributeTimeout = d
	}
}

// WithChannelRetryOptions sets the retry schedule of pairwise key
// deliveries.
func WithChannelRetryOptions(maxTries int, retryInterval time.Duration) Option {
	return func(c *config) {
		c.maxTries = maxTries
		c.ackRetryInterval = retryInterval
	}
}

// WithErrorCallback sets the callback for surfaced orchestration errors.
func WithErrorCallback(cb ErrorCallback) Option {
	return func(c *config) {
		c.errorCallback = cb
	}
}

// WithPeerReadyCallback sets the callback for established pairwise channels.
func WithPeerReadyCallback(cb PeerReadyCallback) Option {
	return func(c *config) {
		c.peerReadyCallback = cb
	}
}

// WithStatsReportInterval makes Run periodically log throughput stats.
func WithStatsReportInterval(d time.Duration) Option {
	return func(c *config) {
		c.statsReportInterval = d
	}
}
