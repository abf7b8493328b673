// Package xform connects participant key state to the media path. A
// Coordinator owns one crypto context per participant and hands out ordered
// per stream pumps that encrypt or decrypt frames between a source channel
// and a sink.
package xform

import (
	"sync/atomic"

	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/companyzero/mediacrypt/framecrypt"
	"github.com/companyzero/mediacrypt/mcidentity"
)

// FrameIOCallback is the signature for callbacks observing the payload size
// of successfully transformed frames.
type FrameIOCallback func(n int)

// FrameDropCallback is the signature for callbacks observing frames that
// were dropped instead of delivered.
type FrameDropCallback func(participant string, err error)

// Config holds coordinator configuration.
type Config struct {
	// Context is the template used for lazily created participant
	// contexts.
	Context framecrypt.ContextConfig

	Log slog.Logger

	// EncodedCallback and DecodedCallback observe successful encode and
	// decode operations.
	EncodedCallback FrameIOCallback
	DecodedCallback FrameIOCallback

	// DroppedCallback observes frames dropped by failed operations.
	DroppedCallback FrameDropCallback
}

// Coordinator maps participants to their crypto contexts and drives the per
// stream transforms. The zero coordinator is not usable, use New.
//
// While protection is off every transform is the identity function. While it
// is on, a frame that cannot be transformed is dropped, never delivered as
// is.
type Coordinator struct {
	cfg Config
	log slog.Logger

	enabled atomic.Bool

	// contexts maps participant id to its crypto context. One context
	// covers all of a participant's streams, the frame's own kind and
	// type select the cleartext prefix.
	contexts *xsync.MapOf[string, *framecrypt.CryptoContext]

	// streams maps participant id to that participant's running pumps.
	streams *xsync.MapOf[string, []*Stream]
}

// New returns a coordinator with frame protection off.
func New(cfg Config) *Coordinator {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Coordinator{
		cfg:      cfg,
		log:      log,
		contexts: xsync.NewMapOf[string, *framecrypt.CryptoContext](),
		streams:  xsync.NewMapOf[string, []*Stream](),
	}
}

// SetEnabled flips frame protection. Pumps observe the change between
// frames, never in the middle of one.
func (c *Coordinator) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Enabled returns whether frame protection is on.
func (c *Coordinator) Enabled() bool {
	return c.enabled.Load()
}

// context returns the participant's crypto context, creating it on first
// use.
func (c *Coordinator) context(participant string) *framecrypt.CryptoContext {
	cc, _ := c.contexts.LoadOrCompute(participant, func() *framecrypt.CryptoContext {
		c.log.Debugf("Creating crypto context for %q", participant)
		return framecrypt.NewCryptoContext(c.cfg.Context)
	})
	return cc
}

// SetKey installs key material at index in the participant's context,
// creating the context when needed. A nil key installs the disabled marker.
func (c *Coordinator) SetKey(participant string, index int, key *mcidentity.MediaKey) error {
	return c.context(participant).SetKey(index, key)
}

// RatchetKey advances the participant's key at index one generation and
// returns the new material.
func (c *Coordinator) RatchetKey(participant string, index int) (*mcidentity.MediaKey, error) {
	return c.context(participant).Ratchet(index)
}

// EncodeFrame encrypts one outgoing frame of the given participant and
// returns the wire payload. While protection is off the payload is returned
// unchanged.
func (c *Coordinator) EncodeFrame(participant string, frame *framecrypt.Frame) ([]byte, error) {
	if !c.enabled.Load() {
		return frame.Data, nil
	}
	out, err := c.context(participant).Encode(frame)
	if err != nil {
		if c.cfg.DroppedCallback != nil {
			c.cfg.DroppedCallback(participant, err)
		}
		return nil, err
	}
	// Equal length means a disabled slot passed the frame through, a real
	// encrypt always grows the payload by the trailer and tag.
	if len(out) != len(frame.Data) && c.cfg.EncodedCallback != nil {
		c.cfg.EncodedCallback(len(out))
	}
	return out, nil
}

// DecodeFrame decrypts one incoming frame from the given participant and
// returns the plaintext payload. While protection is off the payload is
// returned unchanged.
func (c *Coordinator) DecodeFrame(participant string, frame *framecrypt.Frame) ([]byte, error) {
	if !c.enabled.Load() {
		return frame.Data, nil
	}
	out, err := c.context(participant).Decode(frame)
	if err != nil {
		if c.cfg.DroppedCallback != nil {
			c.cfg.DroppedCallback(participant, err)
		}
		return nil, err
	}
	if len(out) != len(frame.Data) && c.cfg.DecodedCallback != nil {
		c.cfg.DecodedCallback(len(out))
	}
	return out, nil
}

// Cleanup zeroes and discards the participant's context and stops any of
// their running pumps. Used when the participant leaves.
func (c *Coordinator) Cleanup(participant string) {
	if cc, loaded := c.contexts.LoadAndDelete(participant); loaded {
		cc.Destroy()
	}
	streams, _ := c.streams.LoadAndDelete(participant)
	for _, s := range streams {
		s.stop()
	}
	if len(streams) > 0 {
		c.log.Debugf("Stopped %d streams of %q", len(streams), participant)
	}
}

// CleanupAll zeroes and discards every context. Pumps keep running and pass
// subsequent frames through unmodified once protection is off. Used when end
// to end encryption is disabled.
func (c *Coordinator) CleanupAll() {
	c.contexts.Range(func(participant string, cc *framecrypt.CryptoContext) bool {
		cc.Destroy()
		c.contexts.Delete(participant)
		return true
	})
}
