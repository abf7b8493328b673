package framecrypt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/companyzero/mediacrypt/mcidentity"
)

// DefaultRatchetWindow caps how many generations a receiver will fast
// forward a key while trying to decrypt one frame.
const DefaultRatchetWindow = 8

var (
	// ErrFrameDecryptionFailed is returned when a frame cannot be
	// decrypted under the selected slot within the ratchet window. The
	// caller drops the frame.
	ErrFrameDecryptionFailed = errors.New("frame decryption failed after ratchet attempts")

	// ErrFrameReplayed is returned when replay protection is on and a
	// frame's send counter was already accepted.
	ErrFrameReplayed = errors.New("frame counter already seen")
)

// ContextConfig configures a CryptoContext. Zero values select the
// defaults.
type ContextConfig struct {
	// RingSize is the number of key slots, at most 256.
	RingSize int

	// RatchetWindow caps the decode retry generations.
	RatchetWindow int

	// Prefix decides how many leading bytes of each frame stay in clear.
	Prefix PrefixPolicy

	// ReplayProtection drops frames whose send counter was already
	// accepted. Off by default since duplicate frames are normally
	// absorbed upstream by the jitter buffer.
	ReplayProtection bool
}

// CryptoContext owns the key ring and per SSRC send counters of one
// participant. Senders use Encode with their own context, receivers use
// Decode with the context tracking the remote participant's keys.
//
// All methods serialize on an internal mutex, so key updates never land in
// the middle of a frame operation.
type CryptoContext struct {
	mtx sync.Mutex

	ring          *KeyRing
	prefix        PrefixPolicy
	ratchetWindow int

	// sendCounts maps SSRC to the next send counter. Counters start at a
	// random value and strictly increase, which keeps IVs unique per
	// SSRC and key generation.
	sendCounts map[uint32]uint32

	// replay maps SSRC to its tracker, nil when replay protection is
	// off.
	replay map[uint32]*replayTracker
}

// NewCryptoContext returns a context with an empty key ring.
func NewCryptoContext(cfg ContextConfig) *CryptoContext {
	if cfg.RatchetWindow <= 0 {
		cfg.RatchetWindow = DefaultRatchetWindow
	}
	if cfg.Prefix == nil {
		cfg.Prefix = DefaultPrefixPolicy
	}
	c := &CryptoContext{
		ring:          NewKeyRing(cfg.RingSize),
		prefix:        cfg.Prefix,
		ratchetWindow: cfg.RatchetWindow,
		sendCounts:    make(map[uint32]uint32),
	}
	if cfg.ReplayProtection {
		c.replay = make(map[uint32]*replayTracker)
	}
	return c
}

// SetKey installs key material at index and makes it current. A nil key
// installs the disabled marker.
func (c *CryptoContext) SetKey(index int, key *mcidentity.MediaKey) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.ring.SetKey(index, key)
}

// Ratchet advances the slot at index one generation and returns the new
// material.
func (c *CryptoContext) Ratchet(index int) (*mcidentity.MediaKey, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.ring.Ratchet(index)
}

// CurrentIndex returns the index frames are currently encoded under.
func (c *CryptoContext) CurrentIndex() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.ring.CurrentIndex()
}

// Destroy zeroes all key material.
func (c *CryptoContext) Destroy() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.ring.Destroy()
}

// Encode encrypts one outgoing frame under the current slot and returns the
// wire payload. A disabled current slot returns the payload unchanged. The
// send counter of the frame's SSRC advances exactly once per call.
func (c *CryptoContext) Encode(frame *Frame) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	slot := &c.ring.slots[c.ring.current]
	if slot.disabled {
		return frame.Data, nil
	}
	if slot.aead == nil {
		return nil, ErrKeyMissing
	}

	counter, ok := c.sendCounts[frame.SSRC]
	if !ok {
		// Like an RTP sequence number, start at a random value.
		var b [4]byte
		rand.Read(b[:])
		counter = binary.BigEndian.Uint32(b[:])
	}
	c.sendCounts[frame.SSRC] = counter + 1

	iv := BuildIV(&slot.salt, frame.SSRC, frame.Timestamp, counter)
	prefix := c.prefix(frame.Kind, frame.Type)
	out := EncodeFrame(slot.aead, frame.Data, prefix, &iv, byte(c.ring.current))
	return out, nil
}

// Decode decrypts one incoming frame. A disabled current slot means the
// remote side is not encrypting, so the payload passes through unchanged
// and untouched. Otherwise the trailing key index selects the slot. When
// the slot's generation does not verify the frame, the material is
// ratcheted forward on a scratch copy up to the ratchet window; the first
// generation that verifies is committed to the ring so subsequent frames
// decode on the first attempt. A frame that no generation within the window
// can open fails with ErrFrameDecryptionFailed and the ring is left
// untouched.
func (c *CryptoContext) Decode(frame *Frame) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.ring.slots[c.ring.current].disabled {
		return frame.Data, nil
	}

	_, keyIndex, err := ParseTrailer(frame.Data)
	if err != nil {
		return nil, err
	}
	if int(keyIndex) >= c.ring.Size() {
		return nil, ErrKeyIndex
	}
	slot := &c.ring.slots[keyIndex]
	if slot.aead == nil {
		return nil, ErrKeyMissing
	}

	prefix := c.prefix(frame.Kind, frame.Type)
	plain, err := DecodeFrame(slot.aead, frame.Data, prefix)
	if err == nil {
		if err := c.acceptCounter(frame, &slot.salt); err != nil {
			return nil, err
		}
		return plain, nil
	}

	// The sender may have ratcheted ahead of us. Try the next
	// generations on a scratch copy and only commit on success.
	material := slot.material
	for i := 0; i < c.ratchetWindow; i++ {
		material = *RatchetKey(&material)
		aead, salt := deriveFrameKey(&material)
		plain, err = DecodeFrame(aead, frame.Data, prefix)
		if err != nil {
			continue
		}
		slot.material = material
		slot.aead = aead
		slot.salt = salt
		slot.generation += uint32(i) + 1
		if err := c.acceptCounter(frame, &salt); err != nil {
			return nil, err
		}
		return plain, nil
	}
	return nil, ErrFrameDecryptionFailed
}

// acceptCounter runs replay protection on a successfully decrypted frame.
// Caller holds the mutex.
func (c *CryptoContext) acceptCounter(frame *Frame, salt *[IVSize]byte) error {
	if c.replay == nil {
		return nil
	}
	iv, _, err := ParseTrailer(frame.Data)
	if err != nil {
		return err
	}
	rt := c.replay[frame.SSRC]
	if rt == nil {
		rt = new(replayTracker)
		c.replay[frame.SSRC] = rt
	}
	if !rt.mayAccept(RecoverCounter(salt, &iv)) {
		return ErrFrameReplayed
	}
	return nil
}
