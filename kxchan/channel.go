// Package kxchan maintains pairwise secure channels between conference
// participants. A channel bootstraps a double ratchet through a KEM key
// exchange carried over the signaling path and then moves media key
// material through the ratchet.
package kxchan

import (
	"compress/zlib"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/slog"

	"github.com/companyzero/mediacrypt/mcidentity"
	"github.com/companyzero/mediacrypt/ratchet"
)

var (
	// ErrChannelCorrupted is returned when a channel message cannot be
	// decrypted and the pairwise session was destroyed as a result.
	ErrChannelCorrupted = errors.New("secure channel corrupted")

	// ErrKeyDistributionTimeout is returned when the remote side never
	// acknowledged a key delivery.
	ErrKeyDistributionTimeout = errors.New("key distribution timed out")

	ErrNotEstablished   = errors.New("secure channel not established")
	ErrChannelClosed    = errors.New("secure channel closed")
	ErrInvalidHandshake = errors.New("invalid handshake blob")
	ErrWrongIdentity    = errors.New("handshake from unexpected identity")
)

// State is the lifecycle position of a Channel.
type State uint32

const (
	StateNoSession State = iota
	StateInitiating
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "nosession"
	case StateInitiating:
		return "initiating"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// SessionCrypto seals and opens channel payloads once a pairwise session
// exists. *ratchet.Ratchet implements it.
type SessionCrypto interface {
	Encrypt(out, msg []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

var _ SessionCrypto = (*ratchet.Ratchet)(nil)

const (
	// DefaultAckRetryInterval is how long a key delivery waits for an
	// ack before resealing and resending.
	DefaultAckRetryInterval = 2 * time.Second

	// DefaultMaxTries bounds key delivery attempts before giving up
	// with ErrKeyDistributionTimeout.
	DefaultMaxTries = 5
)

// Config holds the pieces a Channel needs. Local, Remote and Send are
// required, everything else has usable defaults.
type Config struct {
	// Local is the full identity of this participant.
	Local *mcidentity.FullIdentity

	// Remote is the expected public identity of the peer. Handshakes
	// from any other identity are rejected.
	Remote mcidentity.PublicIdentity

	// Send delivers a sealed blob to the remote participant over the
	// signaling path. It may block.
	Send func(blob []byte) error

	// KeyReceived is called for every media key the remote side
	// distributes to us. It runs on the blob handling goroutine.
	KeyReceived func(ki KeyInfo)

	// Established is called every time the pairwise session reaches the
	// established state. It runs on the blob handling goroutine and
	// must not block waiting for channel traffic.
	Established func()

	// Corrupted is called after the session was destroyed due to an
	// undecryptable message or a remote error report.
	Corrupted func(err error)

	Log         slog.Logger
	LogPayloads slog.Logger

	// CompressLevel is the zlib level for channel messages. Zero
	// selects the default level.
	CompressLevel int

	AckRetryInterval time.Duration
	MaxTries         int
}

// Channel is the end to end encrypted control channel to one remote
// participant.
//
// Exactly one of the two participants starts the handshake: the one whose
// id sorts lexicographically lower. Both sides compute this on their own,
// so no negotiation happens on the wire.
type Channel struct {
	log         slog.Logger
	logPayloads slog.Logger

	local  *mcidentity.FullIdentity
	remote mcidentity.PublicIdentity

	send        func(blob []byte) error
	keyReceived func(ki KeyInfo)
	established func()
	corrupted   func(err error)

	compressLevel int
	retryInterval time.Duration
	maxTries      int

	mtx         sync.Mutex
	state       State
	kxRatchet   *ratchet.Ratchet
	kxCipher    []byte
	sessionID   string
	crypto      SessionCrypto
	pendingKeys map[uint64]chan error
}

// sessionDigest derives the id both ends use for one pairwise session, the
// blake256 of the fingerprints and KEM ciphertexts of the exchange,
// initiator side first.
func sessionDigest(initFP, respFP mcidentity.Fingerprint, initCipher, respCipher []byte) string {
	d := blake256.New()
	d.Write(initFP[:])
	d.Write(respFP[:])
	d.Write(initCipher)
	d.Write(respCipher)
	return hex.EncodeToString(d.Sum(nil)[:8])
}

// NewChannel returns a channel in the no session state.
func NewChannel(cfg Config) *Channel {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	logPayloads := cfg.LogPayloads
	if logPayloads == nil {
		logPayloads = slog.Disabled
	}
	compressLevel := cfg.CompressLevel
	if compressLevel == 0 {
		compressLevel = zlib.DefaultCompression
	}
	retryInterval := cfg.AckRetryInterval
	if retryInterval <= 0 {
		retryInterval = DefaultAckRetryInterval
	}
	maxTries := cfg.MaxTries
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	return &Channel{
		log:           log,
		logPayloads:   logPayloads,
		local:         cfg.Local,
		remote:        cfg.Remote,
		send:          cfg.Send,
		keyReceived:   cfg.KeyReceived,
		established:   cfg.Established,
		corrupted:     cfg.Corrupted,
		compressLevel: compressLevel,
		retryInterval: retryInterval,
		maxTries:      maxTries,
		pendingKeys:   make(map[uint64]chan error),
	}
}

// RemoteID returns the id of the peer this channel talks to.
func (c *Channel) RemoteID() string {
	return c.remote.ID
}

// Initiator reports whether the local side is the one that starts the
// handshake.
func (c *Channel) Initiator() bool {
	return c.local.Public.ID < c.remote.ID
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// SessionID returns the id of the established pairwise session, empty while
// no session exists. Both ends derive the same id.
func (c *Channel) SessionID() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sessionID
}

// Start begins the handshake when the local side is the initiator. The
// responder side does nothing until a SessionInit arrives. Calling Start on
// a channel that is already negotiating or established is a no-op, so the
// orchestrator may call it liberally.
func (c *Channel) Start() error {
	c.mtx.Lock()
	if c.state == StateClosed {
		c.mtx.Unlock()
		return ErrChannelClosed
	}
	if c.state != StateNoSession {
		c.mtx.Unlock()
		return nil
	}
	if !c.Initiator() {
		c.mtx.Unlock()
		c.log.Debugf("Waiting for session init from %s", c.remote.ID)
		return nil
	}

	r := ratchet.New(rand.Reader)
	r.MyPrivateKey = &c.local.PrivateKey
	r.TheirPublicKey = &c.remote.Key
	hkx := new(ratchet.KeyExchange)
	if err := r.FillKeyExchange(hkx); err != nil {
		c.mtx.Unlock()
		return err
	}
	c.kxRatchet = r
	c.kxCipher = hkx.Cipher
	c.state = StateInitiating
	c.mtx.Unlock()

	blob, err := c.sealHandshakeMsg(0, SessionInit{
		Public: c.local.Public,
		HalfKX: *hkx,
	})
	if err != nil {
		return err
	}
	c.log.Infof("Initiating secure channel with %s", c.remote.ID)
	return c.send(blob)
}

// SendKey delivers one media key slot to the remote participant and waits
// for the ack. Each retry reseals the message so the ratchet stays usable
// when earlier copies were lost in transit. Exhausting the retries returns
// ErrKeyDistributionTimeout.
func (c *Channel) SendKey(ctx context.Context, keyIndex int, key *mcidentity.MediaKey) error {
	tag := mustRandomUint64()
	replyChan := make(chan error, 1)
	ki := KeyInfo{KeyIndex: keyIndex, Key: *key}

	plain, err := composeMsg(tag, ki, c.compressLevel)
	if err != nil {
		return err
	}

	c.mtx.Lock()
	if c.state != StateEstablished {
		c.mtx.Unlock()
		return ErrNotEstablished
	}
	c.pendingKeys[tag] = replyChan
	c.mtx.Unlock()

	c.tracePayload("Sending", ki)

	for try := 0; try < c.maxTries; try++ {
		c.mtx.Lock()
		if c.state != StateEstablished {
			delete(c.pendingKeys, tag)
			c.mtx.Unlock()
			return ErrNotEstablished
		}
		sealed, err := c.crypto.Encrypt(nil, plain)
		c.mtx.Unlock()
		if err != nil {
			c.removePending(tag, replyChan)
			return err
		}

		if err := c.send(append([]byte{blobRatchet}, sealed...)); err != nil {
			c.removePending(tag, replyChan)
			return err
		}

		select {
		case err := <-replyChan:
			// The handler already removed the pending entry.
			return err
		case <-time.After(c.retryInterval):
			c.log.Debugf("Resending key info %d to %s (attempt %d)",
				keyIndex, c.remote.ID, try+2)
		case <-ctx.Done():
			c.removePending(tag, replyChan)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v",
					ErrKeyDistributionTimeout, ctx.Err())
			}
			return ctx.Err()
		}
	}

	c.removePending(tag, replyChan)
	return ErrKeyDistributionTimeout
}

// Reset drops the pairwise session and returns the channel to the no
// session state so a later Start can negotiate a fresh one. Pending key
// deliveries fail with ErrNotEstablished. Used when the orchestrator clears
// sessions without forgetting the participant.
func (c *Channel) Reset() {
	c.mtx.Lock()
	if c.state != StateClosed {
		c.crypto = nil
		c.kxRatchet = nil
		c.kxCipher = nil
		c.sessionID = ""
		c.state = StateNoSession
		c.failPendingLocked(ErrNotEstablished)
	}
	c.mtx.Unlock()
}

// Close permanently shuts the channel down. Pending key deliveries fail
// with ErrChannelClosed.
func (c *Channel) Close() {
	c.mtx.Lock()
	c.failPendingLocked(ErrChannelClosed)
	c.crypto = nil
	c.kxRatchet = nil
	c.kxCipher = nil
	c.sessionID = ""
	c.state = StateClosed
	c.mtx.Unlock()
}

// HandleBlob processes one blob addressed to this channel from the
// signaling path.
func (c *Channel) HandleBlob(blob []byte) error {
	if len(blob) < 1 {
		return ErrInvalidHandshake
	}
	switch blob[0] {
	case blobHandshake:
		return c.handleHandshakeBlob(blob[1:])
	case blobRatchet:
		return c.handleRatchetBlob(blob[1:])
	default:
		return fmt.Errorf("unknown blob type %#x", blob[0])
	}
}

func (c *Channel) handleHandshakeBlob(body []byte) error {
	plain, err := openHandshake(body, &c.local.PrivateKey)
	if err != nil {
		return err
	}
	_, payload, err := decomposeMsg(plain)
	if err != nil {
		return err
	}
	c.tracePayload("Received", payload)

	switch p := payload.(type) {
	case SessionInit:
		return c.handleSessionInit(p)
	case SessionAck:
		return c.handleSessionAck(p)
	case ChannelError:
		return c.handleRemoteError(p)
	default:
		return fmt.Errorf("unexpected handshake payload %T", payload)
	}
}

func (c *Channel) handleSessionInit(init SessionInit) error {
	if err := c.verifyRemote(&init.Public); err != nil {
		return err
	}
	if c.Initiator() {
		// Both sides cannot initiate. The tie break says we do, so
		// the remote must answer our init instead.
		c.log.Warnf("Dropping session init from %s, local side initiates",
			c.remote.ID)
		return nil
	}

	r := ratchet.New(rand.Reader)
	r.MyPrivateKey = &c.local.PrivateKey
	r.TheirPublicKey = &c.remote.Key
	fkx := new(ratchet.KeyExchange)
	if err := r.FillKeyExchange(fkx); err != nil {
		return err
	}
	if err := r.CompleteKeyExchange(&init.HalfKX, false); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}

	sid := sessionDigest(init.Public.Fingerprint, c.local.Public.Fingerprint,
		init.HalfKX.Cipher, fkx.Cipher)

	c.mtx.Lock()
	if c.state == StateClosed {
		c.mtx.Unlock()
		return ErrChannelClosed
	}
	if c.state == StateEstablished {
		// The remote side lost its session and is starting over.
		c.log.Infof("Remote %s restarted the handshake", c.remote.ID)
		c.failPendingLocked(ErrNotEstablished)
	}
	c.crypto = r
	c.kxRatchet = nil
	c.kxCipher = nil
	c.sessionID = sid
	c.state = StateEstablished
	c.mtx.Unlock()

	blob, err := c.sealHandshakeMsg(0, SessionAck{
		Public: c.local.Public,
		FullKX: *fkx,
	})
	if err != nil {
		return err
	}
	if err := c.send(blob); err != nil {
		return err
	}

	c.log.Infof("Established secure channel %s with %s (responder)",
		sid, c.remote.ID)
	if c.established != nil {
		c.established()
	}
	return nil
}

func (c *Channel) handleSessionAck(ack SessionAck) error {
	if err := c.verifyRemote(&ack.Public); err != nil {
		return err
	}

	c.mtx.Lock()
	if c.state != StateInitiating || c.kxRatchet == nil {
		c.mtx.Unlock()
		c.log.Debugf("Ignoring unexpected session ack from %s", c.remote.ID)
		return nil
	}
	r := c.kxRatchet
	if err := r.CompleteKeyExchange(&ack.FullKX, true); err != nil {
		c.kxRatchet = nil
		c.kxCipher = nil
		c.state = StateNoSession
		c.mtx.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	sid := sessionDigest(c.local.Public.Fingerprint, ack.Public.Fingerprint,
		c.kxCipher, ack.FullKX.Cipher)
	c.crypto = r
	c.kxRatchet = nil
	c.kxCipher = nil
	c.sessionID = sid
	c.state = StateEstablished
	c.mtx.Unlock()

	c.log.Infof("Established secure channel %s with %s (initiator)",
		sid, c.remote.ID)
	if c.established != nil {
		c.established()
	}
	return nil
}

func (c *Channel) handleRemoteError(ce ChannelError) error {
	c.log.Warnf("Remote %s reported channel error: %q", c.remote.ID, ce.Error)

	c.mtx.Lock()
	if c.state == StateClosed {
		c.mtx.Unlock()
		return nil
	}
	c.teardownLocked()
	c.mtx.Unlock()

	if c.corrupted != nil {
		c.corrupted(ErrChannelCorrupted)
	}
	return nil
}

func (c *Channel) handleRatchetBlob(body []byte) error {
	c.mtx.Lock()
	if c.state != StateEstablished {
		state := c.state
		c.mtx.Unlock()
		c.log.Debugf("Dropping ratchet blob from %s in state %s",
			c.remote.ID, state)
		return nil
	}

	plain, err := c.crypto.Decrypt(body)
	if err != nil {
		if errors.Is(err, ratchet.ErrDuplicateOrDelayed) {
			c.mtx.Unlock()
			c.log.Debugf("Dropping retransmitted blob from %s", c.remote.ID)
			return nil
		}

		// The pairwise session is beyond repair. Destroy it and tell
		// the remote side so both ends negotiate a fresh one.
		c.teardownLocked()
		c.mtx.Unlock()

		c.log.Errorf("Destroying corrupted channel with %s: %v",
			c.remote.ID, err)
		if blob, cErr := c.sealHandshakeMsg(0, ChannelError{Error: err.Error()}); cErr == nil {
			if sendErr := c.send(blob); sendErr != nil {
				c.log.Debugf("Unable to report channel error to %s: %v",
					c.remote.ID, sendErr)
			}
		}
		if c.corrupted != nil {
			c.corrupted(ErrChannelCorrupted)
		}
		return ErrChannelCorrupted
	}

	h, payload, err := decomposeMsg(plain)
	if err != nil {
		c.mtx.Unlock()
		return err
	}

	switch p := payload.(type) {
	case KeyInfo:
		// Seal the ack under the same lock hold so concurrent sends
		// never interleave ratchet state.
		ack, err := composeMsg(h.Tag, KeyInfoAck{KeyIndex: p.KeyIndex}, c.compressLevel)
		if err != nil {
			c.mtx.Unlock()
			return err
		}
		sealed, err := c.crypto.Encrypt(nil, ack)
		c.mtx.Unlock()
		if err != nil {
			return err
		}

		c.tracePayload("Received", p)
		if err := c.send(append([]byte{blobRatchet}, sealed...)); err != nil {
			c.log.Debugf("Unable to ack key info to %s: %v",
				c.remote.ID, err)
		}
		if c.keyReceived != nil {
			c.keyReceived(p)
		}
		return nil

	case KeyInfoAck:
		replyChan, ok := c.pendingKeys[h.Tag]
		if ok {
			delete(c.pendingKeys, h.Tag)
		}
		c.mtx.Unlock()

		c.tracePayload("Received", p)
		if !ok {
			// Likely the ack of a retransmission that was already
			// matched. Ignore it.
			c.log.Debugf("Ignoring unmatched key ack tag %d from %s",
				h.Tag, c.remote.ID)
			return nil
		}
		replyChan <- nil
		return nil

	case ChannelError:
		c.teardownLocked()
		c.mtx.Unlock()
		c.log.Warnf("Remote %s destroyed the channel: %q", c.remote.ID, p.Error)
		if c.corrupted != nil {
			c.corrupted(ErrChannelCorrupted)
		}
		return nil

	default:
		c.mtx.Unlock()
		return fmt.Errorf("unexpected channel payload %T", payload)
	}
}

// verifyRemote checks a handshake identity against the expected remote.
func (c *Channel) verifyRemote(pi *mcidentity.PublicIdentity) error {
	if !pi.Verify() {
		return ErrInvalidHandshake
	}
	if pi.Fingerprint != c.remote.Fingerprint {
		return ErrWrongIdentity
	}
	return nil
}

// teardownLocked destroys the pairwise session. Caller holds the mutex.
func (c *Channel) teardownLocked() {
	c.crypto = nil
	c.kxRatchet = nil
	c.kxCipher = nil
	c.sessionID = ""
	c.state = StateNoSession
	c.failPendingLocked(ErrChannelCorrupted)
}

func (c *Channel) failPendingLocked(err error) {
	for tag, ch := range c.pendingKeys {
		ch <- err
		delete(c.pendingKeys, tag)
	}
}

func (c *Channel) removePending(tag uint64, replyChan chan error) {
	c.mtx.Lock()
	if c.pendingKeys[tag] == replyChan {
		delete(c.pendingKeys, tag)
	}
	c.mtx.Unlock()
}

func (c *Channel) sealHandshakeMsg(tag uint64, msg interface{}) ([]byte, error) {
	c.tracePayload("Sending", msg)
	plain, err := composeMsg(tag, msg, c.compressLevel)
	if err != nil {
		return nil, err
	}
	return sealHandshake(plain, &c.remote.Key)
}

func (c *Channel) tracePayload(verb string, payload interface{}) {
	if c.logPayloads.Level() <= slog.LevelTrace {
		c.logPayloads.Tracef("%s %s", verb,
			strings.TrimSpace(spew.Sdump(payload)))
	} else {
		c.logPayloads.Debugf("%s %T", verb, payload)
	}
}

func mustRandomUint64() uint64 {
	var b [8]byte
	n, err := rand.Read(b[:])
	if n != 8 {
		panic("crypto reader read too few bytes")
	}
	if err != nil {
		panic("crypto reader panicked")
	}
	return binary.LittleEndian.Uint64(b[:])
}
