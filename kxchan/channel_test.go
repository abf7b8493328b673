package kxchan

import (
	"compress/zlib"
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/mediacrypt/internal/assert"
	"github.com/companyzero/mediacrypt/mcidentity"
	"github.com/companyzero/mediacrypt/ratchet"
)

// testLink delivers blobs to the peer channel inline, with optional drops.
// Setting manual stops delivery so tests can inspect and replay raw blobs.
type testLink struct {
	mtx      sync.Mutex
	peer     *Channel
	dropNext int
	manual   bool
	sent     [][]byte
}

func (l *testLink) Send(blob []byte) error {
	l.mtx.Lock()
	l.sent = append(l.sent, append([]byte(nil), blob...))
	if l.dropNext > 0 {
		l.dropNext--
		l.mtx.Unlock()
		return nil
	}
	manual, peer := l.manual, l.peer
	l.mtx.Unlock()
	if manual || peer == nil {
		return nil
	}
	// Delivery failures surface through channel state, not the send path.
	_ = peer.HandleBlob(blob)
	return nil
}

func (l *testLink) drop(n int) {
	l.mtx.Lock()
	l.dropNext = n
	l.mtx.Unlock()
}

func (l *testLink) take(t *testing.T) []byte {
	t.Helper()
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if len(l.sent) == 0 {
		t.Fatal("no blob was sent")
	}
	blob := l.sent[0]
	l.sent = l.sent[1:]
	return blob
}

func (l *testLink) sentCount() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.sent)
}

type testPair struct {
	aliceID, bobID *mcidentity.FullIdentity
	alice, bob     *Channel
	toBob, toAlice *testLink

	aliceKeys, bobKeys       chan KeyInfo
	aliceUp, bobUp           chan struct{}
	aliceCorrupt, bobCorrupt chan error
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()
	p := &testPair{
		aliceID:      mcidentity.MustNew("alice"),
		bobID:        mcidentity.MustNew("bob"),
		toBob:        &testLink{},
		toAlice:      &testLink{},
		aliceKeys:    make(chan KeyInfo, 8),
		bobKeys:      make(chan KeyInfo, 8),
		aliceUp:      make(chan struct{}, 8),
		bobUp:        make(chan struct{}, 8),
		aliceCorrupt: make(chan error, 8),
		bobCorrupt:   make(chan error, 8),
	}
	p.alice = NewChannel(Config{
		Local:            p.aliceID,
		Remote:           p.bobID.Public,
		Send:             p.toBob.Send,
		KeyReceived:      func(ki KeyInfo) { p.aliceKeys <- ki },
		Established:      func() { p.aliceUp <- struct{}{} },
		Corrupted:        func(err error) { p.aliceCorrupt <- err },
		AckRetryInterval: 25 * time.Millisecond,
		MaxTries:         3,
	})
	p.bob = NewChannel(Config{
		Local:            p.bobID,
		Remote:           p.aliceID.Public,
		Send:             p.toAlice.Send,
		KeyReceived:      func(ki KeyInfo) { p.bobKeys <- ki },
		Established:      func() { p.bobUp <- struct{}{} },
		Corrupted:        func(err error) { p.bobCorrupt <- err },
		AckRetryInterval: 25 * time.Millisecond,
		MaxTries:         3,
	})
	p.toBob.peer = p.bob
	p.toAlice.peer = p.alice
	return p
}

// establish runs the full handshake. Delivery is inline, so both sides are
// established once Start returns.
func (p *testPair) establish(t *testing.T) {
	t.Helper()
	assert.NilErr(t, p.bob.Start())
	assert.NilErr(t, p.alice.Start())
	if s := p.alice.State(); s != StateEstablished {
		t.Fatalf("alice state %s, want %s", s, StateEstablished)
	}
	if s := p.bob.State(); s != StateEstablished {
		t.Fatalf("bob state %s, want %s", s, StateEstablished)
	}
	assert.ChanWritten(t, p.aliceUp)
	assert.ChanWritten(t, p.bobUp)
}

func TestHandshakeTieBreak(t *testing.T) {
	p := newTestPair(t)

	assert.BoolIs(t, p.alice.Initiator(), true)
	assert.BoolIs(t, p.bob.Initiator(), false)

	// The responder side starting first must not touch the wire.
	assert.NilErr(t, p.bob.Start())
	if s := p.bob.State(); s != StateNoSession {
		t.Fatalf("bob state %s, want %s", s, StateNoSession)
	}
	if n := p.toAlice.sentCount(); n != 0 {
		t.Fatalf("responder sent %d blobs before the init", n)
	}

	p.establish(t)

	// Starting again on either side is a no-op.
	assert.NilErr(t, p.alice.Start())
	assert.NilErr(t, p.bob.Start())
	assert.ChanNotWritten(t, p.aliceUp, 10*time.Millisecond)
}

func TestSessionID(t *testing.T) {
	p := newTestPair(t)
	if id := p.alice.SessionID(); id != "" {
		t.Fatalf("session id %q before establishment", id)
	}

	p.establish(t)

	// Both ends derive the same id from the handshake transcript.
	id := p.alice.SessionID()
	if id == "" {
		t.Fatal("no session id after establishment")
	}
	if bobID := p.bob.SessionID(); bobID != id {
		t.Fatalf("session ids differ: alice %q, bob %q", id, bobID)
	}

	// A new handshake produces a new id.
	p.alice.Reset()
	p.bob.Reset()
	if got := p.alice.SessionID(); got != "" {
		t.Fatalf("session id %q after reset", got)
	}
	assert.NilErr(t, p.alice.Start())
	assert.ChanWritten(t, p.aliceUp)
	assert.ChanWritten(t, p.bobUp)
	id2 := p.alice.SessionID()
	if id2 == "" || id2 == id {
		t.Fatalf("second session id %q, first was %q", id2, id)
	}
	if bobID := p.bob.SessionID(); bobID != id2 {
		t.Fatalf("session ids differ: alice %q, bob %q", id2, bobID)
	}
}

func TestHandshakeInitFromResponderDropped(t *testing.T) {
	p := newTestPair(t)

	// Craft an init as if bob had wrongly decided to initiate. Alice must
	// drop it and keep waiting for the ack of her own init.
	r := ratchet.New(rand.Reader)
	r.MyPrivateKey = &p.bobID.PrivateKey
	r.TheirPublicKey = &p.aliceID.Public.Key
	hkx := new(ratchet.KeyExchange)
	assert.NilErr(t, r.FillKeyExchange(hkx))
	plain, err := composeMsg(0, SessionInit{
		Public: p.bobID.Public,
		HalfKX: *hkx,
	}, zlib.DefaultCompression)
	assert.NilErr(t, err)
	blob, err := sealHandshake(plain, &p.aliceID.Public.Key)
	assert.NilErr(t, err)

	assert.NilErr(t, p.alice.HandleBlob(blob))
	if s := p.alice.State(); s != StateNoSession {
		t.Fatalf("alice state %s, want %s", s, StateNoSession)
	}
	assert.ChanNotWritten(t, p.aliceUp, 10*time.Millisecond)
}

func TestWrongIdentityRejected(t *testing.T) {
	p := newTestPair(t)

	// Anna sorts below bob, so she initiates toward him. Bob expects
	// alice and must reject her init outright.
	annaID := mcidentity.MustNew("anna")
	annaLink := &testLink{manual: true}
	anna := NewChannel(Config{
		Local:  annaID,
		Remote: p.bobID.Public,
		Send:   annaLink.Send,
	})
	assert.NilErr(t, anna.Start())

	err := p.bob.HandleBlob(annaLink.take(t))
	assert.ErrorIs(t, err, ErrWrongIdentity)
	if s := p.bob.State(); s != StateNoSession {
		t.Fatalf("bob state %s, want %s", s, StateNoSession)
	}
}

func TestKeyDelivery(t *testing.T) {
	p := newTestPair(t)
	p.establish(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := mcidentity.NewMediaKey()
	assert.NilErr(t, p.alice.SendKey(ctx, 3, key))
	ki := assert.ChanWritten(t, p.bobKeys)
	if ki.KeyIndex != 3 {
		t.Fatalf("key index %d, want 3", ki.KeyIndex)
	}
	assert.DeepEqual(t, ki.Key, *key)

	// The channel works in both directions.
	key2 := mcidentity.NewMediaKey()
	assert.NilErr(t, p.bob.SendKey(ctx, 0, key2))
	ki = assert.ChanWritten(t, p.aliceKeys)
	if ki.KeyIndex != 0 {
		t.Fatalf("key index %d, want 0", ki.KeyIndex)
	}
	assert.DeepEqual(t, ki.Key, *key2)
}

func TestKeyDeliveryRetries(t *testing.T) {
	p := newTestPair(t)
	p.establish(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Losing the first copy only delays delivery. The resend is sealed
	// fresh so the receiving ratchet accepts it.
	p.toBob.drop(1)
	key := mcidentity.NewMediaKey()
	assert.NilErr(t, p.alice.SendKey(ctx, 1, key))
	ki := assert.ChanWritten(t, p.bobKeys)
	assert.DeepEqual(t, ki.Key, *key)
}

func TestKeyDeliveryTimeout(t *testing.T) {
	p := newTestPair(t)
	p.establish(t)

	p.toBob.drop(100)
	key := mcidentity.NewMediaKey()
	err := p.alice.SendKey(context.Background(), 1, key)
	assert.ErrorIs(t, err, ErrKeyDistributionTimeout)

	p.alice.mtx.Lock()
	pending := len(p.alice.pendingKeys)
	p.alice.mtx.Unlock()
	if pending != 0 {
		t.Fatalf("%d pending keys after timeout", pending)
	}

	// A deadline shorter than the retry schedule reports the same error.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = p.alice.SendKey(ctx, 1, key)
	assert.ErrorIs(t, err, ErrKeyDistributionTimeout)
}

func TestKeyBeforeEstablished(t *testing.T) {
	p := newTestPair(t)
	key := mcidentity.NewMediaKey()
	err := p.alice.SendKey(context.Background(), 0, key)
	assert.ErrorIs(t, err, ErrNotEstablished)
}

func TestRetransmitTolerated(t *testing.T) {
	p := newTestPair(t)
	p.establish(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := mcidentity.NewMediaKey()
	assert.NilErr(t, p.alice.SendKey(ctx, 2, key))
	assert.ChanWritten(t, p.bobKeys)

	// Replaying the exact key info blob must neither corrupt the session
	// nor deliver the key twice.
	var blob []byte
	p.toBob.mtx.Lock()
	for _, b := range p.toBob.sent {
		if b[0] == blobRatchet {
			blob = b
		}
	}
	p.toBob.mtx.Unlock()
	if blob == nil {
		t.Fatal("no ratchet blob recorded")
	}
	assert.NilErr(t, p.bob.HandleBlob(blob))
	if s := p.bob.State(); s != StateEstablished {
		t.Fatalf("bob state %s, want %s", s, StateEstablished)
	}
	assert.ChanNotWritten(t, p.bobKeys, 10*time.Millisecond)
}

func TestUnmatchedAckIgnored(t *testing.T) {
	p := newTestPair(t)
	p.establish(t)

	// An ack with a tag nothing is waiting for is dropped.
	ack, err := composeMsg(0xdeadbeef, KeyInfoAck{KeyIndex: 0}, zlib.DefaultCompression)
	assert.NilErr(t, err)
	sealed, err := p.bob.crypto.Encrypt(nil, ack)
	assert.NilErr(t, err)
	assert.NilErr(t, p.alice.HandleBlob(append([]byte{blobRatchet}, sealed...)))
	if s := p.alice.State(); s != StateEstablished {
		t.Fatalf("alice state %s, want %s", s, StateEstablished)
	}
}

func TestCorruptedChannel(t *testing.T) {
	p := newTestPair(t)
	p.establish(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A ratchet blob that cannot be decrypted destroys the session on
	// both ends. The remote learns about it through the error message.
	garbage := append([]byte{blobRatchet}, make([]byte, 200)...)
	err := p.alice.HandleBlob(garbage)
	assert.ErrorIs(t, err, ErrChannelCorrupted)

	corrErr := assert.ChanWritten(t, p.aliceCorrupt)
	assert.ErrorIs(t, corrErr, ErrChannelCorrupted)
	corrErr = assert.ChanWritten(t, p.bobCorrupt)
	assert.ErrorIs(t, corrErr, ErrChannelCorrupted)
	if s := p.alice.State(); s != StateNoSession {
		t.Fatalf("alice state %s, want %s", s, StateNoSession)
	}
	if s := p.bob.State(); s != StateNoSession {
		t.Fatalf("bob state %s, want %s", s, StateNoSession)
	}

	// The initiator can bring the channel back up.
	assert.NilErr(t, p.alice.Start())
	assert.ChanWritten(t, p.aliceUp)
	assert.ChanWritten(t, p.bobUp)
	key := mcidentity.NewMediaKey()
	assert.NilErr(t, p.alice.SendKey(ctx, 0, key))
	ki := assert.ChanWritten(t, p.bobKeys)
	assert.DeepEqual(t, ki.Key, *key)
}

func TestCorruptionFailsPendingSends(t *testing.T) {
	p := newTestPair(t)
	p.establish(t)

	// Sends blocked on an ack fail as soon as the session dies.
	p.toBob.drop(100)
	errChan := make(chan error, 1)
	go func() {
		errChan <- p.alice.SendKey(context.Background(), 1, mcidentity.NewMediaKey())
	}()
	time.Sleep(10 * time.Millisecond)

	garbage := append([]byte{blobRatchet}, make([]byte, 200)...)
	err := p.alice.HandleBlob(garbage)
	assert.ErrorIs(t, err, ErrChannelCorrupted)

	err = assert.ChanWritten(t, errChan)
	assert.ErrorIs(t, err, ErrChannelCorrupted)
}

func TestHandshakeRestart(t *testing.T) {
	p := newTestPair(t)
	p.establish(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Alice loses her session. Her new init replaces bob's established
	// one instead of being rejected.
	p.alice.mtx.Lock()
	p.alice.teardownLocked()
	p.alice.mtx.Unlock()

	assert.NilErr(t, p.alice.Start())
	assert.ChanWritten(t, p.aliceUp)
	assert.ChanWritten(t, p.bobUp)
	if s := p.bob.State(); s != StateEstablished {
		t.Fatalf("bob state %s, want %s", s, StateEstablished)
	}

	key := mcidentity.NewMediaKey()
	assert.NilErr(t, p.alice.SendKey(ctx, 0, key))
	ki := assert.ChanWritten(t, p.bobKeys)
	assert.DeepEqual(t, ki.Key, *key)
}

func TestResetChannel(t *testing.T) {
	p := newTestPair(t)
	p.establish(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Reset clears the session on both ends without closing the channels.
	p.alice.Reset()
	p.bob.Reset()
	if s := p.alice.State(); s != StateNoSession {
		t.Fatalf("alice state %s, want %s", s, StateNoSession)
	}
	err := p.alice.SendKey(ctx, 0, mcidentity.NewMediaKey())
	assert.ErrorIs(t, err, ErrNotEstablished)

	// A fresh handshake brings the pair back.
	assert.NilErr(t, p.alice.Start())
	assert.ChanWritten(t, p.aliceUp)
	assert.ChanWritten(t, p.bobUp)
	key := mcidentity.NewMediaKey()
	assert.NilErr(t, p.alice.SendKey(ctx, 1, key))
	ki := assert.ChanWritten(t, p.bobKeys)
	assert.DeepEqual(t, ki.Key, *key)
}

func TestClosedChannel(t *testing.T) {
	p := newTestPair(t)
	p.establish(t)

	p.alice.Close()
	if s := p.alice.State(); s != StateClosed {
		t.Fatalf("alice state %s, want %s", s, StateClosed)
	}
	assert.ErrorIs(t, p.alice.Start(), ErrChannelClosed)
	err := p.alice.SendKey(context.Background(), 0, mcidentity.NewMediaKey())
	assert.ErrorIs(t, err, ErrNotEstablished)

	// Blobs arriving after the close are dropped without effect.
	garbage := append([]byte{blobRatchet}, make([]byte, 200)...)
	assert.NilErr(t, p.alice.HandleBlob(garbage))
	assert.ChanNotWritten(t, p.aliceCorrupt, 10*time.Millisecond)
}
