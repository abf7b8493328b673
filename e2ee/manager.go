// Package e2ee orchestrates end to end encryption for a multi party media
// conference. A Manager owns the local participant's media key, a pairwise
// secure channel to every remote participant for key exchange, and the
// transform coordinator the media path runs frames through.
//
// Key policy: enabling generates a fresh random key. A participant joining
// ratchets the key one generation forward, which costs no round trip with
// existing peers beyond a key-info. A participant leaving rotates to a brand
// new random key on the next ring slot, so the key the departed participant
// held can never decrypt later media.
package e2ee

import (
	"context"
	"errors"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/companyzero/mediacrypt/framecrypt"
	"github.com/companyzero/mediacrypt/kxchan"
	"github.com/companyzero/mediacrypt/mcidentity"
	"github.com/companyzero/mediacrypt/xform"
)

// MessageSender is the signature for the outbound half of the signaling
// boundary. It delivers one opaque payload to one participant, best effort.
type MessageSender func(participant string, payload []byte) error

// participant is the bookkeeping record of one remote participant. Records
// live in an append only arena addressed by a stable handle, the id string
// is only a lookup key.
type participant struct {
	handle uint32
	id     string
	pub    mcidentity.PublicIdentity
	ch     *kxchan.Channel

	// up mirrors whether the pairwise channel is established, so the
	// gauge moves exactly once per transition. Guarded by Manager.mtx.
	up bool

	// sentEpoch is the newest key epoch this participant acked. Guarded
	// by Manager.mtx.
	sentEpoch uint64
}

// Manager is the key orchestrator of one conference participant.
type Manager struct {
	cfg   config
	log   slog.Logger
	local *mcidentity.FullIdentity
	send  MessageSender

	coord *xform.Coordinator
	stats *stats

	// distributeChan wakes the key distribution loop. Capacity one, so
	// wake ups coalesce.
	distributeChan chan struct{}

	mtx     sync.Mutex
	enabled bool

	// epoch counts local key changes. A participant whose sentEpoch lags
	// is owed a key-info.
	epoch    uint64
	keyIndex int
	key      *mcidentity.MediaKey

	parts   map[string]uint32
	arena   []*participant
	members *roaring.Bitmap
}

// New returns a manager for the local identity. Outbound signaling payloads
// go through send. Encryption starts disabled, frames pass through
// unmodified until Enable.
func New(local *mcidentity.FullIdentity, send MessageSender, opts ...Option) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Manager{
		cfg:            cfg,
		log:            cfg.log,
		local:          local,
		send:           send,
		stats:          newStats(),
		distributeChan: make(chan struct{}, 1),
		parts:          make(map[string]uint32),
		members:        roaring.New(),
	}
	m.coord = xform.New(xform.Config{
		Log: cfg.log,
		Context: framecrypt.ContextConfig{
			RingSize:         cfg.ringSize,
			RatchetWindow:    cfg.ratchetWindow,
			Prefix:           cfg.prefix,
			ReplayProtection: cfg.replayProtection,
		},
		EncodedCallback: func(n int) {
			m.stats.framesEncrypted.Inc()
			m.stats.bytesEncryptedAtomic.Add(uint64(n))
		},
		DecodedCallback: func(n int) {
			m.stats.framesDecrypted.Inc()
			m.stats.bytesDecryptedAtomic.Add(uint64(n))
		},
		DroppedCallback: func(participant string, err error) {
			m.stats.framesDropped.Inc()
			m.stats.framesDroppedAtomic.Add(1)
			m.log.Tracef("Dropped frame of %q: %v", participant, err)
		},
	})
	return m
}

// LocalID returns the local participant id.
func (m *Manager) LocalID() string {
	return m.local.Public.ID
}

// Coordinator returns the transform coordinator the media path wires its
// streams through.
func (m *Manager) Coordinator() *xform.Coordinator {
	return m.coord
}

// HandleSender wires the local participant's encode transform to one
// outgoing media stream.
func (m *Manager) HandleSender(kind framecrypt.MediaKind, frames <-chan *framecrypt.Frame, sink xform.FrameSink) *xform.Stream {
	return m.coord.HandleSender(m.local.Public.ID, kind, frames, sink)
}

// HandleReceiver wires the remote participant's decode transform to one
// incoming media stream.
func (m *Manager) HandleReceiver(participant string, kind framecrypt.MediaKind, frames <-chan *framecrypt.Frame, sink xform.FrameSink) *xform.Stream {
	return m.coord.HandleReceiver(participant, kind, frames, sink)
}

// Enabled returns whether end to end encryption is on.
func (m *Manager) Enabled() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.enabled
}

// Enable turns end to end encryption on: probe platform support, generate
// the first local key and initiate pairwise sessions with every known
// participant. Key distribution happens in the background as sessions
// establish, driven by the Run loop.
func (m *Manager) Enable() error {
	if err := CheckSupport(); err != nil {
		return err
	}

	m.mtx.Lock()
	if m.enabled {
		m.mtx.Unlock()
		return nil
	}
	m.enabled = true
	m.key = mcidentity.NewMediaKey()
	m.keyIndex = 0
	m.epoch++
	if err := m.coord.SetKey(m.local.Public.ID, m.keyIndex, m.key); err != nil {
		m.enabled = false
		m.key = nil
		m.mtx.Unlock()
		return err
	}
	peers := m.livePeersLocked()
	m.mtx.Unlock()

	m.coord.SetEnabled(true)
	m.log.Infof("Enabled end to end encryption with %d known participants",
		len(peers))

	for _, p := range peers {
		m.startChannel(p)
	}
	m.wakeDistributor()
	return nil
}

// Disable turns end to end encryption off: all frame transforms become the
// identity function, every crypto context is zeroed and every pairwise
// session is dropped. Participants stay known, so a later Enable renegotiates
// sessions from scratch.
func (m *Manager) Disable() {
	m.mtx.Lock()
	if !m.enabled {
		m.mtx.Unlock()
		return
	}
	m.enabled = false
	m.key = nil
	peers := m.livePeersLocked()
	for _, p := range peers {
		p.sentEpoch = 0
		if p.up {
			p.up = false
			m.stats.channelsEstablished.Dec()
		}
	}
	m.mtx.Unlock()

	m.coord.SetEnabled(false)
	m.coord.CleanupAll()
	for _, p := range peers {
		p.ch.Reset()
	}
	m.log.Infof("Disabled end to end encryption")
}

// OnParticipantJoined adds a remote participant with the identity supplied
// by the membership layer. While enabled, the local key ratchets one
// generation forward and the new state is distributed to everyone.
func (m *Manager) OnParticipantJoined(id string, pub mcidentity.PublicIdentity) error {
	m.mtx.Lock()
	if _, ok := m.parts[id]; ok {
		m.mtx.Unlock()
		m.log.Debugf("Participant %q joined again, ignoring", id)
		return nil
	}
	p := &participant{
		handle: uint32(len(m.arena)),
		id:     id,
		pub:    pub,
	}
	p.ch = m.newChannel(p)
	m.arena = append(m.arena, p)
	m.parts[id] = p.handle
	m.members.Add(p.handle)
	known := m.members.GetCardinality()
	enabled := m.enabled
	if enabled {
		m.ratchetKeyLocked()
	}
	m.mtx.Unlock()

	m.stats.participants.Inc()
	m.log.Infof("Participant %q joined (%d known)", id, known)

	if !enabled {
		return nil
	}
	m.startChannel(p)
	m.wakeDistributor()
	return nil
}

// OnParticipantLeft removes a remote participant. While enabled, the local
// key rotates to a brand new value so the departed participant cannot
// decrypt anything sent afterwards.
func (m *Manager) OnParticipantLeft(id string) {
	m.mtx.Lock()
	handle, ok := m.parts[id]
	if !ok {
		m.mtx.Unlock()
		m.log.Debugf("Unknown participant %q left, ignoring", id)
		return
	}
	p := m.arena[handle]
	delete(m.parts, id)
	m.members.Remove(handle)
	remaining := m.members.GetCardinality()
	if p.up {
		p.up = false
		m.stats.channelsEstablished.Dec()
	}
	enabled := m.enabled
	if enabled {
		m.rotateKeyLocked()
	}
	m.mtx.Unlock()

	p.ch.Close()
	m.coord.Cleanup(id)
	m.stats.participants.Dec()
	m.log.Infof("Participant %q left (%d remaining)", id, remaining)

	if enabled {
		m.wakeDistributor()
	}
}

// HandleMessage is the inbound half of the signaling boundary. The payload
// must be a protocol blob produced by the sender's channel for us.
func (m *Manager) HandleMessage(from string, payload []byte) error {
	m.mtx.Lock()
	handle, ok := m.parts[from]
	var p *participant
	if ok {
		p = m.arena[handle]
	}
	m.mtx.Unlock()
	if !ok {
		m.log.Debugf("Dropping message from unknown participant %q", from)
		return nil
	}
	return p.ch.HandleBlob(payload)
}

// Run drives the manager's background work: session bootstraps, key
// distribution and stats reporting. It returns when the context is
// canceled.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.runDistributor(gctx) })
	if m.cfg.statsReportInterval > 0 {
		g.Go(func() error { return m.runReportStatsLoop(gctx, m.cfg.statsReportInterval) })
	}
	return g.Wait()
}

// newChannel builds the pairwise channel for p. Caller holds the mutex.
func (m *Manager) newChannel(p *participant) *kxchan.Channel {
	return kxchan.NewChannel(kxchan.Config{
		Local:            m.local,
		Remote:           p.pub,
		Send:             func(blob []byte) error { return m.send(p.id, blob) },
		KeyReceived:      func(ki kxchan.KeyInfo) { m.onKeyReceived(p, ki) },
		Established:      func() { m.onEstablished(p) },
		Corrupted:        func(err error) { m.onCorrupted(p, err) },
		Log:              m.cfg.log,
		LogPayloads:      m.cfg.logPayloads,
		AckRetryInterval: m.cfg.ackRetryInterval,
		MaxTries:         m.cfg.maxTries,
	})
}

// startChannel begins the handshake with p when the local side initiates.
func (m *Manager) startChannel(p *participant) {
	if err := p.ch.Start(); err != nil {
		m.log.Warnf("Unable to start channel with %q: %v", p.id, err)
	}
}

// livePeersLocked snapshots the current participants. Caller holds the
// mutex.
func (m *Manager) livePeersLocked() []*participant {
	peers := make([]*participant, 0, m.members.GetCardinality())
	m.members.Iterate(func(handle uint32) bool {
		peers = append(peers, m.arena[handle])
		return true
	})
	return peers
}

// ratchetKeyLocked advances the local key one generation, here and in the
// local encoder ring. Caller holds the mutex and checked enabled.
func (m *Manager) ratchetKeyLocked() {
	next, err := m.coord.RatchetKey(m.local.Public.ID, m.keyIndex)
	if err != nil {
		// The local slot stays keyed for as long as encryption is
		// enabled. If it was lost anyway, reseed with the next
		// generation.
		next = framecrypt.RatchetKey(m.key)
		_ = m.coord.SetKey(m.local.Public.ID, m.keyIndex, next)
	}
	m.key = next
	m.epoch++
	m.stats.keyRatchets.Inc()
	m.log.Debugf("Ratcheted local key at index %d (epoch %d)", m.keyIndex, m.epoch)
}

// rotateKeyLocked installs a brand new local key on the next ring slot.
// Caller holds the mutex and checked enabled.
func (m *Manager) rotateKeyLocked() {
	m.key = mcidentity.NewMediaKey()
	m.keyIndex = (m.keyIndex + 1) % m.ringSize()
	m.epoch++
	if err := m.coord.SetKey(m.local.Public.ID, m.keyIndex, m.key); err != nil {
		m.log.Warnf("Unable to install rotated key at index %d: %v",
			m.keyIndex, err)
	}
	m.stats.keyRotations.Inc()
	m.log.Debugf("Rotated local key to index %d (epoch %d)", m.keyIndex, m.epoch)
}

func (m *Manager) ringSize() int {
	if m.cfg.ringSize > 0 && m.cfg.ringSize <= 256 {
		return m.cfg.ringSize
	}
	return framecrypt.DefaultRingSize
}

// onKeyReceived installs a remote participant's key. Runs on the signaling
// goroutine.
func (m *Manager) onKeyReceived(p *participant, ki kxchan.KeyInfo) {
	if err := m.coord.SetKey(p.id, ki.KeyIndex, &ki.Key); err != nil {
		m.log.Warnf("Unable to install key %d of %q: %v", ki.KeyIndex, p.id, err)
		return
	}
	m.log.Debugf("Installed key index %d of %q", ki.KeyIndex, p.id)
}

// onEstablished marks the channel up and nudges distribution. The acked
// epoch drops to zero: establishment means a brand new session, and a peer
// that lost its state needs the current key again no matter what an earlier
// session acknowledged. Runs on the signaling goroutine and must not block.
func (m *Manager) onEstablished(p *participant) {
	m.mtx.Lock()
	if !p.up {
		p.up = true
		m.stats.channelsEstablished.Inc()
	}
	p.sentEpoch = 0
	m.mtx.Unlock()

	m.log.Debugf("Channel with %q established", p.id)
	if m.cfg.peerReadyCallback != nil {
		m.cfg.peerReadyCallback(p.id)
	}
	m.wakeDistributor()
}

// onCorrupted tears down bookkeeping for a destroyed pairwise session and
// nudges the distributor, which restarts the handshake when the local side
// initiates. Runs on the signaling goroutine.
func (m *Manager) onCorrupted(p *participant, err error) {
	m.mtx.Lock()
	if p.up {
		p.up = false
		m.stats.channelsEstablished.Dec()
	}
	p.sentEpoch = 0
	m.mtx.Unlock()

	m.stats.channelCorruptions.Inc()
	m.log.Warnf("Channel with %q corrupted: %v", p.id, err)
	m.wakeDistributor()
}

// wakeDistributor nudges the distribution loop without ever blocking.
func (m *Manager) wakeDistributor() {
	select {
	case m.distributeChan <- struct{}{}:
	default:
	}
}

// runDistributor loops delivering the current local key to every
// participant that has not acked it yet, restarting dropped sessions along
// the way. Wake ups coalesce, so one pass may serve several triggers.
func (m *Manager) runDistributor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.distributeChan:
		}
		m.distributeOnce(ctx)
	}
}

// distributeOnce sends the current key to every established participant
// whose acked epoch lags, in parallel. Participants whose channel is still
// negotiating are served by the next wake up.
func (m *Manager) distributeOnce(ctx context.Context) {
	m.mtx.Lock()
	if !m.enabled {
		m.mtx.Unlock()
		return
	}
	epoch, keyIndex, key := m.epoch, m.keyIndex, *m.key
	var targets []*participant
	for _, p := range m.livePeersLocked() {
		if p.sentEpoch < epoch {
			targets = append(targets, p)
		}
	}
	m.mtx.Unlock()
	if len(targets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range targets {
		p := p
		g.Go(func() error {
			m.distributeTo(gctx, p, epoch, keyIndex, key)
			return nil
		})
	}
	_ = g.Wait()
}

// distributeTo delivers one key epoch to one participant. Failures are
// isolated: they are logged, counted and surfaced through the error
// callback, never propagated to other peers.
func (m *Manager) distributeTo(ctx context.Context, p *participant, epoch uint64, keyIndex int, key mcidentity.MediaKey) {
	switch p.ch.State() {
	case kxchan.StateNoSession:
		// Session died or never started. Kick the handshake when the
		// tie break says we initiate, the key follows establishment.
		m.startChannel(p)
		return
	case kxchan.StateEstablished:
	default:
		return
	}

	if m.cfg.distributeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.distributeTimeout)
		defer cancel()
	}

	err := p.ch.SendKey(ctx, keyIndex, &key)
	switch {
	case err == nil:
	case errors.Is(err, kxchan.ErrNotEstablished):
		// The session dropped mid flight. The corruption path already
		// arranged a restart.
		return
	default:
		m.stats.keyDeliveryFails.Inc()
		m.log.Warnf("Unable to deliver key epoch %d to %q: %v", epoch, p.id, err)
		if errors.Is(err, ErrKeyDistributionTimeout) && m.cfg.errorCallback != nil {
			m.cfg.errorCallback(p.id, err)
		}
		return
	}

	m.mtx.Lock()
	if p.sentEpoch < epoch {
		p.sentEpoch = epoch
	}
	m.mtx.Unlock()
	m.stats.keysDistributed.Inc()
	m.log.Debugf("Delivered key epoch %d (index %d) to %q", epoch, keyIndex, p.id)
}
