package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/mediacrypt/e2ee"
	"github.com/companyzero/mediacrypt/framecrypt"
	"github.com/companyzero/mediacrypt/internal/logutil"
	"github.com/companyzero/mediacrypt/mcidentity"
	"github.com/companyzero/mediacrypt/wsbus"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// inboundQueue bounds the per-sender frame queue of a receiver.
const inboundQueue = 64

// node is one simulated participant: an identity, its encryption manager, a
// bus client carrying its key exchange and the plumbing of its synthetic
// audio.
type node struct {
	id string
	fi *mcidentity.FullIdentity

	mgr *e2ee.Manager
	bus *wsbus.Client

	capture chan *framecrypt.Frame

	mtx     sync.Mutex
	present bool
	inbound map[string]chan *framecrypt.Frame

	sent    atomic.Uint64
	decoded atomic.Uint64
	dropped atomic.Uint64
}

func (n *node) isPresent() bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.present
}

func (n *node) setPresent(present bool) {
	n.mtx.Lock()
	n.present = present
	n.mtx.Unlock()
}

func (n *node) setInbound(from string, ch chan *framecrypt.Frame) {
	n.mtx.Lock()
	n.inbound[from] = ch
	n.mtx.Unlock()
}

// deliver queues one encrypted frame from the given sender, dropping when
// the decoder runs behind. Receiver transforms mutate their frames, so each
// queue gets its own copy over the shared wire bytes.
func (n *node) deliver(from string, f *framecrypt.Frame) {
	n.mtx.Lock()
	ch := n.inbound[from]
	n.mtx.Unlock()
	if ch == nil {
		return
	}
	cp := *f
	select {
	case ch <- &cp:
	default:
		n.dropped.Add(1)
	}
}

// conference simulates a meeting: every participant runs a full encryption
// manager, exchanges keys over the websocket bus and fans its encrypted
// frames out to everyone else the way a media relay would.
type conference struct {
	cfg   *settings
	bknd  *slog.Backend
	level slog.Level
	log   slog.Logger

	nodes []*node
}

func newConference(cfg *settings, bknd *slog.Backend, level slog.Level) *conference {
	c := &conference{
		cfg:   cfg,
		bknd:  bknd,
		level: level,
	}
	c.log = c.logger("DEMO")
	for i := 0; i < cfg.Participants; i++ {
		id := fmt.Sprintf("peer%02d", i)
		c.nodes = append(c.nodes, &node{
			id:      id,
			fi:      mcidentity.MustNew(id),
			capture: make(chan *framecrypt.Frame, 8),
			present: true,
			inbound: make(map[string]chan *framecrypt.Frame),
		})
	}
	return c
}

func (c *conference) logger(tag string) slog.Logger {
	l := c.bknd.Logger(tag)
	l.SetLevel(c.level)
	return l
}

// wireNode builds the manager and bus client of one participant.
func (c *conference) wireNode(ctx context.Context, n *node, hubURL string) error {
	send := func(to string, payload []byte) error {
		return n.bus.Send(ctx, to, payload)
	}
	n.mgr = e2ee.New(n.fi, send,
		e2ee.WithLogger(logutil.PrefixLogger(c.logger("E2EE"), "["+n.id+"]")),
		e2ee.WithPayloadLogger(logutil.PrefixLogger(c.logger("PLOG"), "["+n.id+"]")),
		e2ee.WithReplayProtection(),
		e2ee.WithChannelRetryOptions(10, time.Second),
		e2ee.WithPeerReadyCallback(func(peer string) {
			c.log.Infof("%s established a secure channel with %s", n.id, peer)
		}),
		e2ee.WithErrorCallback(func(peer string, err error) {
			c.log.Warnf("%s channel with %s: %v", n.id, peer, err)
		}),
	)

	opts := []wsbus.ClientOption{
		wsbus.WithHubURL(hubURL),
		wsbus.WithClientLog(c.logger("WBUS")),
	}
	if c.cfg.HubToken != "" {
		opts = append(opts, wsbus.WithClientToken(c.cfg.HubToken))
	}
	if c.cfg.ProxyAddr != "" {
		opts = append(opts, wsbus.WithClientProxy(c.cfg.ProxyAddr,
			c.cfg.ProxyUser, c.cfg.ProxyPass))
		if c.cfg.TorIsolation {
			opts = append(opts, wsbus.WithClientTorIsolation(uint32(c.cfg.CircuitLimit)))
		}
	}
	bus, err := wsbus.NewClient(n.id, func(from string, payload []byte) {
		if err := n.mgr.HandleMessage(from, payload); err != nil {
			c.log.Debugf("%s: bus message from %s: %v", n.id, from, err)
		}
	}, opts...)
	if err != nil {
		return err
	}
	n.bus = bus
	return nil
}

// introduce tells a pair of managers about each other. The responder side
// learns about the initiator first, so the opening key exchange message
// finds a registered peer.
func (c *conference) introduce(a, b *node) {
	if a.id > b.id {
		a, b = b, a
	}
	if err := b.mgr.OnParticipantJoined(a.id, a.fi.Public); err != nil {
		c.log.Errorf("%s cannot add %s: %v", b.id, a.id, err)
	}
	if err := a.mgr.OnParticipantJoined(b.id, b.fi.Public); err != nil {
		c.log.Errorf("%s cannot add %s: %v", a.id, b.id, err)
	}
}

// linkMedia starts a decoding stream at the receiver for the sender's
// frames. The pump ends when the receiver drops the sender or the context
// is canceled.
func (c *conference) linkMedia(ctx context.Context, sender, receiver *node) {
	ch := make(chan *framecrypt.Frame, inboundQueue)
	receiver.setInbound(sender.id, ch)
	stream := receiver.mgr.HandleReceiver(sender.id, framecrypt.KindAudio, ch,
		func(*framecrypt.Frame) error {
			receiver.decoded.Add(1)
			return nil
		})
	go func() {
		err := stream.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Errorf("Receive stream %s<-%s: %v", receiver.id, sender.id, err)
		}
	}()
}

// startSender runs the encoding stream of n. Its sink fans the encrypted
// frame out to every present receiver.
func (c *conference) startSender(ctx context.Context, n *node) {
	stream := n.mgr.HandleSender(framecrypt.KindAudio, n.capture,
		func(f *framecrypt.Frame) error {
			for _, r := range c.nodes {
				if r == n || !r.isPresent() {
					continue
				}
				r.deliver(n.id, f)
			}
			return nil
		})
	go func() {
		err := stream.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Errorf("Send stream of %s: %v", n.id, err)
		}
	}()
}

// runGenerator produces synthetic opus-sized frames on n's capture channel.
func (c *conference) runGenerator(ctx context.Context, n *node) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ssrc := rng.Uint32()
	tsStep := uint32(48 * c.cfg.FrameInterval.Milliseconds())
	if tsStep == 0 {
		tsStep = 1
	}

	ticker := time.NewTicker(c.cfg.FrameInterval)
	defer ticker.Stop()

	var ts uint32
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		ts += tsStep
		if !n.isPresent() {
			continue
		}

		data := make([]byte, c.cfg.FrameSize)
		rng.Read(data)
		data[0] = 0x78 // stand-in opus TOC byte, stays in clear
		f := &framecrypt.Frame{
			Data:      data,
			SSRC:      ssrc,
			Timestamp: ts,
			Kind:      framecrypt.KindAudio,
			Type:      framecrypt.FrameDelta,
		}
		select {
		case n.capture <- f:
			n.sent.Add(1)
		default:
			// Encoder running behind, skip the frame like a real
			// capturer would.
		}
	}
}

// runChurn periodically makes the last participant leave and rejoin,
// driving the rotate and ratchet paths of every manager.
func (c *conference) runChurn(ctx context.Context) error {
	leaver := c.nodes[len(c.nodes)-1]
	ticker := time.NewTicker(c.cfg.ChurnInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if leaver.isPresent() {
			c.log.Infof("%s leaves the conference", leaver.id)
			c.partLeave(leaver)
		} else {
			c.log.Infof("%s rejoins the conference", leaver.id)
			c.partJoin(ctx, leaver)
		}
	}
}

// partLeave removes the leaver from the room on both sides. The remaining
// members rotate to a fresh key the leaver never sees.
func (c *conference) partLeave(leaver *node) {
	leaver.setPresent(false)
	leaver.mgr.Disable()
	for _, n := range c.nodes {
		if n == leaver {
			continue
		}
		n.mgr.OnParticipantLeft(leaver.id)
		leaver.mgr.OnParticipantLeft(n.id)
	}
}

// partJoin brings a departed participant back: fresh pairwise channels,
// fresh media links and a ratchet step at the existing members.
func (c *conference) partJoin(ctx context.Context, joiner *node) {
	joiner.setPresent(true)
	for _, n := range c.nodes {
		if n == joiner {
			continue
		}
		c.introduce(joiner, n)
		c.linkMedia(ctx, n, joiner)
		c.linkMedia(ctx, joiner, n)
	}
	if err := joiner.mgr.Enable(); err != nil {
		c.log.Errorf("%s cannot re-enable encryption: %v", joiner.id, err)
	}
}

// runReporter logs aggregate frame counters.
func (c *conference) runReporter(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		var sent, decoded, dropped uint64
		for _, n := range c.nodes {
			sent += n.sent.Load()
			decoded += n.decoded.Load()
			dropped += n.dropped.Load()
		}
		c.log.Infof("Conference totals: %d frames sent, %d decoded, %d dropped",
			sent, decoded, dropped)
	}
}

// runPrometheusListener exposes the metrics of the first participant, the
// one the demo treats as the locally observed client.
func (c *conference) runPrometheusListener(ctx context.Context, addr string) error {
	reg := c.nodes[0].mgr.MetricsRegistry()
	mux := http.NewServeMux()
	promHandler := promhttp.InstrumentMetricHandler(
		reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	c.log.Infof("Exposing prometheus metrics on %s", addr)
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

// run wires the whole conference and serves it until the context ends.
func (c *conference) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	hubURL := c.cfg.HubAddr
	if hubURL == "" {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		hubOpts := []wsbus.Option{
			wsbus.WithLogger(c.logger("WBUS")),
			wsbus.WithListeners([]net.Listener{lis}),
		}
		if c.cfg.HubToken != "" {
			hubOpts = append(hubOpts,
				wsbus.WithTokens(map[string]struct{}{c.cfg.HubToken: {}}))
		}
		hub, err := wsbus.NewHub(hubOpts...)
		if err != nil {
			return err
		}
		g.Go(func() error { return hub.Run(gctx) })
		hubURL = "ws://" + lis.Addr().String()
		c.log.Infof("Running in-process hub on %s", hubURL)
	}

	for _, n := range c.nodes {
		if err := c.wireNode(gctx, n, hubURL); err != nil {
			return err
		}
		g.Go(func() error { return n.bus.Run(gctx) })
		g.Go(func() error { return n.mgr.Run(gctx) })
		g.Go(func() error { return c.runGenerator(gctx, n) })
	}

	// Full mesh introductions and media links.
	for i, a := range c.nodes {
		for _, b := range c.nodes[i+1:] {
			c.introduce(a, b)
			c.linkMedia(gctx, a, b)
			c.linkMedia(gctx, b, a)
		}
	}
	for _, n := range c.nodes {
		c.startSender(gctx, n)
		if err := n.mgr.Enable(); err != nil {
			return err
		}
	}

	if c.cfg.ChurnInterval > 0 && len(c.nodes) > 2 {
		g.Go(func() error { return c.runChurn(gctx) })
	}
	if c.cfg.ListenPrometheus != "" {
		g.Go(func() error { return c.runPrometheusListener(gctx, c.cfg.ListenPrometheus) })
	}
	g.Go(func() error { return c.runReporter(gctx) })

	c.log.Infof("Conference running with %d participants", len(c.nodes))
	return g.Wait()
}
