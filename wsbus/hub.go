package wsbus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

type config struct {
	log              slog.Logger
	listeners        []net.Listener
	tokens           map[string]struct{}
	promAddr         string
	handshakeTimeout time.Duration
	httpTimeout      time.Duration
	shutdownTimeout  time.Duration
	sendQueueSize    int
}

// Option is a functional option for configuring the hub.
type Option func(c *config)

// WithLogger sets the logger for the hub.
func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithListeners sets the listeners the hub serves on.
func WithListeners(listeners []net.Listener) Option {
	return func(c *config) {
		c.listeners = listeners
	}
}

// WithTokens restricts connections to clients presenting one of the given
// bearer tokens. An empty set admits everyone.
func WithTokens(tokens map[string]struct{}) Option {
	return func(c *config) {
		c.tokens = tokens
	}
}

// WithPrometheusAddr exposes the hub metrics on the given address.
func WithPrometheusAddr(addr string) Option {
	return func(c *config) {
		c.promAddr = addr
	}
}

// WithSendQueueSize sets how many envelopes may queue per destination
// before the hub starts dropping.
func WithSendQueueSize(n int) Option {
	return func(c *config) {
		c.sendQueueSize = n
	}
}

// busConn is the hub side of one participant connection. Writes go through
// the queue so a slow reader never blocks routing.
type busConn struct {
	id   string
	conn *websocket.Conn
	log  slog.Logger

	sendQueue chan Envelope
	quit      chan struct{}
	closeOnce sync.Once
}

func (bc *busConn) close() {
	bc.closeOnce.Do(func() {
		close(bc.quit)
		bc.conn.Close()
	})
}

func (bc *busConn) enqueue(env Envelope) bool {
	select {
	case bc.sendQueue <- env:
		return true
	case <-bc.quit:
		return false
	default:
		return false
	}
}

func (bc *busConn) runWritePump() {
	for {
		select {
		case env := <-bc.sendQueue:
			if err := bc.conn.WriteJSON(&env); err != nil {
				bc.log.Debugf("Write to %q failed: %v", bc.id, err)
				bc.close()
				return
			}
		case <-bc.quit:
			return
		}
	}
}

// Hub is a runnable signaling bus relay.
type Hub struct {
	cfg      config
	log      slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	stats    *hubStats

	conns *xsync.MapOf[string, *busConn]
}

// NewHub creates a new signaling bus hub.
func NewHub(opts ...Option) (*Hub, error) {
	cfg := config{
		log:              slog.Disabled,
		tokens:           map[string]struct{}{},
		handshakeTimeout: 20 * time.Second,
		httpTimeout:      20 * time.Second,
		shutdownTimeout:  time.Second,
		sendQueueSize:    128,
	}
	for _, o := range opts {
		o(&cfg)
	}

	h := &Hub{
		cfg: cfg,
		log: cfg.log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		mux:   http.NewServeMux(),
		stats: newHubStats(),
		conns: xsync.NewMapOf[string, *busConn](),
	}
	h.mux.HandleFunc(BusPath, h.handleWS)
	return h, nil
}

// Run runs the hub. Listeners are closed once the context is canceled or
// when any serve error occurs.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:      h.mux,
		ReadTimeout:  h.cfg.httpTimeout,
		WriteTimeout: h.cfg.httpTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range h.cfg.listeners {
		lis := h.cfg.listeners[i]
		g.Go(func() error {
			h.log.Infof("Serving signaling bus on %s", lis.Addr())
			err := srv.Serve(lis)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.log.Errorf("unexpected (http.Server).Serve error on interface %s: %v",
					lis.Addr(), err)
				return err
			}
			return nil
		})
	}

	if h.cfg.promAddr != "" {
		g.Go(func() error { return h.runPrometheusListener(gctx, h.cfg.promAddr) })
	}

	g.Go(func() error {
		<-gctx.Done()

		shutCtx, cancel := context.WithTimeout(context.Background(), h.cfg.shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		if err != nil {
			h.log.Errorf("Ungraceful shutdown: %v", err)
			return err
		}
		return gctx.Err()
	})

	return g.Wait()
}

// runPrometheusListener runs the Prometheus metrics endpoint in the given
// address.
func (h *Hub) runPrometheusListener(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	promHandler := promhttp.InstrumentMetricHandler(
		h.stats.reg, promhttp.HandlerFor(h.stats.reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	h.log.Infof("Exposing prometheus metrics on %s", addr)
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

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if len(h.cfg.tokens) > 0 {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		tokenStr := auth[len("Bearer "):]
		if _, exists := h.cfg.tokens[tokenStr]; !exists {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	id := r.Header.Get(idHeader)
	if id == "" {
		http.Error(w, "missing participant id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("%v", err)
		return
	}

	bc := &busConn{
		id:        id,
		conn:      conn,
		log:       h.log,
		sendQueue: make(chan Envelope, h.cfg.sendQueueSize),
		quit:      make(chan struct{}),
	}

	// A reconnecting participant replaces its stale connection.
	if old, loaded := h.conns.LoadAndStore(id, bc); loaded {
		h.log.Debugf("Replacing connection of %q", id)
		old.close()
	}
	h.stats.clients.Inc()
	h.log.Infof("Participant %q connected from %s", id, conn.RemoteAddr())

	// safety
	conn.SetReadLimit(maxEnvelopeSize)

	conn.SetPingHandler(func(str string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		err := conn.WriteControl(websocket.PongMessage, []byte(str),
			time.Now().Add(15*time.Second))
		if err != nil {
			h.log.Errorf("failed to send pong to %q: %v", id, err)
			return err
		}
		return nil
	})

	go bc.runWritePump()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	for {
		var env Envelope
		err := conn.ReadJSON(&env)
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		if err != nil {
			h.log.Debugf("Participant %q read: %v", id, err)
			break
		}
		env.From = id
		h.route(env)
	}

	bc.close()

	// Forget the registration unless a takeover installed a fresh
	// connection already.
	h.conns.Compute(id, func(cur *busConn, loaded bool) (*busConn, bool) {
		return cur, !loaded || cur == bc
	})
	h.stats.clients.Dec()
	h.log.Infof("Participant %q disconnected", id)
}

// route delivers one envelope to its destination queue, best effort.
func (h *Hub) route(env Envelope) {
	dest, ok := h.conns.Load(env.To)
	if !ok {
		h.stats.dropped.Inc()
		h.log.Debugf("Dropping envelope from %q to unknown %q", env.From, env.To)
		return
	}
	if !dest.enqueue(env) {
		h.stats.dropped.Inc()
		h.log.Debugf("Dropping envelope from %q to %q: queue full", env.From, env.To)
		return
	}
	h.stats.routed.Inc()
}
