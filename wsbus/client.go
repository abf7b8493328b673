package wsbus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/decred/go-socks/socks"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	pongTimeout     = time.Second * 10
	pingInterval    = time.Second * 30
	pingPayloadSize = 16
)

// MessageHandler handles one inbound envelope. It runs on the connection's
// read goroutine, so it must not block on bus traffic it triggers itself
// beyond simple sends.
type MessageHandler func(from string, payload []byte)

type clientConfig struct {
	log              slog.Logger
	url              string
	token            string
	proxyAddr        string
	proxyUser        string
	proxyPass        string
	torIsolation     bool
	circuitLimit     uint32
	handshakeTimeout time.Duration
}

// ClientOption is a configuration option for bus clients.
type ClientOption func(cfg *clientConfig)

// WithHubURL defines the base URL of the hub to connect to, e.g.
// "ws://127.0.0.1:8665". The bus endpoint path is appended automatically.
func WithHubURL(url string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.url = url
	}
}

// WithClientLog defines the logger for client connection events.
func WithClientLog(log slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.log = log
	}
}

// WithClientToken presents the given bearer token when connecting to hubs
// that restrict access.
func WithClientToken(token string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.token = token
	}
}

// WithClientProxy dials the hub through the given SOCKS5 proxy.
func WithClientProxy(addr, user, pass string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.proxyAddr = addr
		cfg.proxyUser = user
		cfg.proxyPass = pass
	}
}

// WithClientTorIsolation enables tor stream isolation with the given circuit
// limit when dialing through the proxy.
func WithClientTorIsolation(circuitLimit uint32) ClientOption {
	return func(cfg *clientConfig) {
		cfg.torIsolation = true
		cfg.circuitLimit = circuitLimit
	}
}

// clientPeer is one live connection to the hub.
type clientPeer struct {
	conn *websocket.Conn
	log  slog.Logger

	// writeMtx serializes writers; websocket conns support only one
	// concurrent writer.
	writeMtx sync.Mutex
}

func (p *clientPeer) close() error {
	return p.conn.Close()
}

func (p *clientPeer) writeEnvelope(env *Envelope) error {
	p.writeMtx.Lock()
	defer p.writeMtx.Unlock()
	return p.conn.WriteJSON(env)
}

// run drives the connection's ping keepalive and read loop until either
// fails or the context is canceled.
func (p *clientPeer) run(ctx context.Context, handler MessageHandler) error {
	defer p.close()

	g, gctx := errgroup.WithContext(ctx)

	pongChan := make(chan [pingPayloadSize]byte)
	p.conn.SetPongHandler(func(payload string) error {
		var pongData [pingPayloadSize]byte
		copy(pongData[:], []byte(payload))
		select {
		case <-gctx.Done():
		case pongChan <- pongData:
		}
		return nil
	})

	// Ping loop. The hub also leans on these pings to keep the connection
	// from hitting its read deadline.
	g.Go(func() error {
		var pingData [pingPayloadSize]byte
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(pingInterval):
			}
			rand.Read(pingData[:])
			err := p.conn.WriteControl(websocket.PingMessage,
				pingData[:], time.Now().Add(time.Second))
			if err != nil {
				return err
			}

			// Wait for pong ack.
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(pongTimeout):
				return fmt.Errorf("pong timeout")
			case pongData := <-pongChan:
				if pingData != pongData {
					return fmt.Errorf("ping data != pong data")
				}
			}
		}
	})

	// Read loop.
	g.Go(func() error {
		for {
			var env Envelope
			if err := p.conn.ReadJSON(&env); err != nil {
				return err
			}
			p.log.Tracef("Received %d byte envelope from %q",
				len(env.Payload), env.From)
			handler(env.From, env.Payload)
		}
	})

	// Unblock the read loop on cancellation.
	g.Go(func() error {
		<-gctx.Done()
		p.conn.Close()
		return gctx.Err()
	})

	return g.Wait()
}

// Client maintains a connection to a signaling bus hub on behalf of one
// participant. After it is started by its Run method, the client attempts to
// keep a connection to the hub alive to deliver outbound envelopes and hand
// inbound ones to the handler.
type Client struct {
	id      string
	handler MessageHandler
	dialer  func(context.Context) (*websocket.Conn, error)
	log     slog.Logger

	mtx         sync.Mutex
	peer        *clientPeer
	waitingPeer []chan *clientPeer
}

// NewClient creates a bus client for the participant id. Inbound envelopes
// are handed to handler.
func NewClient(id string, handler MessageHandler, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		log:              slog.Disabled,
		handshakeTimeout: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.url == "" {
		return nil, errors.New("no hub URL configured")
	}

	dialer, err := cfg.makeDialer(id)
	if err != nil {
		return nil, err
	}
	return &Client{
		id:      id,
		handler: handler,
		dialer:  dialer,
		log:     cfg.log,
	}, nil
}

// makeDialer creates the per-conn dialer, based on the config.
func (cfg *clientConfig) makeDialer(id string) (func(context.Context) (*websocket.Conn, error), error) {
	var netDialer net.Dialer
	dialFunc := netDialer.DialContext
	if cfg.proxyAddr != "" {
		proxy := socks.Proxy{
			Addr:         cfg.proxyAddr,
			Username:     cfg.proxyUser,
			Password:     cfg.proxyPass,
			TorIsolation: cfg.torIsolation,
		}
		if cfg.torIsolation {
			dialFunc = socks.NewPool(proxy, cfg.circuitLimit).DialContext
		} else {
			dialFunc = proxy.DialContext
		}
	}
	wsDialer := websocket.Dialer{
		NetDialContext:   dialFunc,
		HandshakeTimeout: cfg.handshakeTimeout,
	}

	header := make(http.Header)
	header.Set(idHeader, id)
	if cfg.token != "" {
		header.Set("Authorization", "Bearer "+cfg.token)
	}
	url := cfg.url + BusPath

	dialer := func(ctx context.Context) (*websocket.Conn, error) {
		//nolint:bodyclose
		conn, _, err := wsDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(maxEnvelopeSize)
		return conn, nil
	}
	return dialer, nil
}

// ID returns the participant id this client connects as.
func (c *Client) ID() string {
	return c.id
}

// nextPeer returns the currently running peer or waits until the next peer
// is available on which to send.
func (c *Client) nextPeer(ctx context.Context) (*clientPeer, error) {
	c.mtx.Lock()
	peer := c.peer
	if peer != nil {
		c.mtx.Unlock()
		return peer, nil
	}

	ch := make(chan *clientPeer, 1)
	c.waitingPeer = append(c.waitingPeer, ch)
	c.mtx.Unlock()

	select {
	case peer = <-ch:
		return peer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send delivers one payload to the participant to, waiting for a live hub
// connection when necessary. Delivery past the hub is best effort; callers
// needing certainty must run their own acknowledgment, as the key exchange
// protocol does.
func (c *Client) Send(ctx context.Context, to string, payload []byte) error {
	peer, err := c.nextPeer(ctx)
	if err != nil {
		return err
	}
	c.log.Tracef("Sending %d byte envelope to %q", len(payload), to)
	return peer.writeEnvelope(&Envelope{To: to, Payload: payload})
}

// Run runs the client, maintaining a connection to the hub with exponential
// backoff between attempts. It returns when the context is canceled.
func (c *Client) Run(ctx context.Context) error {
	const minReconnectInterval = time.Second
	const maxReconnectInterval = time.Second * 30
	reconnectInterval := minReconnectInterval

	ctxDone := func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}

	// Maintain connection.
loop:
	for {
		conn, err := c.dialer(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Warnf("Unable to connect to bus hub due to %v. "+
					"Delaying next attempt by %s", err, reconnectInterval)
			}
			// Exponential backoff to attempt reconnect.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectInterval):
				reconnectInterval *= 2
				if reconnectInterval > maxReconnectInterval {
					reconnectInterval = maxReconnectInterval
				}
				continue loop
			}
		}
		reconnectInterval = minReconnectInterval
		c.log.Debugf("Connected to bus hub as %q", c.id)

		peer := &clientPeer{conn: conn, log: c.log}
		c.mtx.Lock()
		c.peer = peer
		waiting := c.waitingPeer
		c.waitingPeer = nil
		c.mtx.Unlock()

		go func() {
			for _, w := range waiting {
				w <- peer
			}
		}()

		err = peer.run(ctx, c.handler)
		if ctxDone() {
			return ctx.Err()
		}
		c.mtx.Lock()
		c.peer = nil
		c.mtx.Unlock()

		if err != nil {
			c.log.Debugf("Hub connection finished running: %v", err)
		}
	}
}
