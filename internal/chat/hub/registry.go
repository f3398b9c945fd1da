package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aussiebroadwan/simplechat/internal/chat/domain"
	"github.com/aussiebroadwan/simplechat/internal/chat/metrics"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
)

const (
	DefaultSendTimeout = 5 * time.Second
	DefaultQueueSize   = 64

	// CloseGoingAway is the websocket close code sent on shutdown.
	CloseGoingAway = 1001

	closeConcurrency = 16
)

var (
	ErrClosed      = errors.New("hub: registry closed")
	ErrDuplicateID = errors.New("hub: connection id already registered")
)

// Conn is a live transport connection.
type Conn interface {
	ID() string

	// Send writes one packet. It is only ever called from the connection's
	// own writer goroutine.
	Send(ctx context.Context, payload []byte) error

	Close(code int, reason string) error
}

// Authenticator checks an authorization packet. A non-nil error means the
// connection stays unauthenticated.
type Authenticator interface {
	AuthenticateConnection(ctx context.Context, userID int64, raw string, fp domain.Fingerprint) (domain.Identity, error)
}

type Config struct {
	SendTimeout time.Duration
	QueueSize   int
}

// Registry tracks live connections and relays text packets between those
// bound to an identity.
type Registry struct {
	auth    Authenticator
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	// Now stamps text packets that arrive without a timestamp.
	Now func() time.Time

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	conn Conn
	fp   domain.Fingerprint

	// identity is nil until an authorization packet validates. Guarded by
	// Registry.mu.
	identity *domain.Identity

	out  chan []byte
	done chan struct{}
	stop sync.Once
}

func (c *client) shutdown() {
	c.stop.Do(func() { close(c.done) })
}

func NewRegistry(auth Authenticator, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Registry {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	return &Registry{
		auth:    auth,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
		clients: make(map[string]*client),
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// OnConnect registers conn without an identity and starts its writer. fp is
// the fingerprint of the client that opened the connection and is what
// authorization tokens are checked against.
func (r *Registry) OnConnect(ctx context.Context, conn Conn, fp domain.Fingerprint) error {
	c := &client{
		conn: conn,
		fp:   fp,
		out:  make(chan []byte, r.cfg.QueueSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.clients[conn.ID()]; ok {
		r.mu.Unlock()
		return ErrDuplicateID
	}
	r.clients[conn.ID()] = c
	r.updateGaugesLocked()
	r.mu.Unlock()

	go r.writer(c)

	slogx.FromContext(ctx).Debug("connection registered", "conn_id", conn.ID())
	return nil
}

// OnMessage handles one inbound payload. Problems are logged and the packet
// dropped; nothing is returned to the transport.
func (r *Registry) OnMessage(ctx context.Context, connID string, payload []byte) {
	log := slogx.FromContext(ctx).With("conn_id", connID)

	pkt, err := DecodePacket(payload)
	if err != nil {
		log.Warn("dropping undecodable packet", "error", err)
		r.metrics.IncDropped("malformed")
		return
	}

	switch p := pkt.(type) {
	case *AuthorizationPacket:
		r.authorize(ctx, log, connID, p)
	case *TextPacket:
		r.broadcast(log, connID, p)
	case *UnknownPacket:
		log.Warn("ignoring packet of unknown type", "type", p.Type)
		r.metrics.IncDropped("unknown_type")
	default:
		log.Warn("ignoring unhandled packet", "type", pkt.packetType())
		r.metrics.IncDropped("unknown_type")
	}
}

func (r *Registry) authorize(ctx context.Context, log *slog.Logger, connID string, p *AuthorizationPacket) {
	r.mu.RLock()
	c, ok := r.clients[connID]
	bound := ok && c.identity != nil
	r.mu.RUnlock()

	if !ok {
		log.Warn("authorization for unknown connection")
		return
	}
	if bound {
		log.Warn("ignoring authorization on an already bound connection")
		return
	}

	id, err := r.auth.AuthenticateConnection(ctx, p.UserID, p.Token, c.fp)
	if err != nil {
		log.Warn("connection authorization failed", "user_id", p.UserID, "error", err)
		r.metrics.IncDropped("unauthorized")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The connection may have gone, or raced another authorization, while
	// the token was being checked.
	if cur, ok := r.clients[connID]; !ok || cur != c || c.identity != nil {
		return
	}
	c.identity = &id
	r.updateGaugesLocked()

	log.Info("connection bound", "user_id", id.ID, "username", id.Username)
}

func (r *Registry) broadcast(log *slog.Logger, connID string, p *TextPacket) {
	if p.Timestamp.IsZero() {
		p.Timestamp = r.now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, ok := r.clients[connID]
	if !ok || sender.identity == nil {
		log.Warn("dropping text from unauthenticated connection")
		r.metrics.IncDropped("unauthenticated")
		return
	}

	p.UserID = sender.identity.ID
	p.Username = sender.identity.Username

	payload, err := EncodeText(p)
	if err != nil {
		log.Error("failed to encode text packet", "error", err)
		return
	}

	for id, c := range r.clients {
		if id == connID || c.identity == nil {
			continue
		}

		select {
		case c.out <- payload:
		default:
			log.Warn("recipient queue full, dropping packet", "recipient", id)
			r.metrics.IncDropped("queue_full")
		}
	}
}

// OnDisconnect forgets the connection and stops its writer. Other parties
// are not told.
func (r *Registry) OnDisconnect(ctx context.Context, connID string) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	if ok {
		delete(r.clients, connID)
		r.updateGaugesLocked()
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	c.shutdown()

	slogx.FromContext(ctx).Debug("connection removed", "conn_id", connID)
}

// Close stops accepting connections and closes every live one.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	clients := r.clients
	r.clients = make(map[string]*client)
	r.updateGaugesLocked()
	r.mu.Unlock()

	// Each close may wait on a stalled peer's write deadline
	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for id, c := range clients {
		c.shutdown()
		g.Go(func() error {
			if err := c.conn.Close(CloseGoingAway, "server shutting down"); err != nil {
				r.logger.Debug("close connection", "conn_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(clients) > 0 {
		r.logger.Info("closed broadcast connections", "count", len(clients))
	}
}

// Stats returns the number of live and bound connections.
func (r *Registry) Stats() (connections, bound int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked()
}

func (r *Registry) countLocked() (connections, bound int) {
	for _, c := range r.clients {
		if c.identity != nil {
			bound++
		}
	}
	return len(r.clients), bound
}

func (r *Registry) updateGaugesLocked() {
	r.metrics.SetHub(r.countLocked())
}

// writer drains the connection's queue in order. A slow or failing peer
// only ever holds up its own queue.
func (r *Registry) writer(c *client) {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
			err := c.conn.Send(ctx, payload)
			cancel()

			if err != nil {
				r.logger.Warn("send to connection failed", "conn_id", c.conn.ID(), "error", err)
				r.metrics.IncDropped("send_failed")
				continue
			}
			r.metrics.IncDelivered()
		}
	}
}
