package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/simplechat/internal/chat/domain"
	"github.com/aussiebroadwan/simplechat/internal/chat/hub"
	"github.com/aussiebroadwan/simplechat/internal/chat/metrics"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var fp = domain.Fingerprint{UserAgent: "test-agent", SourceAddress: "127.0.0.1"}

type fakeConn struct {
	id       string
	received chan []byte
	sendErr  error
	block    bool

	mu        sync.Mutex
	closeCode int
}

func newConn(id string) *fakeConn {
	return &fakeConn{id: id, received: make(chan []byte, 32)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.received <- payload
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
	return nil
}

func (c *fakeConn) closedWith() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// next waits for the next packet delivered to c.
func (c *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()

	select {
	case b := <-c.received:
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: nothing delivered", c.id)
		return nil
	}
}

// quiet asserts nothing is delivered to c for a short while.
func (c *fakeConn) quiet(t *testing.T) {
	t.Helper()

	select {
	case b := <-c.received:
		t.Fatalf("%s: unexpected delivery %s", c.id, b)
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeAuth accepts "token-<id>" for user <id>.
type fakeAuth struct {
	calls atomic.Int32
}

func (a *fakeAuth) AuthenticateConnection(_ context.Context, userID int64, raw string, _ domain.Fingerprint) (domain.Identity, error) {
	a.calls.Add(1)
	if raw != fmt.Sprintf("token-%d", userID) {
		return domain.Identity{}, errors.New("invalid token")
	}
	return domain.Identity{ID: userID, Username: fmt.Sprintf("user%d", userID)}, nil
}

type fixture struct {
	ctx  context.Context
	reg  *hub.Registry
	auth *fakeAuth
	prom *prometheus.Registry
}

func newFixture(t *testing.T, cfg hub.Config) *fixture {
	t.Helper()

	prom := prometheus.NewRegistry()
	auth := &fakeAuth{}
	reg := hub.NewRegistry(auth, slogx.Discard(), metrics.New(prom), cfg)
	t.Cleanup(reg.Close)

	return &fixture{
		ctx:  slogx.WithContext(context.Background(), slogx.Discard()),
		reg:  reg,
		auth: auth,
		prom: prom,
	}
}

func (f *fixture) connect(t *testing.T, c *fakeConn) {
	t.Helper()
	require.NoError(t, f.reg.OnConnect(f.ctx, c, fp))
}

func (f *fixture) bind(t *testing.T, c *fakeConn, userID int64) {
	t.Helper()
	f.connect(t, c)
	f.reg.OnMessage(f.ctx, c.ID(), fmt.Appendf(nil, `{"type":"authorization","userId":%d,"token":"token-%d"}`, userID, userID))
}

func (f *fixture) say(c *fakeConn, msg string) {
	f.reg.OnMessage(f.ctx, c.ID(), fmt.Appendf(nil, `{"type":"text","message":%q}`, msg))
}

func (f *fixture) dropped(t *testing.T, reason string) float64 {
	t.Helper()

	families, err := f.prom.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "simplechat_hub_packets_dropped_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestBroadcastExcludesSender(t *testing.T) {
	f := newFixture(t, hub.Config{})
	a, b := newConn("a"), newConn("b")

	f.bind(t, a, 1)
	f.bind(t, b, 2)

	conns, bound := f.reg.Stats()
	require.Equal(t, 2, conns)
	require.Equal(t, 2, bound)

	f.say(a, "hello")

	got := b.next(t)
	require.Equal(t, "text", got["type"])
	require.Equal(t, "hello", got["message"])
	require.Equal(t, float64(1), got["userId"])
	require.Equal(t, "user1", got["username"])
	require.NotEmpty(t, got["timestamp"])

	a.quiet(t)

	f.reg.OnDisconnect(f.ctx, b.ID())
	require.NotPanics(t, func() { f.say(a, "anyone there?") })
	b.quiet(t)
	a.quiet(t)

	conns, bound = f.reg.Stats()
	require.Equal(t, 1, conns)
	require.Equal(t, 1, bound)
}

func TestUnauthenticatedConnections(t *testing.T) {
	f := newFixture(t, hub.Config{})
	a, b, lurker := newConn("a"), newConn("b"), newConn("lurker")

	f.bind(t, a, 1)
	f.bind(t, b, 2)
	f.connect(t, lurker)

	t.Run("content from an unbound connection is dropped", func(t *testing.T) {
		f.say(lurker, "spam")
		a.quiet(t)
		b.quiet(t)
		require.Equal(t, 1.0, f.dropped(t, "unauthenticated"))
	})

	t.Run("unbound connections receive nothing", func(t *testing.T) {
		f.say(a, "members only")
		require.Equal(t, "members only", b.next(t)["message"])
		lurker.quiet(t)
	})

	t.Run("failed authorization leaves the connection unbound", func(t *testing.T) {
		f.reg.OnMessage(f.ctx, lurker.ID(), []byte(`{"type":"authorization","userId":3,"token":"token-4"}`))
		_, bound := f.reg.Stats()
		require.Equal(t, 2, bound)

		f.say(lurker, "let me in")
		a.quiet(t)
	})
}

func TestSecondAuthorizationIgnored(t *testing.T) {
	f := newFixture(t, hub.Config{})
	a, b := newConn("a"), newConn("b")

	f.bind(t, a, 1)
	f.bind(t, b, 2)
	require.Equal(t, int32(2), f.auth.calls.Load())

	f.reg.OnMessage(f.ctx, a.ID(), []byte(`{"type":"authorization","userId":2,"token":"token-2"}`))
	require.Equal(t, int32(2), f.auth.calls.Load(), "bound connection is not re-authenticated")

	f.say(a, "still me")
	require.Equal(t, float64(1), b.next(t)["userId"])
}

func TestSameIdentityOnTwoConnections(t *testing.T) {
	f := newFixture(t, hub.Config{})
	laptop, phone := newConn("laptop"), newConn("phone")

	f.bind(t, laptop, 1)
	f.bind(t, phone, 1)

	f.say(laptop, "sync")
	require.Equal(t, "sync", phone.next(t)["message"])
	laptop.quiet(t)
}

func TestUnknownAndMalformedPackets(t *testing.T) {
	f := newFixture(t, hub.Config{})
	a, b := newConn("a"), newConn("b")
	f.bind(t, a, 1)
	f.bind(t, b, 2)

	require.NotPanics(t, func() {
		f.reg.OnMessage(f.ctx, a.ID(), []byte(`{"type":"typing"}`))
		f.reg.OnMessage(f.ctx, a.ID(), []byte(`{"message":"no type"}`))
		f.reg.OnMessage(f.ctx, a.ID(), []byte(`not json at all`))
		f.reg.OnMessage(f.ctx, "never-connected", []byte(`{"type":"text","message":"ghost"}`))
	})
	b.quiet(t)

	require.Equal(t, 1.0, f.dropped(t, "unknown_type"))
	require.Equal(t, 2.0, f.dropped(t, "malformed"))
}

func TestFailingPeerDoesNotAffectOthers(t *testing.T) {
	f := newFixture(t, hub.Config{SendTimeout: 50 * time.Millisecond})
	sender, broken, stalled, healthy := newConn("sender"), newConn("broken"), newConn("stalled"), newConn("healthy")
	broken.sendErr = errors.New("connection reset by peer")
	stalled.block = true

	f.bind(t, sender, 1)
	f.bind(t, broken, 2)
	f.bind(t, stalled, 3)
	f.bind(t, healthy, 4)

	for i := range 5 {
		f.say(sender, fmt.Sprintf("msg-%d", i))
	}

	// Per recipient order follows the sender's order
	for i := range 5 {
		require.Equal(t, fmt.Sprintf("msg-%d", i), healthy.next(t)["message"])
	}

	require.Eventually(t, func() bool {
		return f.dropped(t, "send_failed") >= 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFullQueueDrops(t *testing.T) {
	f := newFixture(t, hub.Config{SendTimeout: time.Second, QueueSize: 1})
	sender, stalled := newConn("sender"), newConn("stalled")
	stalled.block = true

	f.bind(t, sender, 1)
	f.bind(t, stalled, 2)

	for i := range 10 {
		f.say(sender, fmt.Sprintf("msg-%d", i))
	}

	// At most one in flight and one queued
	require.GreaterOrEqual(t, f.dropped(t, "queue_full"), 8.0)
}

func TestMissingTimestampIsStamped(t *testing.T) {
	f := newFixture(t, hub.Config{})
	f.reg.Now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }
	a, b := newConn("a"), newConn("b")
	f.bind(t, a, 1)
	f.bind(t, b, 2)

	f.say(a, "when?")
	require.Equal(t, "2026-03-14T09:30:00Z", b.next(t)["timestamp"])

	f.reg.OnMessage(f.ctx, a.ID(), []byte(`{"type":"text","message":"then","timestamp":"2020-01-01T00:00:00Z"}`))
	require.Equal(t, "2020-01-01T00:00:00Z", b.next(t)["timestamp"])
}

func TestClose(t *testing.T) {
	f := newFixture(t, hub.Config{})
	a, b := newConn("a"), newConn("b")
	f.bind(t, a, 1)
	f.connect(t, b)

	require.ErrorIs(t, f.reg.OnConnect(f.ctx, newConn("a"), fp), hub.ErrDuplicateID)

	f.reg.Close()

	require.Equal(t, hub.CloseGoingAway, a.closedWith())
	require.Equal(t, hub.CloseGoingAway, b.closedWith())
	require.ErrorIs(t, f.reg.OnConnect(f.ctx, newConn("c"), fp), hub.ErrClosed)

	conns, _ := f.reg.Stats()
	require.Zero(t, conns)

	// Late disconnect callbacks from the transport are harmless
	require.NotPanics(t, func() { f.reg.OnDisconnect(f.ctx, a.ID()) })
}

func TestConcurrentChurn(t *testing.T) {
	f := newFixture(t, hub.Config{})
	anchor := newConn("anchor")
	f.bind(t, anchor, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newConn(fmt.Sprintf("churn-%d", i))
			if err := f.reg.OnConnect(f.ctx, c, fp); err != nil {
				errs <- err
				return
			}
			f.reg.OnMessage(f.ctx, c.ID(), fmt.Appendf(nil, `{"type":"authorization","userId":%d,"token":"token-%d"}`, i+2, i+2))
			f.say(c, "hi")
			f.reg.OnDisconnect(f.ctx, c.ID())
		}()
	}
	for range 20 {
		f.say(anchor, "ping")
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	conns, bound := f.reg.Stats()
	require.Equal(t, 1, conns)
	require.Equal(t, 1, bound)
}
