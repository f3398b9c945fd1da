package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/simplechat/internal/chat/domain"
	"github.com/aussiebroadwan/simplechat/internal/chat/metrics"
	"github.com/aussiebroadwan/simplechat/internal/chat/service"
	"github.com/aussiebroadwan/simplechat/internal/chat/store/drivers/sqlite"
	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testIssuer = "simplechat-test"

var (
	laptop = domain.Fingerprint{UserAgent: "Mozilla/5.0 (X11; Linux x86_64)", SourceAddress: "10.0.0.7"}
	phone  = domain.Fingerprint{UserAgent: "SimpleChat/1.0 (Android 14)", SourceAddress: "10.0.0.7"}
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	ctx    context.Context
	store  *sqlite.Store
	codec  *jwtx.HS256Codec
	clock  *clock
	reg    *prometheus.Registry
	tokens *service.TokenService
	alice  domain.User
	bob    domain.User
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	return newEnvAt(t, ":memory:")
}

// newEnvAt builds the environment over the database at dsn.
func newEnvAt(t *testing.T, dsn string) *testEnv {
	t.Helper()

	s, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())
	t.Cleanup(func() { _ = s.Close() })

	secret, err := jwtx.GenerateSecret()
	require.NoError(t, err)
	base, err := jwtx.NewHS256Codec(secret, testIssuer)
	require.NoError(t, err)

	clk := &clock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	codec := base.WithClock(clk.Now)
	reg := prometheus.NewRegistry()

	ctx := slogx.WithContext(context.Background(), slogx.Discard())

	env := &testEnv{
		ctx:   ctx,
		store: s,
		codec: codec,
		clock: clk,
		reg:   reg,
		tokens: &service.TokenService{
			Store:             s,
			Codec:             codec,
			Issuer:            testIssuer,
			AccessTTL:         15 * time.Minute,
			RefreshMultiplier: 10,
			Metrics:           metrics.New(reg),
			Now:               clk.Now,
		},
	}

	env.alice = env.createUser(t, "alice")
	env.bob = env.createUser(t, "bob")
	return env
}

func (e *testEnv) createUser(t *testing.T, username string) domain.User {
	t.Helper()

	u, err := e.store.Users().CreateUser(e.ctx, domain.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "unused",
	})
	require.NoError(t, err)
	return u
}

func (e *testEnv) issue(t *testing.T, u domain.User, fp domain.Fingerprint) domain.TokenPair {
	t.Helper()

	pair, err := e.tokens.Issue(e.ctx, u.Identity(), fp)
	require.NoError(t, err)
	return pair
}

func (e *testEnv) record(t *testing.T, kind jwtx.Kind, raw string) domain.IssuedToken {
	t.Helper()

	rec, err := e.store.Tokens().GetTokenByRaw(e.ctx, kind, raw)
	require.NoError(t, err)
	return rec
}

func (e *testEnv) validate(t *testing.T, kind jwtx.Kind, raw string, u domain.User, fp domain.Fingerprint) service.Validation {
	t.Helper()

	v, err := e.tokens.Validate(e.ctx, kind, raw, u.Identity(), fp)
	require.NoError(t, err)
	return v
}

// counter sums the samples of a counter family with the given label value.
func (e *testEnv) counter(t *testing.T, name, label, value string) float64 {
	t.Helper()

	families, err := e.reg.Gather()
	require.NoError(t, err)

	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					sum += m.GetCounter().GetValue()
				}
			}
		}
	}
	return sum
}
