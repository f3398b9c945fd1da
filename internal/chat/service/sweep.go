package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/simplechat/internal/chat/metrics"
	"github.com/aussiebroadwan/simplechat/internal/chat/store"
	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
)

const DefaultSweepInterval = 5 * time.Minute

// SweepService periodically flags stored tokens whose in-band expiry has
// passed, so records never outlive the claim they were issued with.
type SweepService struct {
	Tokens   store.Tokens
	Codec    jwtx.Codec
	Logger   *slog.Logger
	Interval time.Duration
	Metrics  *metrics.Metrics

	// Now defaults to time.Now in UTC.
	Now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// SweepResult summarises one pass.
type SweepResult struct {
	Scanned int
	Expired int
	Failed  int
}

// NewSweepService creates a sweep over tokens. If interval is 0 or negative,
// defaults to DefaultSweepInterval.
func NewSweepService(
	tokens store.Tokens,
	codec jwtx.Codec,
	logger *slog.Logger,
	interval time.Duration,
	m *metrics.Metrics,
) *SweepService {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &SweepService{
		Tokens:   tokens,
		Codec:    codec,
		Logger:   logger,
		Interval: interval,
		Metrics:  m,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs a pass immediately and then every Interval until Stop.
func (s *SweepService) Start() {
	go s.run()
	s.Logger.Info("token sweep started", "interval", s.Interval)
}

// Stop blocks until any in-progress pass has finished.
func (s *SweepService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("token sweep stopped")
}

func (s *SweepService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopCh:
			return
		}
	}
}

func (s *SweepService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Sweep performs a single pass. A failure on one record is logged and
// counted and the pass moves on to the next. Cancelling ctx ends the pass
// early with whatever it had done so far.
func (s *SweepService) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	var res SweepResult

pass:
	for _, kind := range []jwtx.Kind{jwtx.KindAccess, jwtx.KindRefresh} {
		if ctx.Err() != nil {
			break
		}

		recs, err := s.Tokens.ListNonExpiredTokens(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.Logger.Error("sweep: failed to list tokens", "kind", kind, "error", err)
			res.Failed++
			continue
		}

		for _, rec := range recs {
			if ctx.Err() != nil {
				break pass
			}
			res.Scanned++

			if !s.Codec.Expired(rec.Token) {
				continue
			}

			flipped, err := s.Tokens.ExpireToken(ctx, rec.ID, s.now())
			if err != nil {
				if ctx.Err() != nil {
					break pass
				}
				s.Logger.Error("sweep: failed to expire token",
					"kind", kind,
					"token_id", rec.ID,
					"error", err,
				)
				res.Failed++
				continue
			}
			if flipped {
				res.Expired++
			}
		}
	}

	s.Metrics.ObserveSweep(time.Since(start).Seconds(), res.Expired, res.Failed)

	if ctx.Err() != nil {
		s.Logger.Debug("sweep cancelled", "scanned", res.Scanned, "expired", res.Expired)
		return res
	}

	if res.Expired > 0 || res.Failed > 0 {
		s.Logger.Info("sweep completed",
			"scanned", res.Scanned,
			"expired", res.Expired,
			"failed", res.Failed,
		)
	} else {
		s.Logger.Debug("sweep completed", "scanned", res.Scanned)
	}

	return res
}
