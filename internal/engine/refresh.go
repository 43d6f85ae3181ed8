package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/Chumpton/world-of-ideas-sub001/internal/entity"
	"github.com/Chumpton/world-of-ideas-sub001/internal/gateway"
)

// Refresh fetches a collection snapshot from the server and reconciles it
// with local state. Concurrent callers for the same collection share a single
// in-flight request; the fetch runs on the engine's own context, so one
// caller's cancellation never fails a flight other callers share. Non-forced
// calls are throttled to the configured minimum interval; a throttled call is
// a no-op, not an error, since recent data is already local.
func (e *Engine) Refresh(_ context.Context, kind entity.Kind, parentID string, force bool) error {
	key := CollectionKey(kind, parentID)
	if key == "" {
		return fmt.Errorf("%w: unknown entity kind %q", gateway.ErrValidation, kind)
	}
	if !force && !e.limiter(key).Allow() {
		return nil
	}
	_, err, _ := e.refreshGroup.Do(key, func() (any, error) {
		cctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
		defer cancel()
		rows, err := e.gw.ListEntities(cctx, kind, gateway.ListOptions{ParentID: parentID})
		if err != nil {
			return nil, fmt.Errorf("refresh %s: %w", key, err)
		}
		e.applyRefresh(key, kind, rows)
		return nil, nil
	})
	return err
}

func (e *Engine) limiter(key string) *rate.Limiter {
	e.limitersMu.Lock()
	defer e.limitersMu.Unlock()
	l, ok := e.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(e.opts.MinRefreshInterval), 1)
		e.limiters[key] = l
	}
	return l
}

// OnNetworkOnline is the connectivity-restored hook: pending writes are
// retried immediately and the primary collections force-refreshed.
func (e *Engine) OnNetworkOnline() {
	e.log.Info().Msg("network online")
	e.sweep()
	e.refreshPrimary(true)
}

// OnForeground is the app-resumed hook. Refreshes are throttled here so a
// rapidly backgrounding and foregrounding app does not hammer the server.
func (e *Engine) OnForeground() {
	e.sweep()
	e.refreshPrimary(false)
}

func (e *Engine) refreshPrimary(force bool) {
	for _, kind := range []entity.Kind{entity.KindIdea, entity.KindDiscussion, entity.KindGuideEntry} {
		kind := kind
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			if err := e.Refresh(e.ctx, kind, "", force); err != nil {
				e.log.Warn().Err(err).Str("kind", string(kind)).Msg("refresh failed")
			}
		}()
	}
}

func (e *Engine) heartbeatLoop() {
	defer e.bg.Done()
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.refreshPrimary(false)
		}
	}
}

func (e *Engine) sweepLoop() {
	defer e.bg.Done()
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep retries every ledger record that is due another attempt, including
// parked failed writes. Nothing in the ledger is ever silently dropped.
func (e *Engine) sweep() {
	due, err := e.ledger.ListRetryable(e.clock.Now())
	if err != nil {
		e.log.Error().Err(err).Msg("list retryable writes")
		return
	}
	for _, rec := range due {
		e.spawnCommit(rec.TemporaryID)
	}
}
