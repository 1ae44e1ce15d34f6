// Package batch drives the polling loop: fetch unread mail per account,
// hand it to the engine in small parallel groups, and sweep the
// mark-read retry set.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/brightsure/mail-triage/internal/engine"
	"github.com/brightsure/mail-triage/internal/graph"
	"github.com/brightsure/mail-triage/internal/metrics"
	"github.com/brightsure/mail-triage/internal/pkg/distlock"
	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

// Gateway is the slice of the mail provider the loop needs.
type Gateway interface {
	RefreshToken(ctx context.Context) error
	FetchUnread(ctx context.Context, account string) ([]graph.Message, error)
	MarkRead(ctx context.Context, account, providerID string) bool
}

// Processor runs one message through the triage pipeline.
type Processor interface {
	Process(ctx context.Context, account string, msg graph.Message) engine.Outcome
}

type retryKey struct {
	Account    string
	ProviderID string
}

// Loop polls the configured accounts forever. The retry set is mutated
// only from Run's goroutine.
type Loop struct {
	gateway    Gateway
	processor  Processor
	accounts   []string
	interval   time.Duration
	groupSize  int
	sweepEvery int
	lease      distlock.DistLock // nil when running a single replica

	retries map[retryKey]struct{}

	mu        sync.Mutex
	processed int64
	deferred  int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithLease makes the loop poll only while holding the lease, so a
// second replica stays idle until the holder goes away.
func WithLease(l distlock.DistLock) Option {
	return func(lp *Loop) { lp.lease = l }
}

// New builds a polling loop.
func New(gateway Gateway, processor Processor, accounts []string,
	interval time.Duration, groupSize, sweepEvery int, opts ...Option) *Loop {

	if groupSize < 1 {
		groupSize = 1
	}
	if sweepEvery < 1 {
		sweepEvery = 1
	}
	lp := &Loop{
		gateway:    gateway,
		processor:  processor,
		accounts:   accounts,
		interval:   interval,
		groupSize:  groupSize,
		sweepEvery: sweepEvery,
		retries:    map[retryKey]struct{}{},
	}
	for _, opt := range opts {
		opt(lp)
	}
	return lp
}

// Stats reports loop progress for the operational endpoint.
func (l *Loop) Stats() (processed, deferred int64, retryQueue int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed, l.deferred, len(l.retries)
}

// Run polls until ctx is cancelled. In-flight messages finish before it
// returns; the next tick is measured from loop start, so a slow loop
// rolls straight into the next one.
func (l *Loop) Run(ctx context.Context) error {
	logger.Info("batch loop starting",
		"accounts", len(l.accounts), "interval", l.interval.String(), "group_size", l.groupSize)

	loops := 0
	for {
		startedAt := time.Now()

		if l.leaseHeld(ctx) {
			l.runOnce(ctx)
			loops++
			if loops%l.sweepEvery == 0 {
				l.sweepRetries(ctx)
			}
			metrics.LoopDuration.Observe(time.Since(startedAt).Seconds())
		}

		wait := l.interval - time.Since(startedAt)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			logger.Info("batch loop stopping", "loops", loops)
			return nil
		case <-time.After(wait):
		}
	}
}

// leaseHeld acquires (or re-asserts) the lease. Without a lease the loop
// always proceeds.
func (l *Loop) leaseHeld(ctx context.Context) bool {
	if l.lease == nil {
		return true
	}
	ok, err := l.lease.Acquire(ctx)
	if err != nil {
		logger.Error("lease acquire failed", "error", err.Error())
		return false
	}
	if !ok {
		logger.Debug("lease held elsewhere, standing by")
	}
	return ok
}

func (l *Loop) runOnce(ctx context.Context) {
	if err := l.gateway.RefreshToken(ctx); err != nil {
		logger.Error("token refresh failed, skipping loop", "error", err.Error())
		return
	}

	for _, account := range l.accounts {
		if ctx.Err() != nil {
			return
		}
		msgs, err := l.gateway.FetchUnread(ctx, account)
		if err != nil {
			logger.Error("fetch unread failed", "account", account, "error", err.Error())
			metrics.FetchErrors.WithLabelValues(account).Inc()
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		logger.Info("processing unread batch", "account", account, "count", len(msgs))
		l.processAccount(ctx, account, msgs)
	}
}

// processAccount dispatches messages in groups; the next group starts
// only when every task of the previous one has finished.
func (l *Loop) processAccount(ctx context.Context, account string, msgs []graph.Message) {
	for start := 0; start < len(msgs); start += l.groupSize {
		if ctx.Err() != nil {
			return
		}
		end := start + l.groupSize
		if end > len(msgs) {
			end = len(msgs)
		}
		group := msgs[start:end]
		outcomes := make([]engine.Outcome, len(group))

		var wg sync.WaitGroup
		for i, msg := range group {
			wg.Add(1)
			go func(i int, msg graph.Message) {
				defer wg.Done()
				outcomes[i] = l.processor.Process(ctx, account, msg)
			}(i, msg)
		}
		wg.Wait()

		// Retry-set mutation stays on the loop goroutine; the mutex only
		// covers concurrent reads from the stats endpoint.
		l.mu.Lock()
		for i, out := range outcomes {
			if out.Deferred {
				metrics.MessagesDeferred.Inc()
				l.deferred++
			} else {
				metrics.MessagesProcessed.WithLabelValues(account).Inc()
				l.processed++
			}
			if out.NeedsReadRetry {
				l.retries[retryKey{Account: account, ProviderID: group[i].ProviderID}] = struct{}{}
			}
		}
		pending := len(l.retries)
		l.mu.Unlock()
		metrics.ReadRetryQueue.Set(float64(pending))
	}
}

// sweepRetries re-attempts every pending mark-read and drops the ones
// the provider confirms.
func (l *Loop) sweepRetries(ctx context.Context) {
	l.mu.Lock()
	keys := make([]retryKey, 0, len(l.retries))
	for key := range l.retries {
		keys = append(keys, key)
	}
	l.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	logger.Info("sweeping read-retry set", "pending", len(keys))

	remaining := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		if l.gateway.MarkRead(ctx, key.Account, key.ProviderID) {
			l.mu.Lock()
			delete(l.retries, key)
			l.mu.Unlock()
		} else {
			remaining++
		}
	}
	metrics.ReadRetryQueue.Set(float64(remaining))
}
