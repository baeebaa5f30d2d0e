package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the poll cadence when none is configured.
const DefaultInterval = 1500 * time.Millisecond

var (
	errMissingSource  = errors.New("feed: change source is required")
	errMissingSession = errors.New("feed: session is required")
	errMissingApply   = errors.New("feed: apply callback is required")
)

// Batch is one response of the change window.
type Batch struct {
	Changes   []Change `json:"changes"`
	Timestamp string   `json:"timestamp"`
}

// ChangeSource fetches the server's current change window.
type ChangeSource interface {
	FetchChanges(ctx context.Context) (Batch, error)
}

// ApplyFunc delivers one change to the client. A returned error leaves the
// change unrecorded so it is offered again while still in the window.
type ApplyFunc func(ctx context.Context, change Change) error

// Stats describes poller health. It never changes protocol behavior.
type Stats struct {
	ConsecutiveFailures int
	TotalFailures       int
	ApplyFailures       int
	Applied             int
	LastSuccess         time.Time
	LastError           string
}

// PollerConfig wires a Poller.
type PollerConfig struct {
	Source   ChangeSource
	Session  *Session
	Apply    ApplyFunc
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Poller runs one client's polling loop.
type Poller struct {
	source   ChangeSource
	session  *Session
	apply    ApplyFunc
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	active   atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// NewPoller validates the configuration and returns an active poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Apply == nil {
		return nil, errMissingApply
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poller := &Poller{
		source:   cfg.Source,
		session:  cfg.Session,
		apply:    cfg.Apply,
		interval: interval,
		clock:    clock,
		logger:   logger.With(zap.String("session_id", cfg.Session.ID())),
		stopped:  make(chan struct{}),
	}
	poller.active.Store(true)
	return poller, nil
}

// Run polls immediately and then on every interval until ctx is done or Stop
// is called. Poll failures are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	if !p.active.Load() {
		return nil
	}
	p.session.Activate(p.clock())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		_, _ = p.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopped:
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one poll and returns how many changes were applied. Results
// of a fetch that completes after Stop are discarded.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	if !p.active.Load() {
		return 0, nil
	}
	p.session.Activate(p.clock())

	batch, err := p.source.FetchChanges(ctx)
	if !p.active.Load() {
		return 0, nil
	}
	if err != nil {
		failures := p.recordFailure(err)
		p.logger.Warn("change poll failed",
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
		return 0, err
	}
	p.recordSuccess()

	applied := 0
	for _, change := range batch.Changes {
		if !p.session.ShouldApply(change) {
			continue
		}
		if applyErr := p.apply(ctx, change); applyErr != nil {
			p.recordApplyFailure()
			p.logger.Warn("change apply failed",
				zap.String("card_id", change.CardID),
				zap.String("updated_at", change.UpdatedAt),
				zap.Error(applyErr))
			continue
		}
		p.session.MarkProcessed(change)
		applied++
	}
	if applied > 0 {
		p.recordApplied(applied)
		p.logger.Debug("changes applied", zap.Int("count", applied))
	}
	return applied, nil
}

// Stop deactivates the poller. It is safe to call more than once.
func (p *Poller) Stop() {
	p.active.Store(false)
	p.stopOnce.Do(func() { close(p.stopped) })
}

// Active reports whether Stop has not been called.
func (p *Poller) Active() bool {
	return p.active.Load()
}

// Stats returns a copy of the health counters.
func (p *Poller) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Poller) recordFailure(err error) int {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.ConsecutiveFailures++
	p.stats.TotalFailures++
	p.stats.LastError = err.Error()
	return p.stats.ConsecutiveFailures
}

func (p *Poller) recordSuccess() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.ConsecutiveFailures = 0
	p.stats.LastSuccess = p.clock()
}

func (p *Poller) recordApplyFailure() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.ApplyFailures++
}

func (p *Poller) recordApplied(count int) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.Applied += count
}
