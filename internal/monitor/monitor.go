package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/clock"
	"github.com/streamwatch/streamwatch/internal/credential"
	"github.com/streamwatch/streamwatch/internal/events"
	"github.com/streamwatch/streamwatch/internal/metrics"
	"github.com/streamwatch/streamwatch/internal/registry"
	"github.com/streamwatch/streamwatch/internal/rules"
	"github.com/streamwatch/streamwatch/internal/sink"
	"github.com/streamwatch/streamwatch/internal/stream"
)

// Operation failures alias the underlying package sentinels so callers match
// against this package alone, the way os re-exports io/fs errors.
var (
	ErrInvalidName       = registry.ErrInvalidName
	ErrDuplicateName     = registry.ErrDuplicateName
	ErrInvalidTransition = registry.ErrInvalidTransition
	ErrCrawlerNotFound   = registry.ErrNotFound
	ErrOversizedTarget   = rules.ErrOversizedTarget
	ErrQuotaExhausted    = credential.ErrQuotaExhausted
	ErrCredentialProbe   = credential.ErrProbeFailed
)

const defaultStatusInterval = 30 * time.Second

// Config holds monitor tuning.
type Config struct {
	// StatusInterval is the cadence of activity checkpoints and status
	// report events (default 30s).
	StatusInterval time.Duration
}

// Monitor runs the crawler lifecycle. Operations on the same crawler name
// serialize; distinct names proceed in parallel.
type Monitor struct {
	registry   *registry.Registry
	pool       *credential.Pool
	supervisor *stream.Supervisor
	files      *sink.DayFile
	hub        events.Emitter
	clk        clock.Clock
	cfg        Config
	log        *zap.Logger

	names nameMutex

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Monitor. Call Start before running operations.
func New(
	reg *registry.Registry,
	pool *credential.Pool,
	sup *stream.Supervisor,
	files *sink.DayFile,
	hub events.Emitter,
	clk clock.Clock,
	cfg Config,
	log *zap.Logger,
) *Monitor {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	return &Monitor{
		registry:   reg,
		pool:       pool,
		supervisor: sup,
		files:      files,
		hub:        hub,
		clk:        clk,
		cfg:        cfg,
		log:        log,
	}
}

// Start launches the stream supervisor and the status loop. The context
// bounds every streaming session the monitor opens.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.supervisor.Start(ctx)
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.started = true
	go m.statusLoop()
}

// Stop halts the status loop, tears down every streaming session, closes the
// day files, and persists a final activity checkpoint.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()
	<-m.doneCh

	m.supervisor.Stop()
	if err := m.files.Close(); err != nil {
		m.log.Warn("closing day files", zap.Error(err))
	}
	if err := m.registry.Checkpoint(); err != nil {
		m.log.Warn("final activity checkpoint failed", zap.Error(err))
	}
}

// Track starts a crawler recording posts that mention any of the keywords.
func (m *Monitor) Track(ctx context.Context, name string, keywords []string) error {
	return m.create(ctx, name, rules.KindTrack, keywords)
}

// Follow starts a crawler recording the accounts' posting activity.
func (m *Monitor) Follow(ctx context.Context, name string, accounts []string) error {
	return m.create(ctx, name, rules.KindFollow, accounts)
}

// create runs the shared track/follow path: validate, allocate rules, persist
// the record, attach routes. A failure on any step undoes the previous ones,
// so a failed create leaves no live rules and no visible record.
func (m *Monitor) create(ctx context.Context, name string, kind rules.Kind, targets []string) error {
	unlock := m.names.lock(name)
	defer unlock()

	if err := registry.ValidateName(name); err != nil {
		return err
	}
	if _, err := m.registry.Get(name); err == nil {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	assignments, err := m.pool.Allocate(ctx, name, kind, targets)
	if err != nil {
		return fmt.Errorf("allocate rules for %q: %w", name, err)
	}
	if _, err := m.registry.Create(name, kind, targets); err != nil {
		m.pool.Release(ctx, name)
		return err
	}
	if err := m.attach(name, assignments); err != nil {
		m.supervisor.Detach(name)
		m.pool.Release(ctx, name)
		if stateErr := m.registry.SetState(name, registry.StateDeleted); stateErr != nil {
			m.log.Warn("rollback: burying failed crawler",
				zap.String("crawler", name), zap.Error(stateErr))
		}
		return err
	}

	m.hub.Emit(events.Event{TS: m.clk.Now(), Kind: events.KindCrawlerStarted, Crawler: name})
	m.log.Info("crawler started",
		zap.String("crawler", name),
		zap.String("kind", string(kind)),
		zap.Int("targets", len(targets)),
		zap.Int("rules", len(assignments)))
	return nil
}

// Pause stops a crawler's recording and frees its rule quota. The stored
// targets and collected files stay for a later resume. When Pause returns,
// no further record reaches the crawler's files.
func (m *Monitor) Pause(ctx context.Context, name string) error {
	unlock := m.names.lock(name)
	defer unlock()

	if err := m.registry.SetState(name, registry.StatePaused); err != nil {
		return err
	}
	m.supervisor.Detach(name)
	m.pool.Release(ctx, name)
	m.files.CloseCrawler(name)

	m.hub.Emit(events.Event{TS: m.clk.Now(), Kind: events.KindCrawlerPaused, Crawler: name})
	m.log.Info("crawler paused", zap.String("crawler", name))
	return nil
}

// Resume reactivates a paused crawler with freshly allocated rules. When
// allocation fails the crawler stays paused.
func (m *Monitor) Resume(ctx context.Context, name string) error {
	unlock := m.names.lock(name)
	defer unlock()

	rec, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	if rec.State != registry.StatePaused {
		return fmt.Errorf("%w: %s -> %s for %q",
			ErrInvalidTransition, rec.State, registry.StateActive, name)
	}

	assignments, err := m.pool.Allocate(ctx, name, rec.Kind, rec.Targets)
	if err != nil {
		return fmt.Errorf("allocate rules for %q: %w", name, err)
	}
	if err := m.registry.SetState(name, registry.StateActive); err != nil {
		m.pool.Release(ctx, name)
		return err
	}
	if err := m.attach(name, assignments); err != nil {
		m.supervisor.Detach(name)
		m.pool.Release(ctx, name)
		if stateErr := m.registry.SetState(name, registry.StatePaused); stateErr != nil {
			m.log.Warn("rollback: repausing failed",
				zap.String("crawler", name), zap.Error(stateErr))
		}
		return err
	}

	m.hub.Emit(events.Event{TS: m.clk.Now(), Kind: events.KindCrawlerResumed, Crawler: name})
	m.log.Info("crawler resumed", zap.String("crawler", name))
	return nil
}

// Delete retires a crawler for good. Its rule quota is freed; the collected
// day files and the tombstoned registry entry stay on disk.
func (m *Monitor) Delete(ctx context.Context, name string) error {
	unlock := m.names.lock(name)
	defer unlock()

	if err := m.registry.SetState(name, registry.StateDeleted); err != nil {
		return err
	}
	m.supervisor.Detach(name)
	m.pool.Release(ctx, name)
	m.files.CloseCrawler(name)

	m.hub.Emit(events.Event{TS: m.clk.Now(), Kind: events.KindCrawlerDeleted, Crawler: name})
	m.log.Info("crawler deleted", zap.String("crawler", name))
	return nil
}

// attach records the rule assignments and routes the crawler on every
// credential hosting one of its rules.
func (m *Monitor) attach(name string, assignments []credential.Assignment) error {
	if err := m.registry.SetRules(name, ruleRefs(assignments)); err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for _, a := range assignments {
		label := a.Credential.Label()
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		if err := m.supervisor.Attach(*a.Credential, name); err != nil {
			return fmt.Errorf("attach %q to %s: %w", name, label, err)
		}
	}
	return nil
}

func ruleRefs(assignments []credential.Assignment) []registry.RuleRef {
	refs := make([]registry.RuleRef, len(assignments))
	for i, a := range assignments {
		refs[i] = registry.RuleRef{ID: a.RuleID, Credential: a.Credential.Label()}
	}
	return refs
}

func (m *Monitor) statusLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.report()
		}
	}
}

// report advances activity accounting and emits one status event.
func (m *Monitor) report() {
	if err := m.registry.Checkpoint(); err != nil {
		m.log.Warn("activity checkpoint failed", zap.Error(err))
	}
	active, paused := m.registry.Counts()
	metrics.SetCrawlerStates(active, paused)

	var records int64
	for _, rec := range m.registry.List() {
		records += rec.Records
	}
	m.hub.Emit(events.Event{
		TS:       m.clk.Now(),
		Kind:     events.KindStatusReport,
		Active:   active,
		Paused:   paused,
		Sessions: len(m.supervisor.Sessions()),
		Records:  records,
	})
}

// nameMutex hands out one mutex per crawler name, dropping entries once the
// last holder releases so the map never outgrows the live operation set.
type nameMutex struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

func (m *nameMutex) lock(name string) func() {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*nameLock)
	}
	l := m.locks[name]
	if l == nil {
		l = &nameLock{}
		m.locks[name] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, name)
		}
		m.mu.Unlock()
	}
}
