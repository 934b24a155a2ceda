package stream

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/clock"
	"github.com/streamwatch/streamwatch/internal/credential"
	"github.com/streamwatch/streamwatch/internal/events"
	"github.com/streamwatch/streamwatch/internal/metrics"
)

// Config controls supervision behavior.
type Config struct {
	// Backoff bounds the reconnect delays.
	Backoff Backoff
	// StatusInterval is the cadence of per-session status events
	// (default 10s).
	StatusInterval time.Duration
	// HealthyAfter is the connection uptime after which the retry counter
	// resets (default 30s).
	HealthyAfter time.Duration
}

const (
	defaultStatusInterval = 10 * time.Second
	defaultHealthyAfter   = 30 * time.Second
)

// Supervisor keeps one streaming session per credential alive and routes
// each arriving record to the crawlers whose rules matched it. Sessions are
// created on first attach and torn down when their last crawler detaches.
type Supervisor struct {
	transport Transport
	sink      RecordSink
	counter   RecordCounter
	hub       events.Emitter
	clk       clock.Clock
	log       *zap.Logger
	cfg       Config

	mu       sync.Mutex
	sessions map[string]*session
	root     context.Context
	cancel   context.CancelFunc
	started  bool
	wg       sync.WaitGroup
}

// SessionStatus describes one live session.
type SessionStatus struct {
	Credential string
	Crawlers   []string
	Records    int64
	Connected  bool
	Uptime     time.Duration
}

// NewSupervisor constructs a Supervisor. Call Start before attaching.
func NewSupervisor(
	transport Transport,
	sink RecordSink,
	counter RecordCounter,
	hub events.Emitter,
	clk clock.Clock,
	cfg Config,
	log *zap.Logger,
) *Supervisor {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = defaultHealthyAfter
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = NewBackoff(time.Second, 2*time.Minute)
	}
	return &Supervisor{
		transport: transport,
		sink:      sink,
		counter:   counter,
		hub:       hub,
		clk:       clk,
		log:       log,
		cfg:       cfg,
		sessions:  make(map[string]*session),
	}
}

// Start binds the supervisor to a root context and launches the session
// status loop. Sessions derive from this context, so canceling it stops
// every stream read and backoff sleep.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.root, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.wg.Add(1)
	go s.statusLoop()
}

// Attach routes the crawler's records on the credential's session, creating
// the session if this is the credential's first crawler.
func (s *Supervisor) Attach(cred credential.Credential, crawler string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("supervisor is not started")
	}

	label := cred.Label()
	sess, ok := s.sessions[label]
	if !ok {
		ctx, cancel := context.WithCancel(s.root)
		sess = &session{
			cred:     cred,
			ctx:      ctx,
			cancel:   cancel,
			done:     make(chan struct{}),
			crawlers: map[string]struct{}{crawler: {}},
		}
		s.sessions[label] = sess
		s.wg.Add(1)
		go s.run(sess)
		return nil
	}

	sess.add(crawler)
	if !s.transport.IncrementalRules() {
		sess.bounce()
	}
	return nil
}

// Detach removes the crawler from every session's routing table and tears
// down sessions left without crawlers. When Detach returns, no further
// record reaches the crawler, even one mid-read.
func (s *Supervisor) Detach(crawler string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for label, sess := range s.sessions {
		routed, remaining := sess.remove(crawler)
		if !routed {
			continue
		}
		if remaining == 0 {
			sess.cancel()
			<-sess.done
			delete(s.sessions, label)
			continue
		}
		if !s.transport.IncrementalRules() {
			sess.bounce()
		}
	}
}

// Sessions snapshots every live session, ordered by credential label.
func (s *Supervisor) Sessions() []SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	out := make([]SessionStatus, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.status(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credential < out[j].Credential })
	return out
}

// Stop cancels every session and blocks until all loops exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.started = false
	s.mu.Unlock()

	for _, sess := range sessions {
		<-sess.done
	}
	s.wg.Wait()
}

// run is the per-credential session loop: connect, consume until the stream
// breaks, back off, repeat. It exits only when the session context ends.
func (s *Supervisor) run(sess *session) {
	defer s.wg.Done()
	defer close(sess.done)

	label := sess.cred.Label()
	attempt := 0
	for {
		if sess.ctx.Err() != nil {
			return
		}

		conn, err := s.transport.Open(sess.ctx, sess.cred)
		if err != nil {
			if sess.ctx.Err() != nil {
				return
			}
			attempt++
			metrics.ObserveReconnect(label)
			delay := s.cfg.Backoff.Delay(attempt)
			s.log.Warn("stream connect failed",
				zap.String("credential", label),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			s.hub.Emit(events.Event{
				TS:         s.clk.Now(),
				Kind:       events.KindSessionDown,
				Credential: label,
				Note:       err.Error(),
			})
			if !sleep(sess.ctx, delay) {
				return
			}
			continue
		}

		connectedAt := s.clk.Now()
		sess.setConn(conn, connectedAt)
		metrics.IncSessions()
		s.log.Info("stream connected",
			zap.String("credential", label),
			zap.Int("attempt", attempt),
		)
		s.hub.Emit(events.Event{
			TS:         connectedAt,
			Kind:       events.KindSessionUp,
			Credential: label,
		})

		readErr := s.consume(sess, conn)
		_ = conn.Close()
		sess.clearConn()
		metrics.DecSessions()

		if sess.ctx.Err() != nil {
			return
		}

		uptime := s.clk.Now().Sub(connectedAt)
		if uptime >= s.cfg.HealthyAfter {
			attempt = 0
		}
		attempt++
		metrics.ObserveReconnect(label)
		delay := s.cfg.Backoff.Delay(attempt)
		s.log.Warn("stream session lost",
			zap.String("credential", label),
			zap.Duration("uptime", uptime),
			zap.Duration("retry_in", delay),
			zap.Error(readErr),
		)
		note := ""
		if readErr != nil {
			note = readErr.Error()
		}
		s.hub.Emit(events.Event{
			TS:         s.clk.Now(),
			Kind:       events.KindSessionDown,
			Credential: label,
			Uptime:     uptime,
			Note:       note,
		})
		if !sleep(sess.ctx, delay) {
			return
		}
	}
}

func (s *Supervisor) consume(sess *session, conn Session) error {
	for {
		line, err := conn.Next()
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			metrics.ObserveMalformedRecord()
			s.log.Warn("dropping malformed record",
				zap.String("credential", sess.cred.Label()),
				zap.Error(err),
			)
			continue
		}
		s.route(sess, rec)
	}
}

// route delivers one record to every attached crawler whose rule matched.
// Delivery happens under the session lock: once Detach returns, a crawler
// can no longer appear here.
func (s *Supervisor) route(sess *session, rec Record) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.records++
	for _, tag := range rec.Tags {
		if _, ok := sess.crawlers[tag]; !ok {
			continue
		}
		if err := s.sink.Append(tag, rec.Raw); err != nil {
			s.log.Error("append record failed",
				zap.String("crawler", tag),
				zap.Error(err),
			)
			continue
		}
		s.counter.AddRecords(tag, 1)
		metrics.ObserveRecord(tag)
	}
}

func (s *Supervisor) statusLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.root.Done():
			return
		case <-ticker.C:
			for _, st := range s.Sessions() {
				s.hub.Emit(events.Event{
					TS:         s.clk.Now(),
					Kind:       events.KindSessionStatus,
					Credential: st.Credential,
					Records:    st.Records,
					Uptime:     st.Uptime,
				})
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// session is one credential's connection state and routing table.
type session struct {
	cred   credential.Credential
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	crawlers    map[string]struct{}
	conn        Session
	connectedAt time.Time
	records     int64
}

func (sess *session) add(crawler string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.crawlers[crawler] = struct{}{}
}

func (sess *session) remove(crawler string) (routed bool, remaining int) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_, routed = sess.crawlers[crawler]
	delete(sess.crawlers, crawler)
	return routed, len(sess.crawlers)
}

// bounce closes the live connection so the loop reconnects with the
// credential's current rule set.
func (sess *session) bounce() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.conn != nil {
		_ = sess.conn.Close()
	}
}

func (sess *session) setConn(conn Session, at time.Time) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.conn = conn
	sess.connectedAt = at
}

func (sess *session) clearConn() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.conn = nil
	sess.connectedAt = time.Time{}
}

func (sess *session) status(now time.Time) SessionStatus {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	crawlers := make([]string, 0, len(sess.crawlers))
	for name := range sess.crawlers {
		crawlers = append(crawlers, name)
	}
	sort.Strings(crawlers)
	st := SessionStatus{
		Credential: sess.cred.Label(),
		Crawlers:   crawlers,
		Records:    sess.records,
		Connected:  sess.conn != nil,
	}
	if st.Connected {
		st.Uptime = now.Sub(sess.connectedAt)
	}
	return st
}
