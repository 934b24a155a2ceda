package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/clock/system"
	"github.com/streamwatch/streamwatch/internal/credential"
	"github.com/streamwatch/streamwatch/internal/events"
	"github.com/streamwatch/streamwatch/internal/metrics"
	"github.com/streamwatch/streamwatch/internal/registry"
	"github.com/streamwatch/streamwatch/internal/sink"
	"github.com/streamwatch/streamwatch/internal/stream"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func TestMonitor_TrackCreatesCrawler(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.mon.Track(ctx, "pets", []string{"cats", "dogs"}))

	rec, err := h.reg.Get("pets")
	require.NoError(t, err)
	require.Equal(t, registry.StateActive, rec.State)
	require.Equal(t, []string{"cats", "dogs"}, rec.Targets)
	require.Len(t, rec.Rules, 1)
	require.Equal(t, h.cred.Label(), rec.Rules[0].Credential)

	live := h.api.liveRules(h.cred.Label())
	require.Len(t, live, 1)
	require.Equal(t, "pets", live[0].Tag)
	require.Equal(t, "cats OR dogs", live[0].Text)

	info := h.mon.Info(ctx)
	require.Len(t, info.Crawlers, 1)
	require.Equal(t, "pets", info.Crawlers[0].Name)
	require.Len(t, info.Sessions, 1)
	require.Contains(t, h.hub.kinds(), events.KindCrawlerStarted)
}

func TestMonitor_TrackRejectsBadNames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	err := h.mon.Track(ctx, "../escape", []string{"cats"})
	require.ErrorIs(t, err, ErrInvalidName)

	require.NoError(t, h.mon.Track(ctx, "pets", []string{"cats"}))
	err = h.mon.Follow(ctx, "pets", []string{"12345"})
	require.ErrorIs(t, err, ErrDuplicateName)

	// The failed duplicate must not have touched the live rule set.
	require.Len(t, h.api.liveRules(h.cred.Label()), 1)
}

func TestMonitor_TrackQuotaExhaustedLeavesNothing(t *testing.T) {
	t.Parallel()

	small := &credential.Credential{User: "bob", App: "small", Bearer: "tok", Tier: credential.TierEssential}
	h := newHarness(t, Config{}, small)
	ctx := context.Background()

	targets := make([]string, 60)
	for i := range targets {
		targets[i] = fmt.Sprintf("10000%05d", i)
	}
	err := h.mon.Follow(ctx, "big", targets)
	require.ErrorIs(t, err, ErrQuotaExhausted)

	_, err = h.mon.InfoCrawler(ctx, "big")
	require.ErrorIs(t, err, ErrCrawlerNotFound)
	require.Empty(t, h.api.liveRules(small.Label()))
	require.Empty(t, h.mon.Info(ctx).Crawlers)
}

func TestMonitor_RecordsReachDayFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.mon.Track(ctx, "pets", []string{"cats"}))
	sess := h.transport.waitForSession(t, h.cred.Label())
	sess.push([]byte(`{"data":{"id":"1","text":"a cat"},"matching_rules":[{"id":"r","tag":"pets"}]}`))

	require.Eventually(t, func() bool {
		rec, err := h.reg.Get("pets")
		return err == nil && rec.Records == 1
	}, time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(h.dataDir, sink.FileName("pets", time.Now())))
	require.NoError(t, err)
	require.Contains(t, string(data), `"text":"a cat"`)
}

func TestMonitor_PauseFreesRulesAndTearsDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.mon.Track(ctx, "pets", []string{"cats"}))
	h.transport.waitForSession(t, h.cred.Label())

	require.NoError(t, h.mon.Pause(ctx, "pets"))

	rec, err := h.reg.Get("pets")
	require.NoError(t, err)
	require.Equal(t, registry.StatePaused, rec.State)
	require.Equal(t, []string{"cats"}, rec.Targets)
	require.Empty(t, rec.Rules)

	require.Empty(t, h.api.liveRules(h.cred.Label()))
	require.Empty(t, h.mon.Info(ctx).Sessions)
	require.Contains(t, h.hub.kinds(), events.KindCrawlerPaused)

	err = h.mon.Pause(ctx, "pets")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMonitor_ResumeReallocatesRules(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.mon.Track(ctx, "pets", []string{"cats"}))
	first, err := h.reg.Get("pets")
	require.NoError(t, err)

	require.NoError(t, h.mon.Pause(ctx, "pets"))
	require.NoError(t, h.mon.Resume(ctx, "pets"))

	rec, err := h.reg.Get("pets")
	require.NoError(t, err)
	require.Equal(t, registry.StateActive, rec.State)
	require.Len(t, rec.Rules, 1)
	require.NotEqual(t, first.Rules[0].ID, rec.Rules[0].ID)
	require.Len(t, rec.Activity, 2)

	require.Len(t, h.mon.Info(ctx).Sessions, 1)
	require.Contains(t, h.hub.kinds(), events.KindCrawlerResumed)
}

func TestMonitor_ResumeFailureStaysPaused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.mon.Track(ctx, "pets", []string{"cats"}))
	require.NoError(t, h.mon.Pause(ctx, "pets"))

	h.api.setFailAdd(h.cred.Label(), errors.New("remote down"))
	err := h.mon.Resume(ctx, "pets")
	require.Error(t, err)

	rec, err := h.reg.Get("pets")
	require.NoError(t, err)
	require.Equal(t, registry.StatePaused, rec.State)
	require.Empty(t, h.api.liveRules(h.cred.Label()))
}

func TestMonitor_ResumeErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	err := h.mon.Resume(ctx, "ghost")
	require.ErrorIs(t, err, ErrCrawlerNotFound)

	require.NoError(t, h.mon.Track(ctx, "pets", []string{"cats"}))
	err = h.mon.Resume(ctx, "pets")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMonitor_DeleteRetainsFiles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.mon.Track(ctx, "pets", []string{"cats"}))
	sess := h.transport.waitForSession(t, h.cred.Label())
	sess.push([]byte(`{"data":{"id":"1"},"matching_rules":[{"id":"r","tag":"pets"}]}`))

	dayFile := filepath.Join(h.dataDir, sink.FileName("pets", time.Now()))
	require.Eventually(t, func() bool {
		_, err := os.Stat(dayFile)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.mon.Delete(ctx, "pets"))

	_, err := h.mon.InfoCrawler(ctx, "pets")
	require.ErrorIs(t, err, ErrCrawlerNotFound)
	require.Empty(t, h.api.liveRules(h.cred.Label()))
	require.Empty(t, h.mon.Info(ctx).Sessions)
	require.Contains(t, h.hub.kinds(), events.KindCrawlerDeleted)

	// Collected data and the tombstone survive the crawler.
	_, err = os.Stat(dayFile)
	require.NoError(t, err)
	meta, err := os.ReadFile(filepath.Join(h.dataDir, "pets", "info.json"))
	require.NoError(t, err)
	require.Contains(t, string(meta), "deleted")

	// The name is free again.
	require.NoError(t, h.mon.Track(ctx, "pets", []string{"dogs"}))
}

func TestMonitor_InfoCrawlerDetail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.mon.Track(ctx, "pets", []string{"cats", "dogs"}))

	det, err := h.mon.InfoCrawler(ctx, "pets")
	require.NoError(t, err)
	require.Equal(t, "pets", det.Name)
	require.Equal(t, []string{"cats", "dogs"}, det.Targets)
	require.Equal(t, 2, det.TargetCount)
	require.Len(t, det.Rules, 1)
	require.Equal(t, h.cred.Label(), det.Rules[0].Credential)
	require.Len(t, det.Activity, 1)
	require.Equal(t, sink.FileName("pets", time.Now()), det.DayFile)

	usage := h.mon.Info(ctx).Tiers
	require.Len(t, usage, 1)
	require.Equal(t, credential.TierElevated, usage[0].Tier)
	require.Equal(t, 1, usage[0].RulesUsed)
}

func TestMonitor_StatusReportEmitted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StatusInterval: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, h.mon.Track(ctx, "pets", []string{"cats"}))

	require.Eventually(t, func() bool {
		for _, evt := range h.hub.events() {
			if evt.Kind == events.KindStatusReport && evt.Active == 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestNameMutexSerializesSameName(t *testing.T) {
	t.Parallel()

	var m nameMutex
	unlockA := m.lock("a")

	acquired := make(chan struct{})
	go func() {
		unlock := m.lock("a")
		unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("same-name lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	// A different name never waits.
	unlockB := m.lock("b")
	unlockB()

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("same-name lock never released")
	}
}

// --- fakes ---

type harness struct {
	mon       *Monitor
	reg       *registry.Registry
	pool      *credential.Pool
	api       *fakeRuleAPI
	transport *fakeTransport
	hub       *captureHub
	cred      *credential.Credential
	dataDir   string
}

func newHarness(t *testing.T, cfg Config, creds ...*credential.Credential) *harness {
	t.Helper()
	if len(creds) == 0 {
		creds = []*credential.Credential{
			{User: "alice", App: "research", Bearer: "tok", Tier: credential.TierElevated},
		}
	}
	log := zap.NewNop()
	clk := system.New()
	dataDir := t.TempDir()

	reg := registry.New(dataDir, clk, log)
	require.NoError(t, reg.Load())

	api := newFakeRuleAPI()
	pool := credential.NewPool(creds, api, nil, log)
	files := sink.NewDayFile(dataDir, clk, log)
	transport := newFakeTransport()
	hub := &captureHub{}
	sup := stream.NewSupervisor(transport, files, reg, hub, clk, stream.Config{
		Backoff: stream.NewBackoff(time.Millisecond, 5*time.Millisecond),
	}, log)

	mon := New(reg, pool, sup, files, hub, clk, cfg, log)
	mon.Start(context.Background())
	t.Cleanup(mon.Stop)

	return &harness{
		mon:       mon,
		reg:       reg,
		pool:      pool,
		api:       api,
		transport: transport,
		hub:       hub,
		cred:      creds[0],
		dataDir:   dataDir,
	}
}

type fakeRuleAPI struct {
	mu      sync.Mutex
	nextID  int
	failAdd map[string]error
	rules   map[string][]credential.RemoteRule
}

func newFakeRuleAPI() *fakeRuleAPI {
	return &fakeRuleAPI{
		failAdd: make(map[string]error),
		rules:   make(map[string][]credential.RemoteRule),
	}
}

func (f *fakeRuleAPI) AddRules(
	_ context.Context,
	cred *credential.Credential,
	add []credential.RemoteRule,
	dryRun bool,
) ([]credential.RemoteRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	label := cred.Label()
	if err := f.failAdd[label]; err != nil {
		return nil, err
	}
	if dryRun {
		return add, nil
	}
	created := make([]credential.RemoteRule, len(add))
	for i, rule := range add {
		f.nextID++
		created[i] = credential.RemoteRule{
			ID:   fmt.Sprintf("rule-%d", f.nextID),
			Text: rule.Text,
			Tag:  rule.Tag,
		}
	}
	f.rules[label] = append(f.rules[label], created...)
	return created, nil
}

func (f *fakeRuleAPI) DeleteRules(_ context.Context, cred *credential.Credential, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	label := cred.Label()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	var kept []credential.RemoteRule
	for _, rule := range f.rules[label] {
		if _, gone := drop[rule.ID]; !gone {
			kept = append(kept, rule)
		}
	}
	f.rules[label] = kept
	return nil
}

func (f *fakeRuleAPI) ListRules(_ context.Context, cred *credential.Credential) ([]credential.RemoteRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]credential.RemoteRule, len(f.rules[cred.Label()]))
	copy(out, f.rules[cred.Label()])
	return out, nil
}

func (f *fakeRuleAPI) liveRules(label string) []credential.RemoteRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]credential.RemoteRule, len(f.rules[label]))
	copy(out, f.rules[label])
	return out
}

func (f *fakeRuleAPI) setFailAdd(label string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAdd[label] = err
}

type fakeTransport struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sessions: make(map[string]*fakeSession)}
}

func (f *fakeTransport) Open(ctx context.Context, cred credential.Credential) (stream.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := &fakeSession{ctx: ctx, lines: make(chan []byte, 32), closed: make(chan struct{})}
	f.sessions[cred.Label()] = sess
	return sess, nil
}

func (f *fakeTransport) IncrementalRules() bool { return true }

func (f *fakeTransport) waitForSession(t *testing.T, label string) *fakeSession {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		sess := f.sessions[label]
		f.mu.Unlock()
		if sess != nil {
			return sess
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no session opened for %s", label)
	return nil
}

type fakeSession struct {
	ctx    context.Context
	lines  chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *fakeSession) Next() ([]byte, error) {
	select {
	case line := <-s.lines:
		return line, nil
	case <-s.closed:
		return nil, io.EOF
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) push(line []byte) {
	s.lines <- line
}

type captureHub struct {
	mu   sync.Mutex
	evts []events.Event
}

func (c *captureHub) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evts = append(c.evts, evt)
}

func (c *captureHub) events() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, len(c.evts))
	copy(out, c.evts)
	return out
}

func (c *captureHub) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Kind, len(c.evts))
	for i, evt := range c.evts {
		out[i] = evt.Kind
	}
	return out
}
