package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/rules"
)

func TestRegistry_CreateValidatesNames(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	tests := []struct {
		name  string
		value string
		valid bool
	}{
		{"simple", "covid", true},
		{"mixed charset", "Covid-19_watch", true},
		{"unicode letters", "días", true},
		{"at limit", "aaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"empty", "", false},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"spaces", "bad name", false},
		{"path separator", "../escape", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Create(tt.value, rules.KindTrack, []string{"kw"})
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidName)
			}
		})
	}
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	_, err := reg.Create("covid", rules.KindTrack, []string{"kw"})
	require.NoError(t, err)

	_, err = reg.Create("covid", rules.KindTrack, []string{"other"})
	require.ErrorIs(t, err, ErrDuplicateName)

	// Paused crawlers still hold their name.
	require.NoError(t, reg.SetState("covid", StatePaused))
	_, err = reg.Create("covid", rules.KindTrack, []string{"other"})
	require.ErrorIs(t, err, ErrDuplicateName)

	// A deleted name is free again.
	require.NoError(t, reg.SetState("covid", StateDeleted))
	rec, err := reg.Create("covid", rules.KindFollow, []string{"123"})
	require.NoError(t, err)
	require.Equal(t, rules.KindFollow, rec.Kind)
	require.Equal(t, StateActive, rec.State)
}

func TestRegistry_TransitionTable(t *testing.T) {
	t.Parallel()

	type step struct {
		to State
		ok bool
	}
	tests := []struct {
		name  string
		setup []State
		step  step
	}{
		{"active pauses", nil, step{StatePaused, true}},
		{"active deletes", nil, step{StateDeleted, true}},
		{"active cannot activate", nil, step{StateActive, false}},
		{"paused resumes", []State{StatePaused}, step{StateActive, true}},
		{"paused deletes", []State{StatePaused}, step{StateDeleted, true}},
		{"paused cannot pause", []State{StatePaused}, step{StatePaused, false}},
		{"deleted is terminal", []State{StateDeleted}, step{StateActive, false}},
		{"deleted cannot pause", []State{StateDeleted}, step{StatePaused, false}},
		{"deleted cannot delete", []State{StateDeleted}, step{StateDeleted, false}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg := newTestRegistry(t)
			_, err := reg.Create("c", rules.KindTrack, []string{"kw"})
			require.NoError(t, err)
			for _, state := range tt.setup {
				require.NoError(t, reg.SetState("c", state))
			}

			err = reg.SetState("c", tt.step.to)
			if tt.step.ok {
				require.NoError(t, err)
				rec, getErr := reg.Get("c")
				if tt.step.to == StateDeleted {
					require.ErrorIs(t, getErr, ErrNotFound)
				} else {
					require.NoError(t, getErr)
					require.Equal(t, tt.step.to, rec.State)
				}
				return
			}
			require.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestRegistry_SetStateUnknownName(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	require.ErrorIs(t, reg.SetState("ghost", StatePaused), ErrNotFound)
}

func TestRegistry_PersistsBeforeReturning(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clk := &fakeClock{now: time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)}
	reg := New(dir, clk, zap.NewNop())
	require.NoError(t, reg.Load())

	_, err := reg.Create("covid", rules.KindTrack, []string{"Covid19", "coronavirus"})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "covid", "info.json"))
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, "covid", stored["name"])
	require.Equal(t, "track", stored["type"])
	require.Equal(t, "active", stored["state"])

	require.NoError(t, reg.SetState("covid", StatePaused))
	raw, err = os.ReadFile(filepath.Join(dir, "covid", "info.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, "paused", stored["state"])
}

func TestRegistry_LoadForcesPaused(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clk := &fakeClock{now: time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)}

	first := New(dir, clk, zap.NewNop())
	require.NoError(t, first.Load())
	_, err := first.Create("running", rules.KindTrack, []string{"Covid19", "coronavirus"})
	require.NoError(t, err)
	require.NoError(t, first.SetRules("running", []RuleRef{{ID: "r1", Credential: "alice/research"}}))
	_, err = first.Create("parked", rules.KindFollow, []string{"123"})
	require.NoError(t, err)
	require.NoError(t, first.SetState("parked", StatePaused))
	_, err = first.Create("gone", rules.KindTrack, []string{"old"})
	require.NoError(t, err)
	require.NoError(t, first.SetState("gone", StateDeleted))

	// Simulated restart: a fresh registry over the same directory.
	second := New(dir, clk, zap.NewNop())
	require.NoError(t, second.Load())

	running, err := second.Get("running")
	require.NoError(t, err)
	require.Equal(t, StatePaused, running.State, "active crawlers restart paused")
	require.Equal(t, []string{"Covid19", "coronavirus"}, running.Targets)
	require.Empty(t, running.Rules, "stale rule refs are dropped on load")

	parked, err := second.Get("parked")
	require.NoError(t, err)
	require.Equal(t, StatePaused, parked.State)

	_, err = second.Get("gone")
	require.ErrorIs(t, err, ErrNotFound)
	require.Len(t, second.List(), 2)

	// The forced state is also persisted, not just held in memory.
	raw, err := os.ReadFile(filepath.Join(dir, "running", "info.json"))
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, "paused", stored["state"])
}

func TestRegistry_DeleteKeepsFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clk := &fakeClock{now: time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)}
	reg := New(dir, clk, zap.NewNop())
	require.NoError(t, reg.Load())

	_, err := reg.Create("covid", rules.KindTrack, []string{"kw"})
	require.NoError(t, err)
	dayFile := filepath.Join(dir, "covid", "2023-04-01.jsonl")
	require.NoError(t, os.WriteFile(dayFile, []byte("{\"data\":{}}\n"), 0o600))

	require.NoError(t, reg.SetState("covid", StateDeleted))
	require.Empty(t, reg.List())

	_, err = os.Stat(dayFile)
	require.NoError(t, err, "day files survive deletion")
	raw, err := os.ReadFile(filepath.Join(dir, "covid", "info.json"))
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, "deleted", stored["state"])
}

func TestRegistry_ActivityAndCounters(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	start := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	clk := &fakeClock{now: start}
	reg := New(dir, clk, zap.NewNop())
	require.NoError(t, reg.Load())

	_, err := reg.Create("covid", rules.KindTrack, []string{"kw"})
	require.NoError(t, err)

	reg.AddRecords("covid", 3)
	reg.AddRecords("covid", 2)

	clk.advance(90 * time.Second)
	require.NoError(t, reg.Checkpoint())

	rec, err := reg.Get("covid")
	require.NoError(t, err)
	require.Equal(t, int64(5), rec.Records)
	require.Equal(t, 90*time.Second, rec.ActiveDuration(clk.Now()))

	// Pausing closes the segment; resuming opens a second one.
	clk.advance(30 * time.Second)
	require.NoError(t, reg.SetState("covid", StatePaused))
	rec, err = reg.Get("covid")
	require.NoError(t, err)
	require.Equal(t, 120*time.Second, rec.ActiveDuration(clk.Now()))

	clk.advance(time.Hour)
	require.NoError(t, reg.SetState("covid", StateActive))
	clk.advance(10 * time.Second)
	rec, err = reg.Get("covid")
	require.NoError(t, err)
	require.Len(t, rec.Activity, 2)
	require.Equal(t, 130*time.Second, rec.ActiveDuration(clk.Now()))

	// Paused crawlers accumulate no records.
	require.NoError(t, reg.SetState("covid", StatePaused))
	reg.AddRecords("covid", 7)
	rec, err = reg.Get("covid")
	require.NoError(t, err)
	require.Equal(t, int64(5), rec.Records)
}

// --- fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := New(t.TempDir(), &fakeClock{now: time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)}, zap.NewNop())
	require.NoError(t, reg.Load())
	return reg
}
