// Package registry is the durable source of truth for crawler records. Every
// mutation persists to disk before it is visible in memory, so a crash never
// leaves the two views diverged for longer than one call.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/clock"
	"github.com/streamwatch/streamwatch/internal/rules"
)

// State is a crawler's lifecycle position.
type State string

const (
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateDeleted State = "deleted"
)

var (
	// ErrInvalidName reports a name that cannot serve as a folder key:
	// empty, longer than 25 characters, or containing anything outside
	// letters, digits, hyphen, and underscore.
	ErrInvalidName = errors.New("invalid crawler name")
	// ErrDuplicateName reports a name already held by an active or paused
	// crawler. Deleted names may be reused.
	ErrDuplicateName = errors.New("crawler name already in use")
	// ErrInvalidTransition reports a state change outside the lifecycle
	// table.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotFound reports an operation on an unknown crawler.
	ErrNotFound = errors.New("crawler not found")
)

const maxNameLength = 25

// Segment is one stretch of active streaming. The open segment of an active
// crawler has its duration advanced by Checkpoint; pause and delete close it.
type Segment struct {
	Start    time.Time
	Duration time.Duration
}

// RuleRef ties a remote rule ID to the credential holding it.
type RuleRef struct {
	ID         string
	Credential string
}

// Record is one crawler's registry entry.
type Record struct {
	Name      string
	Kind      rules.Kind
	Targets   []string
	State     State
	CreatedAt time.Time
	Records   int64
	Activity  []Segment
	Rules     []RuleRef
}

// ActiveDuration sums the crawler's activity segments. For an active crawler
// the open segment counts up to now rather than its last persisted value.
func (r Record) ActiveDuration(now time.Time) time.Duration {
	var total time.Duration
	for i, seg := range r.Activity {
		if r.State == StateActive && i == len(r.Activity)-1 {
			if live := now.Sub(seg.Start); live > 0 {
				total += live
			}
			continue
		}
		total += seg.Duration
	}
	return total
}

// Registry maps crawler names to records, backed by one folder per crawler
// under the root directory.
type Registry struct {
	root  string
	clk   clock.Clock
	log   *zap.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

// New creates a registry rooted at dir. Call Load before use.
func New(dir string, clk clock.Clock, log *zap.Logger) *Registry {
	return &Registry{
		root:    dir,
		clk:     clk,
		log:     log,
		records: make(map[string]*Record),
	}
}

// Load scans the root directory and reconstructs every non-deleted crawler.
// Reconstructed crawlers are forced to paused (a restart never resumes a
// stream without explicit operator action) and their stale rule references
// are dropped, since the startup credential reset cleared the remote set.
func (r *Registry) Load() error {
	records, err := scanRecords(r.root, r.log)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*Record, len(records))
	for _, rec := range records {
		if rec.State == StateDeleted {
			continue
		}
		changed := rec.State != StatePaused || len(rec.Rules) > 0
		rec.State = StatePaused
		rec.Rules = nil
		if changed {
			if err := writeRecord(r.root, rec); err != nil {
				return fmt.Errorf("persist %q as paused: %w", rec.Name, err)
			}
		}
		r.records[rec.Name] = rec
	}
	r.log.Info("registry loaded", zap.Int("crawlers", len(r.records)))
	return nil
}

// Create validates the name, persists a new active record, and returns a
// copy of it. The record reaches disk before it becomes visible.
func (r *Registry) Create(name string, kind rules.Kind, targets []string) (Record, error) {
	if err := ValidateName(name); err != nil {
		return Record{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, exists := r.records[name]; exists && existing.State != StateDeleted {
		return Record{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	now := r.clk.Now()
	rec := &Record{
		Name:      name,
		Kind:      kind,
		Targets:   append([]string(nil), targets...),
		State:     StateActive,
		CreatedAt: now,
		Activity:  []Segment{{Start: now}},
	}
	if err := writeRecord(r.root, rec); err != nil {
		return Record{}, fmt.Errorf("persist new crawler %q: %w", name, err)
	}
	r.records[name] = rec
	return rec.clone(), nil
}

// Get returns a copy of the named record. Deleted crawlers are invisible
// here; only their tombstones and data files remain on disk.
func (r *Registry) Get(name string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok || rec.State == StateDeleted {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return rec.clone(), nil
}

// List returns copies of all non-deleted records, sorted by name.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.State == StateDeleted {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetState applies one lifecycle transition and persists it before returning.
// Leaving the active state closes the open activity segment; entering it
// opens a new one. Rule references are cleared on any transition out of
// active, keeping the no-rules-while-paused invariant in a single write.
// A deleted record stays in the map as a tombstone so later operations on
// the name fail as invalid transitions; the next Load drops it entirely.
func (r *Registry) SetState(name string, newState State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if !canTransition(rec.State, newState) {
		return fmt.Errorf("%w: %s -> %s for %q", ErrInvalidTransition, rec.State, newState, name)
	}

	now := r.clk.Now()
	updated := rec.clone()
	switch newState {
	case StateActive:
		updated.Activity = append(updated.Activity, Segment{Start: now})
	case StatePaused, StateDeleted:
		closeOpenSegment(&updated, now)
		updated.Rules = nil
	}
	updated.State = newState

	if err := writeRecord(r.root, &updated); err != nil {
		return fmt.Errorf("persist %q as %s: %w", name, newState, err)
	}
	*rec = updated
	return nil
}

// SetRules replaces the record's rule references and persists the change.
func (r *Registry) SetRules(name string, refs []RuleRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	updated := rec.clone()
	updated.Rules = append([]RuleRef(nil), refs...)
	if err := writeRecord(r.root, &updated); err != nil {
		return fmt.Errorf("persist rules for %q: %w", name, err)
	}
	*rec = updated
	return nil
}

// AddRecords bumps the collected-record counter in memory. The counter
// reaches disk on the next Checkpoint or transition, so a crash loses at
// most one status interval of counts, never registry state.
func (r *Registry) AddRecords(name string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[name]; ok && rec.State == StateActive {
		rec.Records += n
	}
}

// Checkpoint advances every active crawler's open activity segment and
// persists all active records. Called on the status-loop cadence and at
// shutdown.
func (r *Registry) Checkpoint() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	now := r.clk.Now()
	for _, rec := range r.records {
		if rec.State != StateActive {
			continue
		}
		if n := len(rec.Activity); n > 0 {
			if live := now.Sub(rec.Activity[n-1].Start); live > 0 {
				rec.Activity[n-1].Duration = live
			}
		}
		if err := writeRecord(r.root, rec); err != nil {
			r.log.Warn("checkpoint failed", zap.String("crawler", rec.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Counts reports how many crawlers sit in each live state.
func (r *Registry) Counts() (active, paused int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		switch rec.State {
		case StateActive:
			active++
		case StatePaused:
			paused++
		}
	}
	return active, paused
}

func (r *Record) clone() Record {
	out := *r
	out.Targets = append([]string(nil), r.Targets...)
	out.Activity = append([]Segment(nil), r.Activity...)
	out.Rules = append([]RuleRef(nil), r.Rules...)
	return out
}

func closeOpenSegment(rec *Record, now time.Time) {
	if rec.State != StateActive {
		return
	}
	if n := len(rec.Activity); n > 0 {
		if live := now.Sub(rec.Activity[n-1].Start); live > 0 {
			rec.Activity[n-1].Duration = live
		}
	}
}

func canTransition(from, to State) bool {
	switch {
	case from == StateActive && to == StatePaused:
		return true
	case from == StatePaused && to == StateActive:
		return true
	case (from == StateActive || from == StatePaused) && to == StateDeleted:
		return true
	}
	return false
}

// ValidateName checks a crawler name: 1 to 25 letters, digits, hyphens, or
// underscores. The name doubles as a directory and a rule tag, so anything
// else is rejected.
func ValidateName(name string) error {
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}
