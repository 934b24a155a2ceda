package monitor

import (
	"context"
	"time"

	"github.com/streamwatch/streamwatch/internal/credential"
	"github.com/streamwatch/streamwatch/internal/registry"
	"github.com/streamwatch/streamwatch/internal/rules"
	"github.com/streamwatch/streamwatch/internal/sink"
	"github.com/streamwatch/streamwatch/internal/stream"
)

// CrawlerSummary is one row of the operator overview.
type CrawlerSummary struct {
	Name        string
	Kind        rules.Kind
	State       registry.State
	TargetCount int
	Records     int64
	ActiveFor   time.Duration
	CreatedAt   time.Time
}

// Summary is the operator overview: every live crawler, quota by tier, and
// the open streaming sessions.
type Summary struct {
	Crawlers []CrawlerSummary
	Tiers    []credential.TierUsage
	Sessions []stream.SessionStatus
}

// RuleAssignment names one remote rule and the credential holding it.
type RuleAssignment struct {
	ID         string
	Credential string
}

// Detail is the full view of one crawler.
type Detail struct {
	CrawlerSummary
	Targets  []string
	Rules    []RuleAssignment
	Activity []registry.Segment
	// DayFile is the data-dir-relative file records land in right now.
	DayFile string
}

// Info reports every live crawler and the pooled quota by tier.
func (m *Monitor) Info(ctx context.Context) Summary {
	now := m.clk.Now()
	recs := m.registry.List()
	crawlers := make([]CrawlerSummary, 0, len(recs))
	for _, rec := range recs {
		crawlers = append(crawlers, summarize(rec, now))
	}
	return Summary{
		Crawlers: crawlers,
		Tiers:    m.pool.Snapshot(),
		Sessions: m.supervisor.Sessions(),
	}
}

// InfoCrawler reports one crawler in full.
func (m *Monitor) InfoCrawler(ctx context.Context, name string) (Detail, error) {
	rec, err := m.registry.Get(name)
	if err != nil {
		return Detail{}, err
	}
	assigned := make([]RuleAssignment, len(rec.Rules))
	for i, ref := range rec.Rules {
		assigned[i] = RuleAssignment{ID: ref.ID, Credential: ref.Credential}
	}
	now := m.clk.Now()
	return Detail{
		CrawlerSummary: summarize(rec, now),
		Targets:        rec.Targets,
		Rules:          assigned,
		Activity:       rec.Activity,
		DayFile:        sink.FileName(name, now),
	}, nil
}

func summarize(rec registry.Record, now time.Time) CrawlerSummary {
	return CrawlerSummary{
		Name:        rec.Name,
		Kind:        rec.Kind,
		State:       rec.State,
		TargetCount: len(rec.Targets),
		Records:     rec.Records,
		ActiveFor:   rec.ActiveDuration(now),
		CreatedAt:   rec.CreatedAt,
	}
}
