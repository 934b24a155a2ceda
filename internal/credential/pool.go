package credential

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/metrics"
	"github.com/streamwatch/streamwatch/internal/rules"
)

// Pool owns all quota accounting. Allocation is two-phase: slots are reserved
// under the pool lock, then rules are pushed to the remote set outside it, so
// concurrent allocations on other credentials never wait on network calls.
// Any push failure rolls back both the reservations and the rules already
// pushed for the same request.
type Pool struct {
	api   RuleAPI
	pacer Pacer
	log   *zap.Logger

	mu          sync.Mutex
	creds       []*Credential
	used        map[string]int
	assignments map[string][]Assignment
}

// placement is one reserved batch: these specs go to this credential.
type placement struct {
	cred  *Credential
	specs []rules.Spec
}

// NewPool builds a pool over prepared credentials. The slice is kept in
// cheapest-tier-first order so allocation preserves academic room for the
// jobs that need it.
func NewPool(creds []*Credential, api RuleAPI, pacer Pacer, log *zap.Logger) *Pool {
	ordered := make([]*Credential, len(creds))
	copy(ordered, creds)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Tier.rank() != ordered[j].Tier.rank() {
			return ordered[i].Tier.rank() < ordered[j].Tier.rank()
		}
		return ordered[i].Label() < ordered[j].Label()
	})
	return &Pool{
		api:         api,
		pacer:       pacer,
		log:         log,
		creds:       ordered,
		used:        make(map[string]int),
		assignments: make(map[string][]Assignment),
	}
}

// Credentials returns the pooled credentials in allocation order.
func (p *Pool) Credentials() []*Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Credential, len(p.creds))
	copy(out, p.creds)
	return out
}

// Allocate compiles targets against the candidate credentials and places the
// resulting rules, spanning credentials when one lacks room. Either every
// rule lands and the full assignment list is returned, or nothing is left
// reserved anywhere and the error explains why.
func (p *Pool) Allocate(ctx context.Context, crawler string, kind rules.Kind, targets []string) ([]Assignment, error) {
	plan, err := p.reserve(crawler, kind, targets)
	if err != nil {
		return nil, err
	}

	assignments, err := p.push(ctx, crawler, plan)
	if err != nil {
		p.unreserve(plan)
		return nil, err
	}

	p.mu.Lock()
	p.assignments[crawler] = append(p.assignments[crawler], assignments...)
	p.mu.Unlock()
	p.reportUsage()
	return assignments, nil
}

// reserve builds the placement plan and claims quota under the lock. Each
// candidate compiles the still-unplaced targets against its own length
// budget, so a spill from an academic credential re-splits to fit a 512-char
// tier. Failure returns with every claimed slot released.
func (p *Pool) reserve(crawler string, kind rules.Kind, targets []string) ([]placement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		plan      []placement
		oversized error
	)
	remaining := targets
	for _, cred := range p.candidatesLocked(crawler) {
		if len(remaining) == 0 {
			break
		}
		capacity := cred.Tier.Capacity()
		free := capacity.MaxRules - p.used[cred.Label()]
		if free <= 0 {
			continue
		}
		specs, err := rules.Compile(remaining, kind, capacity.MaxRuleLength)
		if err != nil {
			if errors.Is(err, rules.ErrOversizedTarget) {
				// A candidate with a longer budget may still fit it.
				if oversized == nil {
					oversized = err
				}
				continue
			}
			p.rollbackLocked(plan)
			return nil, err
		}
		take := specs
		if len(take) > free {
			take = specs[:free]
		}
		p.used[cred.Label()] += len(take)
		plan = append(plan, placement{cred: cred, specs: take})
		remaining = unplacedTargets(specs, len(take))
	}
	if len(remaining) > 0 {
		p.rollbackLocked(plan)
		if oversized != nil {
			return nil, oversized
		}
		return nil, fmt.Errorf("%w: %d targets unplaced for %q",
			ErrQuotaExhausted, len(remaining), crawler)
	}
	return plan, nil
}

// candidatesLocked orders credentials for one allocation: those already
// hosting the crawler's rules first, then the pool's cheapest-first order.
func (p *Pool) candidatesLocked(crawler string) []*Credential {
	hosting := make(map[string]bool)
	for _, a := range p.assignments[crawler] {
		hosting[a.Credential.Label()] = true
	}
	out := make([]*Credential, len(p.creds))
	copy(out, p.creds)
	sort.SliceStable(out, func(i, j int) bool {
		return hosting[out[i].Label()] && !hosting[out[j].Label()]
	})
	return out
}

func unplacedTargets(specs []rules.Spec, taken int) []string {
	var out []string
	for _, spec := range specs[taken:] {
		out = append(out, spec.Targets...)
	}
	return out
}

func (p *Pool) rollbackLocked(plan []placement) {
	for _, pl := range plan {
		label := pl.cred.Label()
		p.used[label] -= len(pl.specs)
		if p.used[label] < 0 {
			p.used[label] = 0
		}
	}
}

func (p *Pool) unreserve(plan []placement) {
	p.mu.Lock()
	p.rollbackLocked(plan)
	p.mu.Unlock()
	p.reportUsage()
}

// push sends each placement batch to its credential. On any failure the
// rules already created for this request are deleted again before the error
// returns.
func (p *Pool) push(ctx context.Context, crawler string, plan []placement) ([]Assignment, error) {
	var out []Assignment
	fail := func(cred *Credential, batchIDs []string, cause error) error {
		cleanup := context.WithoutCancel(ctx)
		if len(batchIDs) > 0 {
			if err := p.api.DeleteRules(cleanup, cred, batchIDs); err != nil {
				p.log.Warn("rollback: deleting pushed rules failed",
					zap.String("credential", cred.Label()), zap.Error(err))
			}
		}
		p.removeRemote(cleanup, out)
		return cause
	}

	for _, pl := range plan {
		if err := p.pace(ctx, pl.cred); err != nil {
			return nil, fail(pl.cred, nil, err)
		}
		add := make([]RemoteRule, len(pl.specs))
		for i, spec := range pl.specs {
			add[i] = RemoteRule{Text: spec.Text, Tag: crawler}
		}
		created, err := p.api.AddRules(ctx, pl.cred, add, false)
		if err != nil {
			return nil, fail(pl.cred, nil,
				fmt.Errorf("push %d rules to %s: %w", len(add), pl.cred.Label(), err))
		}
		byText := make(map[string]string, len(created))
		createdIDs := make([]string, len(created))
		for i, rule := range created {
			byText[rule.Text] = rule.ID
			createdIDs[i] = rule.ID
		}
		batch := make([]Assignment, 0, len(pl.specs))
		for _, spec := range pl.specs {
			id, found := byText[spec.Text]
			if !found || id == "" {
				return nil, fail(pl.cred, createdIDs,
					fmt.Errorf("remote returned no id for a rule pushed to %s", pl.cred.Label()))
			}
			batch = append(batch, Assignment{RuleID: id, Spec: spec, Credential: pl.cred})
		}
		out = append(out, batch...)
	}
	return out, nil
}

// Release returns the crawler's quota and removes its rules from the remote
// set. Calling it for a crawler with no live rules is a no-op, so callers
// may release unconditionally. Remote delete failures are logged, not
// returned: quota is freed either way and leftover remote rules are cleared
// by the next startup reset.
func (p *Pool) Release(ctx context.Context, crawler string) {
	p.mu.Lock()
	assignments := p.assignments[crawler]
	delete(p.assignments, crawler)
	for label, n := range countByLabel(assignments) {
		p.used[label] -= n
		if p.used[label] < 0 {
			p.used[label] = 0
		}
	}
	p.mu.Unlock()

	if len(assignments) == 0 {
		return
	}
	p.removeRemote(context.WithoutCancel(ctx), assignments)
	p.reportUsage()
}

// Assignments returns a copy of the crawler's live rule assignments.
func (p *Pool) Assignments(crawler string) []Assignment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Assignment, len(p.assignments[crawler]))
	copy(out, p.assignments[crawler])
	return out
}

func countByLabel(assignments []Assignment) map[string]int {
	counts := make(map[string]int)
	for _, a := range assignments {
		counts[a.Credential.Label()]++
	}
	return counts
}

func (p *Pool) removeRemote(ctx context.Context, assignments []Assignment) {
	byLabel := make(map[string]*placementIDs)
	for _, a := range assignments {
		label := a.Credential.Label()
		if byLabel[label] == nil {
			byLabel[label] = &placementIDs{cred: a.Credential}
		}
		byLabel[label].ids = append(byLabel[label].ids, a.RuleID)
	}
	for _, group := range byLabel {
		if err := p.pace(ctx, group.cred); err != nil {
			p.log.Warn("skipping remote rule delete",
				zap.String("credential", group.cred.Label()), zap.Error(err))
			continue
		}
		if err := p.api.DeleteRules(ctx, group.cred, group.ids); err != nil {
			p.log.Warn("remote rule delete failed",
				zap.String("credential", group.cred.Label()),
				zap.Int("rules", len(group.ids)), zap.Error(err))
		}
	}
}

type placementIDs struct {
	cred *Credential
	ids  []string
}

func (p *Pool) pace(ctx context.Context, cred *Credential) error {
	if p.pacer == nil {
		return nil
	}
	start := time.Now()
	if err := p.pacer.Wait(ctx, cred.Label()); err != nil {
		return fmt.Errorf("rule api pacing: %w", err)
	}
	metrics.ObserveRateLimitDelay(cred.Label(), time.Since(start))
	return nil
}

func (p *Pool) reportUsage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cred := range p.creds {
		metrics.SetRuleSlotsUsed(cred.Label(), p.used[cred.Label()])
	}
}

// TierUsage aggregates quota for operator summaries.
type TierUsage struct {
	Tier        Tier
	Credentials int
	RulesUsed   int
	RulesTotal  int
}

// Snapshot reports quota usage grouped by tier, cheapest tier first.
func (p *Pool) Snapshot() []TierUsage {
	p.mu.Lock()
	defer p.mu.Unlock()

	byTier := make(map[Tier]*TierUsage)
	for _, cred := range p.creds {
		usage := byTier[cred.Tier]
		if usage == nil {
			usage = &TierUsage{Tier: cred.Tier}
			byTier[cred.Tier] = usage
		}
		usage.Credentials++
		usage.RulesUsed += p.used[cred.Label()]
		usage.RulesTotal += cred.Tier.Capacity().MaxRules
	}

	var out []TierUsage
	for _, tier := range []Tier{TierEssential, TierElevated, TierAcademic} {
		if usage, ok := byTier[tier]; ok {
			out = append(out, *usage)
		}
	}
	return out
}
