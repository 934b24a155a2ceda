// Package credential manages the streaming API credentials: loading them from
// disk, probing each one's capability tier, and allocating rule quota across
// them atomically.
package credential

import (
	"context"
	"errors"

	"github.com/streamwatch/streamwatch/internal/rules"
)

// Tier is a credential's access level. Each tier fixes how many rules the
// credential may hold and how long each rule may be.
type Tier string

const (
	TierEssential Tier = "essential"
	TierElevated  Tier = "elevated"
	TierAcademic  Tier = "academic"
)

// Capacity is the quota a tier grants.
type Capacity struct {
	MaxRules      int
	MaxRuleLength int
}

// Capacity returns the fixed quota table entry for the tier.
func (t Tier) Capacity() Capacity {
	switch t {
	case TierElevated:
		return Capacity{MaxRules: 25, MaxRuleLength: 512}
	case TierAcademic:
		return Capacity{MaxRules: 1000, MaxRuleLength: 1024}
	default:
		return Capacity{MaxRules: 5, MaxRuleLength: 512}
	}
}

// rank orders tiers cheapest first so allocation spends essential quota
// before touching academic room.
func (t Tier) rank() int {
	switch t {
	case TierElevated:
		return 1
	case TierAcademic:
		return 2
	default:
		return 0
	}
}

// Credential identifies one bearer token. The struct is immutable after
// Prepare assigns the tier; all usage accounting lives in the Pool.
type Credential struct {
	User   string
	App    string
	Bearer string
	Tier   Tier
}

// Label renders the stable "user/app" identifier used in logs, metrics, and
// persisted rule assignments.
func (c *Credential) Label() string {
	return c.User + "/" + c.App
}

// RemoteRule is one rule as the remote API reports it.
type RemoteRule struct {
	ID   string
	Text string
	Tag  string
}

// RuleAPI is the slice of the transport this package needs: mutating and
// inspecting a credential's remote rule set. The dry-run flag validates a
// submission without persisting it, which is how tiers are probed.
type RuleAPI interface {
	AddRules(ctx context.Context, cred *Credential, add []RemoteRule, dryRun bool) ([]RemoteRule, error)
	DeleteRules(ctx context.Context, cred *Credential, ids []string) error
	ListRules(ctx context.Context, cred *Credential) ([]RemoteRule, error)
}

// Pacer spaces out remote rule-set mutations per credential.
type Pacer interface {
	Wait(ctx context.Context, key string) error
}

var (
	// ErrQuotaExhausted reports that no credential combination can host the
	// requested rules. Nothing is left reserved when it is returned.
	ErrQuotaExhausted = errors.New("rule quota exhausted across all credentials")
	// ErrProbeFailed reports a credential that failed capability detection
	// and was excluded from the pool.
	ErrProbeFailed = errors.New("credential capability probe failed")
)

// Assignment records one compiled rule placed on one credential.
type Assignment struct {
	RuleID     string
	Spec       rules.Spec
	Credential *Credential
}
