package credential

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// probeLadder is walked top to bottom: the first rule count a dry-run
// submission accepts identifies the tier. 26 rules only fit an academic
// credential, 25 an elevated one, 5 an essential one.
var probeLadder = []struct {
	tier  Tier
	count int
}{
	{TierAcademic, 26},
	{TierElevated, 25},
	{TierEssential, 5},
}

// DetectTier determines a credential's tier by dry-running rule submissions
// of decreasing size. Dry runs validate against the credential's quota
// without persisting anything.
func DetectTier(ctx context.Context, api RuleAPI, cred *Credential) (Tier, error) {
	var lastErr error
	for _, step := range probeLadder {
		add := make([]RemoteRule, step.count)
		for i := range add {
			add[i] = RemoteRule{Text: probeValue(), Tag: "probe"}
		}
		if _, err := api.AddRules(ctx, cred, add, true); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		return step.tier, nil
	}
	return "", fmt.Errorf("%w: %v", ErrProbeFailed, lastErr)
}

// probeValue returns a unique alphanumeric keyword that can never collide
// with a live rule.
func probeValue() string {
	return "probe" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Prepare makes loaded credentials usable: it clears any rules a previous
// process left on the remote set (every crawler restarts paused, so no rule
// should survive a restart) and probes each credential's tier. Credentials
// that fail either step are excluded; the rest are returned.
func Prepare(ctx context.Context, api RuleAPI, creds []*Credential, log *zap.Logger) []*Credential {
	ready := make([]*Credential, 0, len(creds))
	for _, cred := range creds {
		if err := clearRemoteRules(ctx, api, cred); err != nil {
			log.Warn("credential excluded: cannot reset remote rules",
				zap.String("credential", cred.Label()), zap.Error(err))
			continue
		}
		tier, err := DetectTier(ctx, api, cred)
		if err != nil {
			log.Warn("credential excluded",
				zap.String("credential", cred.Label()), zap.Error(err))
			continue
		}
		cred.Tier = tier
		capacity := tier.Capacity()
		log.Info("credential ready",
			zap.String("credential", cred.Label()),
			zap.String("tier", string(tier)),
			zap.Int("max_rules", capacity.MaxRules),
			zap.Int("max_rule_length", capacity.MaxRuleLength))
		ready = append(ready, cred)
	}
	return ready
}

func clearRemoteRules(ctx context.Context, api RuleAPI, cred *Credential) error {
	existing, err := api.ListRules(ctx, cred)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if len(existing) == 0 {
		return nil
	}
	ids := make([]string, len(existing))
	for i, rule := range existing {
		ids[i] = rule.ID
	}
	if err := api.DeleteRules(ctx, cred, ids); err != nil {
		return fmt.Errorf("delete %d leftover rules: %w", len(ids), err)
	}
	return nil
}
