package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDetectTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ruleCap  int
		wantTier Tier
	}{
		{"academic accepts 26", 1000, TierAcademic},
		{"elevated rejects 26 accepts 25", 25, TierElevated},
		{"essential only accepts 5", 5, TierEssential},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := newFakeRuleAPI()
			cred := &Credential{User: "probe", App: "app", Bearer: "tok"}
			api.capByLabel[cred.Label()] = tt.ruleCap

			tier, err := DetectTier(context.Background(), api, cred)
			require.NoError(t, err)
			require.Equal(t, tt.wantTier, tier)
		})
	}
}

func TestDetectTier_AllStepsFail(t *testing.T) {
	t.Parallel()

	api := newFakeRuleAPI()
	cred := &Credential{User: "probe", App: "app", Bearer: "tok"}
	api.failAdd[cred.Label()] = errors.New("unauthorized")

	_, err := DetectTier(context.Background(), api, cred)
	require.ErrorIs(t, err, ErrProbeFailed)
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	api := newFakeRuleAPI()
	healthy := &Credential{User: "alice", App: "research", Bearer: "tok"}
	broken := &Credential{User: "zed", App: "dead", Bearer: "tok"}
	api.capByLabel[healthy.Label()] = 25
	api.failAdd[broken.Label()] = errors.New("unauthorized")

	// Rules surviving from a previous run must be cleared before probing.
	api.rules[healthy.Label()] = []RemoteRule{
		{ID: "stale-1", Text: "old", Tag: "gone"},
		{ID: "stale-2", Text: "older", Tag: "gone"},
	}

	ready := Prepare(context.Background(), api, []*Credential{healthy, broken}, zap.NewNop())
	require.Len(t, ready, 1)
	require.Equal(t, healthy, ready[0])
	require.Equal(t, TierElevated, ready[0].Tier)
	require.Empty(t, api.liveRules(healthy.Label()))
}
