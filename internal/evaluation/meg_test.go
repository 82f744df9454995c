package evaluation

import (
	"context"
	"strconv"
	"testing"

	"github.com/featuregrid/featuregrid/internal/models"
	"github.com/featuregrid/featuregrid/internal/storage"
)

// megPayload defines two features whose AB campaigns share one mutually
// exclusive group. Both campaigns take 100% traffic with no segments, so
// both are individually eligible for every user.
func megPayload(et int, priorities, weights string) string {
	return `{
	  "accountId": 1234,
	  "features": [
	    {"id": 1, "key": "feature-a",
	     "rules": [{"campaignId": 101, "ruleKey": "exp-a", "type": "FLAG_TESTING"}]},
	    {"id": 2, "key": "feature-b",
	     "rules": [{"campaignId": 102, "ruleKey": "exp-b", "type": "FLAG_TESTING"}]}
	  ],
	  "campaigns": [
	    {"id": 101, "key": "c-a", "type": "AB", "percentTraffic": 100,
	     "variations": [{"id": 1, "key": "control", "weight": 50}, {"id": 2, "key": "treat", "weight": 50}]},
	    {"id": 102, "key": "c-b", "type": "AB", "percentTraffic": 100,
	     "variations": [{"id": 1, "key": "control", "weight": 50}, {"id": 2, "key": "treat", "weight": 50}]}
	  ],
	  "groups": {"1": {"name": "pricing", "campaigns": ["101", "102"], "et": ` + strconv.Itoa(et) + `,
	    "p": ` + priorities + `, "wt": ` + weights + `}},
	  "campaignGroups": {"101": 1, "102": 1}
	}`
}

func TestMEG_Exclusivity(t *testing.T) {
	// Exactly one of the two competing features may serve a user, and the
	// outcome must be stable across repeated calls.
	for i := 0; i < 50; i++ {
		store := storage.NewMemory()
		e := NewEngine(mustSettings(t, megPayload(1, "[]", "{}")), WithStorage(store))
		user := &models.UserContext{ID: "user-" + strconv.Itoa(i)}

		a1, err := e.GetFlag(context.Background(), "feature-a", user)
		if err != nil {
			t.Fatalf("feature-a: %v", err)
		}
		b1, err := e.GetFlag(context.Background(), "feature-b", user)
		if err != nil {
			t.Fatalf("feature-b: %v", err)
		}

		if a1.IsEnabled == b1.IsEnabled {
			t.Fatalf("user-%d: a=%v b=%v, exactly one group member may win", i, a1.IsEnabled, b1.IsEnabled)
		}

		a2, _ := e.GetFlag(context.Background(), "feature-a", user)
		b2, _ := e.GetFlag(context.Background(), "feature-b", user)
		if a2.IsEnabled != a1.IsEnabled || b2.IsEnabled != b1.IsEnabled {
			t.Fatalf("user-%d: decisions changed on repeat evaluation", i)
		}
	}
}

func TestMEG_WinnerPersistedUnderMetaKey(t *testing.T) {
	store := storage.NewMemory()
	e := NewEngine(mustSettings(t, megPayload(1, "[]", "{}")), WithStorage(store))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		user := &models.UserContext{ID: "meta-user-" + strconv.Itoa(i)}
		flag, err := e.GetFlag(ctx, "feature-a", user)
		if err != nil {
			t.Fatalf("GetFlag: %v", err)
		}

		rec, recErr := store.Get(ctx, storage.MetaGroupKey(1), user.ID)
		if flag.IsEnabled {
			// feature-a's own campaign won; the ordinary decision write
			// covers it and no meta record is needed.
			if recErr == nil && rec.ExperimentID != 101 {
				t.Fatalf("user %s: unexpected meta winner %d", user.ID, rec.ExperimentID)
			}
			continue
		}
		// The other campaign won: the meta record must pin it for future
		// calls on any group member.
		if recErr != nil {
			t.Fatalf("user %s: losing evaluation left no meta record", user.ID)
		}
		if rec.ExperimentID != 102 {
			t.Fatalf("user %s: meta winner = %d, want 102", user.ID, rec.ExperimentID)
		}
	}
}

func TestMEG_StoredDecisionTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		store := storage.NewMemory()
		user := &models.UserContext{ID: "returning-" + strconv.Itoa(i)}

		// A prior decision pinned this user to campaign 102 on feature-b.
		_ = store.Set(ctx, &storage.Record{
			FeatureKey: "feature-b", UserID: user.ID,
			ExperimentID: 102, ExperimentKey: "exp-b", ExperimentVariationID: 1,
		})

		e := NewEngine(mustSettings(t, megPayload(1, "[]", "{}")), WithStorage(store))
		a, err := e.GetFlag(ctx, "feature-a", user)
		if err != nil {
			t.Fatalf("GetFlag: %v", err)
		}
		if a.IsEnabled {
			t.Fatalf("user %s: campaign 101 won although 102 is storage-sticky", user.ID)
		}
	}
}

func TestMEG_PriorityOrderWins(t *testing.T) {
	// Advanced algorithm with 102 first in priority: it must win for every
	// user even though 101 is equally eligible.
	e := NewEngine(mustSettings(t, megPayload(2, `["102", "101"]`, "{}")))
	for i := 0; i < 50; i++ {
		user := &models.UserContext{ID: "prio-" + strconv.Itoa(i)}
		a, _ := e.GetFlag(context.Background(), "feature-a", user)
		b, _ := e.GetFlag(context.Background(), "feature-b", user)
		if a.IsEnabled || !b.IsEnabled {
			t.Fatalf("user %d: a=%v b=%v, priority entry 102 must always win", i, a.IsEnabled, b.IsEnabled)
		}
	}
}

func TestMEG_WeightFallbackExcludesUnlistedCampaigns(t *testing.T) {
	// No priority entry matches; the weight map only names 101, so 102 is
	// excluded from the redistribution pool entirely.
	e := NewEngine(mustSettings(t, megPayload(2, `["999"]`, `{"101": 30}`)))
	for i := 0; i < 50; i++ {
		user := &models.UserContext{ID: "wt-" + strconv.Itoa(i)}
		a, _ := e.GetFlag(context.Background(), "feature-a", user)
		b, _ := e.GetFlag(context.Background(), "feature-b", user)
		if !a.IsEnabled || b.IsEnabled {
			t.Fatalf("user %d: a=%v b=%v, only weighted campaign 101 may win", i, a.IsEnabled, b.IsEnabled)
		}
	}
}

func TestMEG_RolloutGateBlocksCandidates(t *testing.T) {
	// feature-a gains a rollout rule that admits nobody; its campaign can
	// then never enter the group pool and 102 must win.
	payload := `{
	  "accountId": 1234,
	  "features": [
	    {"id": 1, "key": "feature-a",
	     "rules": [
	       {"campaignId": 100, "ruleKey": "gate", "type": "FLAG_ROLLOUT"},
	       {"campaignId": 101, "ruleKey": "exp-a", "type": "FLAG_TESTING"}]},
	    {"id": 2, "key": "feature-b",
	     "rules": [{"campaignId": 102, "ruleKey": "exp-b", "type": "FLAG_TESTING"}]}
	  ],
	  "campaigns": [
	    {"id": 100, "key": "c-gate", "type": "ROLLOUT", "percentTraffic": 100,
	     "variations": [{"id": 1, "key": "on", "weight": 0}]},
	    {"id": 101, "key": "c-a", "type": "AB", "percentTraffic": 100,
	     "variations": [{"id": 1, "key": "v", "weight": 100}]},
	    {"id": 102, "key": "c-b", "type": "AB", "percentTraffic": 100,
	     "variations": [{"id": 1, "key": "v", "weight": 100}]}
	  ],
	  "groups": {"1": {"name": "g", "campaigns": ["101", "102"], "et": 1}},
	  "campaignGroups": {"101": 1, "102": 1}
	}`
	e := NewEngine(mustSettings(t, payload))
	for i := 0; i < 20; i++ {
		user := &models.UserContext{ID: "gated-" + strconv.Itoa(i)}
		b, err := e.GetFlag(context.Background(), "feature-b", user)
		if err != nil {
			t.Fatalf("GetFlag: %v", err)
		}
		if !b.IsEnabled {
			t.Fatalf("user %d: 102 must win when feature-a's rollout gate fails", i)
		}
	}
}
