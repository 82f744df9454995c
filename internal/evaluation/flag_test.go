package evaluation

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/featuregrid/featuregrid/internal/models"
	"github.com/featuregrid/featuregrid/internal/settings"
	"github.com/featuregrid/featuregrid/internal/storage"
)

type shownEvent struct {
	CampaignID  int
	VariationID int
	UserID      string
}

// recordingSink captures impressions synchronously for assertions.
type recordingSink struct {
	mu    sync.Mutex
	shown []shownEvent
	goals []string
}

func (r *recordingSink) TrackVariationShown(campaignID, variationID int, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, shownEvent{campaignID, variationID, userID})
}

func (r *recordingSink) TrackGoal(_ int, identifier, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goals = append(r.goals, identifier)
}

func mustSettings(t *testing.T, payload string) *models.Settings {
	t.Helper()
	s, err := settings.Parse([]byte(payload))
	if err != nil {
		t.Fatalf("settings fixture: %v", err)
	}
	return s
}

const rolloutPayload = `{
  "accountId": 1234,
  "features": [{
    "id": 1, "key": "checkout",
    "metrics": [{"id": 9, "identifier": "purchase"}],
    "rules": [{"campaignId": 10, "ruleKey": "rollout-all", "type": "FLAG_ROLLOUT"}]
  }],
  "campaigns": [{
    "id": 10, "key": "c-rollout", "type": "ROLLOUT", "percentTraffic": 100,
    "variations": [{"id": 1, "key": "on", "weight": 100,
      "variables": [{"id": 1, "key": "theme", "type": "string", "value": "dark"}]}]
  }]
}`

func TestGetFlag_InputValidation(t *testing.T) {
	e := NewEngine(mustSettings(t, rolloutPayload))

	flag, err := e.GetFlag(context.Background(), "checkout", nil)
	if err != ErrMissingUserID || flag.IsEnabled {
		t.Errorf("nil user: got (%v, %v), want disabled flag and ErrMissingUserID", flag.IsEnabled, err)
	}

	flag, err = e.GetFlag(context.Background(), "", &models.UserContext{ID: "u1"})
	if err != ErrMissingFeatureKey || flag.IsEnabled {
		t.Errorf("empty key: got (%v, %v), want disabled flag and ErrMissingFeatureKey", flag.IsEnabled, err)
	}

	flag, err = e.GetFlag(context.Background(), "ghost", &models.UserContext{ID: "u1"})
	if err != ErrFeatureNotFound || flag.IsEnabled {
		t.Errorf("unknown feature: got (%v, %v), want disabled flag and ErrFeatureNotFound", flag.IsEnabled, err)
	}
}

func TestGetFlag_FullRollout(t *testing.T) {
	store := storage.NewMemory()
	e := NewEngine(mustSettings(t, rolloutPayload), WithStorage(store))

	flag, err := e.GetFlag(context.Background(), "checkout", &models.UserContext{ID: "u1"})
	if err != nil {
		t.Fatalf("GetFlag: %v", err)
	}
	if !flag.IsEnabled {
		t.Fatal("100% rollout must enable every user")
	}
	if got := flag.Variable("theme", ""); got != "dark" {
		t.Errorf("theme variable = %v, want dark", got)
	}

	rec, err := store.Get(context.Background(), "checkout", "u1")
	if err != nil {
		t.Fatalf("decision not persisted: %v", err)
	}
	if rec.RolloutID != 10 || rec.RolloutVariationID != 1 {
		t.Errorf("persisted record = %+v, want rollout 10/variation 1", rec)
	}
}

const rolloutPlusExperimentPayload = `{
  "accountId": 1234,
  "features": [{
    "id": 1, "key": "checkout",
    "rules": [
      {"campaignId": 10, "ruleKey": "partial-rollout", "type": "FLAG_ROLLOUT"},
      {"campaignId": 20, "ruleKey": "price-test", "type": "FLAG_TESTING"}
    ]
  }],
  "campaigns": [
    {"id": 10, "key": "c-rollout", "type": "ROLLOUT", "percentTraffic": 100,
     "variations": [{"id": 1, "key": "on", "weight": 50}]},
    {"id": 20, "key": "c-ab", "type": "AB", "percentTraffic": 100,
     "variations": [
       {"id": 1, "key": "control", "weight": 50,
        "variables": [{"id": 1, "key": "price", "type": "integer", "value": 100}]},
       {"id": 2, "key": "treatment", "weight": 50,
        "variables": [{"id": 1, "key": "price", "type": "integer", "value": 80}]}
     ]}
  ]
}`

func TestGetFlag_ExperimentsRunAfterRolloutTrafficMiss(t *testing.T) {
	e := NewEngine(mustSettings(t, rolloutPlusExperimentPayload))

	// The rollout admits ~50% of users; the experiment admits everyone.
	// Every user must therefore end up enabled: rollout hit or experiment.
	enabled := 0
	for i := 0; i < 500; i++ {
		flag, err := e.GetFlag(context.Background(), "checkout", &models.UserContext{ID: "user-" + strconv.Itoa(i)})
		if err != nil {
			t.Fatalf("GetFlag: %v", err)
		}
		if flag.IsEnabled {
			enabled++
		}
		if flag.Variable("price", nil) == nil {
			t.Fatalf("user-%d: experiment variables missing", i)
		}
	}
	if enabled != 500 {
		t.Errorf("%d/500 users enabled, want all (rollout miss falls through to experiments)", enabled)
	}
}

func TestGetFlag_StickyDecisionRoundTrip(t *testing.T) {
	store := storage.NewMemory()
	user := &models.UserContext{ID: "sticky-user"}

	e := NewEngine(mustSettings(t, rolloutPayload), WithStorage(store))
	first, err := e.GetFlag(context.Background(), "checkout", user)
	if err != nil || !first.IsEnabled {
		t.Fatalf("first evaluation: (%v, %v)", first.IsEnabled, err)
	}

	// Make the campaign unsatisfiable in a new snapshot: the stored
	// decision must still win without re-running bucketing.
	unsatisfiable := mustSettings(t, rolloutPayload)
	unsatisfiable.CampaignByID(10).Variations[0].Weight = 0
	unsatisfiable.CampaignByID(10).Variations[0].StartRangeVariation = 0
	unsatisfiable.CampaignByID(10).Variations[0].EndRangeVariation = 0

	second, err := NewEngine(unsatisfiable, WithStorage(store)).GetFlag(context.Background(), "checkout", user)
	if err != nil {
		t.Fatalf("second evaluation: %v", err)
	}
	if !second.IsEnabled {
		t.Error("stored rollout decision must survive a now-unsatisfiable campaign")
	}
}

const whitelistPayload = `{
  "accountId": 1234,
  "features": [{
    "id": 1, "key": "checkout",
    "rules": [{"campaignId": 20, "ruleKey": "price-test", "type": "FLAG_TESTING"}]
  }],
  "campaigns": [{
    "id": 20, "key": "c-ab", "type": "AB", "percentTraffic": 0,
    "isForcedVariationEnabled": true,
    "variations": [
      {"id": 1, "key": "control", "weight": 50},
      {"id": 2, "key": "treatment", "weight": 50,
       "segments": {"custom_variable": {"qa": "true"}},
       "variables": [{"id": 1, "key": "price", "type": "integer", "value": 80}]}
    ]
  }]
}`

func TestGetFlag_WhitelistingBypassesTraffic(t *testing.T) {
	e := NewEngine(mustSettings(t, whitelistPayload))

	// percentTraffic is 0, so only the forced variation can enable the flag.
	qa := &models.UserContext{ID: "u1", VariationTargetingVariables: map[string]any{"qa": true}}
	flag, err := e.GetFlag(context.Background(), "checkout", qa)
	if err != nil {
		t.Fatalf("GetFlag: %v", err)
	}
	if !flag.IsEnabled {
		t.Fatal("whitelisted user must bypass the 0% traffic gate")
	}
	if got := flag.Variable("price", nil); got != float64(80) {
		t.Errorf("price variable = %v, want 80", got)
	}

	plain := &models.UserContext{ID: "u1"}
	flag, err = e.GetFlag(context.Background(), "checkout", plain)
	if err != nil {
		t.Fatalf("GetFlag: %v", err)
	}
	if flag.IsEnabled {
		t.Error("non-whitelisted user must stay behind the 0% traffic gate")
	}
}

func TestGetFlag_EmptyVariationSegmentsOptOutOfWhitelisting(t *testing.T) {
	// The control variation has no segment object: it can never be forced,
	// even though an empty tree would trivially pass elsewhere.
	e := NewEngine(mustSettings(t, whitelistPayload))
	user := &models.UserContext{ID: "u2", VariationTargetingVariables: map[string]any{"qa": false}}

	flag, err := e.GetFlag(context.Background(), "checkout", user)
	if err != nil {
		t.Fatalf("GetFlag: %v", err)
	}
	if flag.IsEnabled {
		t.Error("no variation should be forced when only opted-out segments remain")
	}
}

const impactPayload = `{
  "accountId": 1234,
  "features": [{
    "id": 1, "key": "checkout",
    "impactCampaign": {"campaignId": 99, "type": "FLAG_TESTING"},
    "rules": [{"campaignId": 10, "ruleKey": "r", "type": "FLAG_ROLLOUT"}]
  }],
  "campaigns": [{
    "id": 10, "key": "c-rollout", "type": "ROLLOUT", "percentTraffic": 100,
    "variations": [{"id": 1, "key": "on", "weight": 100}]
  }]
}`

func TestGetFlag_ImpactCampaignSideChannel(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(mustSettings(t, impactPayload), WithSink(sink))

	if _, err := e.GetFlag(context.Background(), "checkout", &models.UserContext{ID: "u1"}); err != nil {
		t.Fatalf("GetFlag: %v", err)
	}

	var impact *shownEvent
	for i := range sink.shown {
		if sink.shown[i].CampaignID == 99 {
			impact = &sink.shown[i]
		}
	}
	if impact == nil {
		t.Fatal("impact campaign impression missing")
	}
	if impact.VariationID != 2 {
		t.Errorf("impact variation = %d, want 2 for an enabled flag", impact.VariationID)
	}
}

func TestTrackEvent(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(mustSettings(t, rolloutPayload), WithSink(sink))
	user := &models.UserContext{ID: "u1"}

	if err := e.TrackEvent(context.Background(), "purchase", user); err != nil {
		t.Fatalf("TrackEvent: %v", err)
	}
	if len(sink.goals) != 1 || sink.goals[0] != "purchase" {
		t.Errorf("goals = %v, want [purchase]", sink.goals)
	}

	if err := e.TrackEvent(context.Background(), "unknown-event", user); err != ErrMetricNotFound {
		t.Errorf("unknown event: err = %v, want ErrMetricNotFound", err)
	}
	if err := e.TrackEvent(context.Background(), "purchase", nil); err != ErrMissingUserID {
		t.Errorf("nil user: err = %v, want ErrMissingUserID", err)
	}
}

func TestMergeVariables(t *testing.T) {
	base := []models.Variable{{Key: "a", Value: 1}, {Key: "b", Value: 2}}
	override := []models.Variable{{Key: "b", Value: 20}, {Key: "c", Value: 30}}

	merged := mergeVariables(base, override)
	if len(merged) != 3 {
		t.Fatalf("merged length = %d, want 3", len(merged))
	}
	byKey := map[string]any{}
	for _, v := range merged {
		byKey[v.Key] = v.Value
	}
	if byKey["a"] != 1 || byKey["b"] != 20 || byKey["c"] != 30 {
		t.Errorf("merged = %v, want a=1 b=20 c=30", byKey)
	}
}
