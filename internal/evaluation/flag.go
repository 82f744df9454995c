package evaluation

import (
	"context"
	"errors"

	"github.com/featuregrid/featuregrid/internal/campaign"
	"github.com/featuregrid/featuregrid/internal/models"
	"github.com/featuregrid/featuregrid/internal/storage"
)

// ErrMetricNotFound marks a tracked event name no feature declares.
var ErrMetricNotFound = errors.New("evaluation: metric not found")

// GetFlag decides whether a feature is enabled for a user and which
// variable values apply. The pipeline is terminal on the first satisfying
// branch: sticky storage, then rollout rules, then experiment rules (which
// may still override variables on top of a sticky rollout). Engine
// failures degrade to a disabled flag; the only errors surfaced are the
// input preconditions and an unknown feature key, always alongside a
// well-formed disabled result.
func (e *Engine) GetFlag(ctx context.Context, featureKey string, user *models.UserContext) (*models.Flag, error) {
	flag := &models.Flag{}
	if user == nil || user.ID == "" {
		return flag, ErrMissingUserID
	}
	if featureKey == "" {
		return flag, ErrMissingFeatureKey
	}

	feature := e.settings.FeatureByKey(featureKey)
	if feature == nil {
		e.log.Warn().Str("feature", featureKey).Msg("flag requested for unknown feature")
		return flag, ErrFeatureNotFound
	}

	c := e.newCall(user)
	rec := storage.Record{FeatureKey: featureKey, UserID: user.ID}
	rolloutSticky := false

	// Sticky storage short-circuit. A stored experiment decision wins
	// outright; a stored rollout decision marks the feature enabled and
	// skips re-evaluating rollout rules, since experiments may still
	// override variables.
	if stored := e.getRecord(ctx, featureKey, user.ID); stored != nil {
		if cmp, v := e.lookupDecision(feature, stored.ExperimentID, stored.ExperimentVariationID); v != nil {
			e.log.Debug().Str("feature", featureKey).Str("campaign", cmp.Key).
				Msg("serving sticky experiment decision")
			flag.IsEnabled = true
			flag.Variables = v.Variables
			return flag, nil
		}
		if cmp, v := e.lookupDecision(feature, stored.RolloutID, stored.RolloutVariationID); v != nil {
			e.log.Debug().Str("feature", featureKey).Str("campaign", cmp.Key).
				Msg("reusing sticky rollout decision")
			flag.IsEnabled = true
			flag.Variables = v.Variables
			rec.RolloutID = stored.RolloutID
			rec.RolloutKey = stored.RolloutKey
			rec.RolloutVariationID = stored.RolloutVariationID
			rolloutSticky = true
			c.rolloutPassed[feature.Key] = true
		}
	}

	// Rollout rules, in configured order. The first rule passing
	// pre-segmentation is traffic-bucketed whether or not the bucketing
	// lands; a traffic miss leaves the flag disabled but experiments are
	// still consulted.
	experimentsGate := rolloutSticky
	if !rolloutSticky {
		sawRollout := false
		for _, cmp := range feature.RulesLinkedCampaign {
			if cmp.Type != models.CampaignTypeRollout {
				continue
			}
			sawRollout = true
			if !c.resolveRule(ctx, cmp).Passed {
				continue
			}
			experimentsGate = true
			if v := campaign.VariationAllotted(user.ID, e.settings.AccountID, cmp); v != nil {
				flag.IsEnabled = true
				flag.Variables = v.Variables
				rec.RolloutID = cmp.ID
				rec.RolloutKey = cmp.RuleKey
				rec.RolloutVariationID = v.ID
				e.sink.TrackVariationShown(cmp.ID, v.ID, user.ID)
			}
			break
		}
		if !sawRollout {
			// No rollout rules is pass-through to experiments.
			experimentsGate = true
		}
		c.rolloutPassed[feature.Key] = experimentsGate && (flag.IsEnabled || !sawRollout)
	}

	// Experiment rules (AB and personalize), first pass wins. A
	// whitelisted variation short-circuits bucketing entirely.
	if experimentsGate {
		for _, cmp := range feature.RulesLinkedCampaign {
			if cmp.Type == models.CampaignTypeRollout {
				continue
			}
			outcome := c.resolveRule(ctx, cmp)
			if !outcome.Passed {
				continue
			}
			v := outcome.Whitelisted
			if v == nil {
				v = campaign.VariationAllotted(user.ID, e.settings.AccountID, cmp)
			}
			if v != nil {
				flag.IsEnabled = true
				flag.Variables = mergeVariables(flag.Variables, v.Variables)
				rec.ExperimentID = cmp.ID
				rec.ExperimentKey = cmp.RuleKey
				rec.ExperimentVariationID = v.ID
				e.sink.TrackVariationShown(cmp.ID, v.ID, user.ID)
			}
			break
		}
	}

	if flag.IsEnabled {
		e.setRecord(ctx, &rec)
	}

	// Impact-analysis side channel: best effort, independent of the main
	// decision. Variation 2 signals enabled, 1 disabled.
	if feature.ImpactCampaign != nil {
		impactVariation := 1
		if flag.IsEnabled {
			impactVariation = 2
		}
		e.sink.TrackVariationShown(feature.ImpactCampaign.CampaignID, impactVariation, user.ID)
	}

	return flag, nil
}

// TrackEvent forwards a conversion event to the impression sink for every
// feature declaring a metric with the given identifier.
func (e *Engine) TrackEvent(ctx context.Context, eventName string, user *models.UserContext) error {
	if user == nil || user.ID == "" {
		return ErrMissingUserID
	}
	if eventName == "" {
		return ErrMetricNotFound
	}
	matched := false
	for _, f := range e.settings.Features {
		for _, m := range f.Metrics {
			if m.Identifier == eventName {
				matched = true
				e.sink.TrackGoal(m.ID, m.Identifier, user.ID)
			}
		}
	}
	if !matched {
		e.log.Warn().Str("event", eventName).Msg("track called for unknown metric")
		return ErrMetricNotFound
	}
	return nil
}

// lookupDecision maps stored campaign/variation ids back onto the
// feature's linked campaigns. Unknown ids mean the record predates the
// current settings and count as a miss.
func (e *Engine) lookupDecision(feature *models.Feature, campaignID, variationID int) (*models.Campaign, *models.Variation) {
	if campaignID == 0 || variationID == 0 {
		return nil, nil
	}
	for _, cmp := range feature.RulesLinkedCampaign {
		if cmp.ID != campaignID {
			continue
		}
		for _, v := range cmp.Variations {
			if v.ID == variationID {
				return cmp, v
			}
		}
	}
	return nil, nil
}

// mergeVariables overlays override values onto base by variable key;
// experiments add to or override what a rollout resolved.
func mergeVariables(base, override []models.Variable) []models.Variable {
	if len(base) == 0 {
		return override
	}
	merged := append([]models.Variable(nil), base...)
	for _, ov := range override {
		replaced := false
		for i, b := range merged {
			if b.Key == ov.Key {
				merged[i] = ov
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, ov)
		}
	}
	return merged
}
