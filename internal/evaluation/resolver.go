package evaluation

import (
	"context"
	"strconv"

	"github.com/featuregrid/featuregrid/internal/bucketing"
	"github.com/featuregrid/featuregrid/internal/campaign"
	"github.com/featuregrid/featuregrid/internal/models"
	"github.com/featuregrid/featuregrid/internal/segmentation"
	"github.com/featuregrid/featuregrid/internal/storage"
)

// call carries the state of one GetFlag/TrackEvent invocation. A fresh
// value per call keeps the engine itself free of shared mutable state.
type call struct {
	engine *Engine
	user   *models.UserContext

	// megWinners caches group winners decided earlier in this call.
	megWinners map[int]*models.Campaign
	// rolloutPassed caches per-feature rollout outcomes so MEG resolution
	// evaluates each feature's rollout at most once per call.
	rolloutPassed map[string]bool
}

func (e *Engine) newCall(user *models.UserContext) *call {
	return &call{
		engine:        e,
		user:          user,
		megWinners:    make(map[int]*models.Campaign),
		rolloutPassed: make(map[string]bool),
	}
}

// evaluator builds a per-campaign segmentation evaluator. The anonymized
// identity switch is campaign-scoped, hence a fresh evaluator per campaign.
func (c *call) evaluator(cmp *models.Campaign) *segmentation.Evaluator {
	return segmentation.New(c.engine.settings, c.user,
		segmentation.WithLists(c.engine.lists),
		segmentation.WithFeatures(storageFeatureChecker{engine: c.engine}),
		segmentation.WithAnonymousID(cmp != nil && cmp.IsUserListEnabled),
		segmentation.WithLogger(c.engine.log),
	)
}

// resolveRule decides whether the user may enter one campaign rule. The
// order is fixed: forced-variation whitelisting first (AB only), then the
// mutually-exclusive-group gate, then ordinary pre-segmentation.
func (c *call) resolveRule(ctx context.Context, cmp *models.Campaign) RuleOutcome {
	if cmp == nil {
		return RuleOutcome{}
	}

	if forced := c.whitelistedVariation(ctx, cmp); forced != nil {
		return RuleOutcome{Passed: true, Whitelisted: forced}
	}

	if groupID, inGroup := c.engine.settings.GroupForCampaign(cmp.ID, pinnedVariationID(cmp)); inGroup {
		winner, decided := c.groupWinner(ctx, groupID)
		if !decided {
			winner = c.resolveGroupWinner(ctx, groupID)
			c.megWinners[groupID] = winner
			c.persistGroupWinner(ctx, groupID, winner, cmp)
		}
		if !campaignMatchesWinner(cmp, winner) {
			return RuleOutcome{}
		}
		// The group already established segmentation eligibility for its
		// winner; do not re-run it.
		return RuleOutcome{Passed: true}
	}

	passed := campaign.PreSegmentationPasses(ctx, c.evaluator(cmp), cmp, c.user)
	return RuleOutcome{Passed: passed}
}

// whitelistedVariation resolves forced-variation targeting for AB campaigns
// with isForcedVariationEnabled. Variations with an empty segment object
// opted out and are skipped. Several matches are weight-renormalized and
// re-bucketed with the campaignID_userID seed to force exactly one.
func (c *call) whitelistedVariation(ctx context.Context, cmp *models.Campaign) *models.Variation {
	if cmp.Type != models.CampaignTypeAB || !cmp.IsForcedVariationEnabled {
		return nil
	}

	targeting := make(map[string]any, len(c.user.VariationTargetingVariables)+1)
	for k, v := range c.user.VariationTargetingVariables {
		targeting[k] = v
	}
	targeting["_userId"] = c.whitelistIdentity(cmp)

	eval := c.evaluator(cmp)
	var matches []*models.Variation
	for _, v := range cmp.Variations {
		if len(v.Segments) == 0 {
			continue
		}
		if eval.Evaluate(ctx, v.Segments, targeting) {
			matches = append(matches, v.Clone())
		}
	}

	switch len(matches) {
	case 0:
		return nil
	case 1:
		return matches[0]
	}

	bucketing.ScaleWeights(matches)
	bucketing.AssignRanges(matches)
	seed := strconv.Itoa(cmp.ID) + "_" + c.user.ID
	value := bucketing.BucketValueForUser(seed, bucketing.MaxBucketValue)
	return bucketing.VariationForBucket(matches, value)
}

func (c *call) whitelistIdentity(cmp *models.Campaign) string {
	if cmp.IsUserListEnabled {
		return models.AnonymousID(c.engine.settings.AccountID, c.user.ID)
	}
	return c.user.ID
}

// groupWinner consults the in-call cache first, then the persisted meta
// record from an earlier call.
func (c *call) groupWinner(ctx context.Context, groupID int) (*models.Campaign, bool) {
	if winner, ok := c.megWinners[groupID]; ok {
		return winner, true
	}
	rec := c.engine.getRecord(ctx, storage.MetaGroupKey(groupID), c.user.ID)
	if rec == nil || rec.ExperimentID == 0 {
		return nil, false
	}
	winner := c.engine.settings.CampaignByID(rec.ExperimentID)
	if winner == nil {
		return nil, false
	}
	c.megWinners[groupID] = winner
	return winner, true
}

// pinnedVariationID returns the variation id of a single-variation
// personalize clone, used to match variation-qualified group tokens.
func pinnedVariationID(cmp *models.Campaign) int {
	if cmp.Type == models.CampaignTypePersonalize && len(cmp.Variations) == 1 {
		return cmp.Variations[0].ID
	}
	return 0
}

// campaignMatchesWinner compares the currently evaluated campaign against
// the group winner. Personalize entries compete per variation, so the
// pinned variation must match as well.
func campaignMatchesWinner(cmp, winner *models.Campaign) bool {
	if winner == nil || cmp.ID != winner.ID {
		return false
	}
	if cmp.Type == models.CampaignTypePersonalize {
		cv, wv := pinnedVariationID(cmp), pinnedVariationID(winner)
		if cv != 0 && wv != 0 && cv != wv {
			return false
		}
	}
	return true
}
