package evaluation

import (
	"context"
	"strconv"

	"github.com/featuregrid/featuregrid/internal/bucketing"
	"github.com/featuregrid/featuregrid/internal/campaign"
	"github.com/featuregrid/featuregrid/internal/models"
	"github.com/featuregrid/featuregrid/internal/storage"
)

// resolveGroupWinner picks the single campaign that may serve this user out
// of a mutually exclusive group. Campaigns already named by a sticky record
// take precedence over freshly eligible ones; stability for returning users
// beats a stronger traffic match, by design.
func (c *call) resolveGroupWinner(ctx context.Context, groupID int) *models.Campaign {
	group := c.engine.settings.Groups[strconv.Itoa(groupID)]
	if group == nil {
		return nil
	}
	members := make(map[string]bool, len(group.Campaigns))
	for _, token := range group.Campaigns {
		members[token] = true
	}

	var eligible, sticky []*models.Campaign
	seen := make(map[string]bool)
	for _, f := range c.engine.settings.Features {
		linked := groupMemberCampaigns(f, members)
		if len(linked) == 0 {
			continue
		}
		// A feature whose rollout gate fails cannot contribute candidates.
		if !c.featureRolloutPasses(ctx, f) {
			continue
		}
		rec := c.engine.getRecord(ctx, f.Key, c.user.ID)
		for _, cmp := range linked {
			token := groupToken(cmp)
			if seen[token] {
				continue
			}
			seen[token] = true

			if rec != nil && rec.ExperimentID == cmp.ID {
				sticky = append(sticky, cmp)
				continue
			}
			if campaign.PreSegmentationPasses(ctx, c.evaluator(cmp), cmp, c.user) &&
				campaign.IsUserPartOfCampaign(c.user.ID, cmp) {
				eligible = append(eligible, cmp)
			}
		}
	}

	pool := sticky
	if len(pool) == 0 {
		pool = eligible
	}
	switch len(pool) {
	case 0:
		return nil
	case 1:
		return pool[0]
	}
	if group.Algorithm() == models.AlgoRandom {
		return c.pickEqualDistribution(groupID, pool)
	}
	return c.pickPriorityWeighted(groupID, group, pool)
}

// persistGroupWinner stores the winner under the group's synthetic meta key
// so later calls for any member short-circuit to the same campaign. When
// the winner is the campaign the current call is evaluating, the ordinary
// post-decision write covers it and nothing is persisted here.
func (c *call) persistGroupWinner(ctx context.Context, groupID int, winner, current *models.Campaign) {
	if winner == nil || campaignMatchesWinner(current, winner) {
		return
	}
	c.engine.setRecord(ctx, &storage.Record{
		FeatureKey:    storage.MetaGroupKey(groupID),
		UserID:        c.user.ID,
		ExperimentID:  winner.ID,
		ExperimentKey: winner.Key,
	})
}

// featureRolloutPasses evaluates a feature's rollout gate at most once per
// call. No rollout rules means pass-through; otherwise the first rollout
// rule passing pre-segmentation decides via traffic membership.
func (c *call) featureRolloutPasses(ctx context.Context, f *models.Feature) bool {
	if passed, ok := c.rolloutPassed[f.Key]; ok {
		return passed
	}
	passed := c.evaluateRolloutGate(ctx, f)
	c.rolloutPassed[f.Key] = passed
	return passed
}

func (c *call) evaluateRolloutGate(ctx context.Context, f *models.Feature) bool {
	sawRollout := false
	for _, cmp := range f.RulesLinkedCampaign {
		if cmp.Type != models.CampaignTypeRollout {
			continue
		}
		sawRollout = true
		if campaign.PreSegmentationPasses(ctx, c.evaluator(cmp), cmp, c.user) {
			return campaign.IsUserPartOfCampaign(c.user.ID, cmp)
		}
	}
	return !sawRollout
}

// pickEqualDistribution redistributes weight equally over the pool and
// buckets the user with the groupID_userID seed.
func (c *call) pickEqualDistribution(groupID int, pool []*models.Campaign) *models.Campaign {
	proxies := make([]*models.Variation, len(pool))
	for i := range pool {
		proxies[i] = &models.Variation{ID: i}
	}
	bucketing.ScaleWeights(proxies)
	return c.bucketPool(groupID, pool, proxies)
}

// pickPriorityWeighted walks the group's priority list first; the first
// entry matching a pool campaign wins. Without a priority match the weight
// map decides — campaigns absent from the map are excluded from the
// redistribution pool entirely.
func (c *call) pickPriorityWeighted(groupID int, group *models.Group, pool []*models.Campaign) *models.Campaign {
	for _, token := range group.P {
		for _, cmp := range pool {
			if token == groupToken(cmp) || token == strconv.Itoa(cmp.ID) {
				return cmp
			}
		}
	}

	var weighted []*models.Campaign
	var proxies []*models.Variation
	for _, cmp := range pool {
		w, ok := group.Wt[groupToken(cmp)]
		if !ok {
			w, ok = group.Wt[strconv.Itoa(cmp.ID)]
		}
		if !ok {
			continue
		}
		proxies = append(proxies, &models.Variation{ID: len(weighted), Weight: w})
		weighted = append(weighted, cmp)
	}
	if len(weighted) == 0 {
		return nil
	}
	bucketing.ScaleWeights(proxies)
	return c.bucketPool(groupID, weighted, proxies)
}

func (c *call) bucketPool(groupID int, pool []*models.Campaign, proxies []*models.Variation) *models.Campaign {
	bucketing.AssignRanges(proxies)
	seed := strconv.Itoa(groupID) + "_" + c.user.ID
	value := bucketing.BucketValueForUser(seed, bucketing.MaxBucketValue)
	winner := bucketing.VariationForBucket(proxies, value)
	if winner == nil {
		return nil
	}
	return pool[winner.ID]
}

// groupMemberCampaigns returns the feature's linked experiment campaigns
// that belong to the group.
func groupMemberCampaigns(f *models.Feature, members map[string]bool) []*models.Campaign {
	var linked []*models.Campaign
	for _, cmp := range f.RulesLinkedCampaign {
		if cmp.Type == models.CampaignTypeRollout {
			continue
		}
		if members[groupToken(cmp)] || members[strconv.Itoa(cmp.ID)] {
			linked = append(linked, cmp)
		}
	}
	return linked
}

// groupToken renders a campaign as a group membership token. Personalize
// clones compete per variation, so their token is campaignID_variationID.
func groupToken(cmp *models.Campaign) string {
	if vid := pinnedVariationID(cmp); vid != 0 {
		return strconv.Itoa(cmp.ID) + "_" + strconv.Itoa(vid)
	}
	return strconv.Itoa(cmp.ID)
}
