// Package campaign decides traffic membership and variation assignment for
// a single campaign. All functions are pure over their inputs; identical
// user/campaign pairs always produce identical decisions.
package campaign

import (
	"context"
	"strconv"

	"github.com/featuregrid/featuregrid/internal/bucketing"
	"github.com/featuregrid/featuregrid/internal/models"
	"github.com/featuregrid/featuregrid/internal/segmentation"
)

// TrafficAllocation returns the percentage of traffic the campaign admits.
// Rollout and personalize campaigns carry it on their single "on"
// variation; AB campaigns on percentTraffic.
func TrafficAllocation(c *models.Campaign) float64 {
	if c.IsRolloutOrPersonalize() {
		if len(c.Variations) == 0 {
			return 0
		}
		return c.Variations[0].Weight
	}
	return c.PercentTraffic
}

// IsUserPartOfCampaign reports whether the user falls inside the campaign's
// traffic allocation. The bucket seed is campaignID_userID over [1,100];
// membership requires a non-zero bucket at or under the allocation.
func IsUserPartOfCampaign(userID string, c *models.Campaign) bool {
	if c == nil || userID == "" {
		return false
	}
	traffic := TrafficAllocation(c)
	if traffic == 0 {
		return false
	}
	seed := strconv.Itoa(c.ID) + "_" + userID
	value := bucketing.BucketValueForUser(seed, bucketing.MaxTrafficValue)
	return value != 0 && float64(value) <= traffic
}

// BucketUserToVariation places the user into a variation bucket range. The
// seed is campaignID_accountID_userID over [1,10000]; a campaign with zero
// percent traffic forces bucket 0 so nobody lands in any range. Returns nil
// when the bucket value falls in a range gap.
func BucketUserToVariation(userID string, accountID int, c *models.Campaign) *models.Variation {
	if c == nil || userID == "" || len(c.Variations) == 0 {
		return nil
	}
	multiplier := 0.0
	if c.PercentTraffic != 0 {
		multiplier = 1
	}
	seed := strconv.Itoa(c.ID) + "_" + strconv.Itoa(accountID) + "_" + userID
	value := bucketing.BucketValue(bucketing.HashValue(seed), bucketing.MaxBucketValue, multiplier)
	return bucketing.VariationForBucket(c.Variations, value)
}

// VariationAllotted resolves the variation the user is entitled to. For
// rollout and personalize campaigns traffic membership alone yields the
// "on" variation; for AB campaigns membership gates the bucketing step.
func VariationAllotted(userID string, accountID int, c *models.Campaign) *models.Variation {
	if !IsUserPartOfCampaign(userID, c) {
		return nil
	}
	if c.IsRolloutOrPersonalize() {
		return c.Variations[0]
	}
	return BucketUserToVariation(userID, accountID, c)
}

// PreSegmentationPasses runs the campaign's segment tree against the
// context's custom variables. An empty tree trivially passes.
func PreSegmentationPasses(ctx context.Context, eval *segmentation.Evaluator, c *models.Campaign, user *models.UserContext) bool {
	if c == nil {
		return false
	}
	if len(c.Segments) == 0 {
		return true
	}
	return eval.Evaluate(ctx, c.Segments, user.CustomVariables)
}
