package bucketing

import (
	"math"

	"github.com/featuregrid/featuregrid/internal/models"
)

// AssignRanges gives each variation a contiguous 1-based bucket range over
// [1, 10000] proportional to its weight. Iteration order is configuration
// order; that order is part of the determinism contract and must not be
// re-sorted. A zero-weight variation gets the unreachable range [-1,-1].
func AssignRanges(variations []*models.Variation) {
	currentAllocation := 0
	for _, v := range variations {
		step := rangeStep(v.Weight)
		if step == -1 {
			v.StartRangeVariation = -1
			v.EndRangeVariation = -1
			continue
		}
		v.StartRangeVariation = currentAllocation + 1
		v.EndRangeVariation = currentAllocation + step
		currentAllocation += step
	}
}

// AssignRolloutRange gives the single "on" variation of a rollout or
// personalize campaign the range [1, floor(weight*100)].
func AssignRolloutRange(v *models.Variation) {
	if v.Weight == 0 {
		v.StartRangeVariation = 0
		v.EndRangeVariation = 0
		return
	}
	v.StartRangeVariation = 1
	v.EndRangeVariation = int(math.Floor(v.Weight * 100))
}

// rangeStep converts a percentage weight into a bucket count, capped at the
// full range.
func rangeStep(weight float64) int {
	if weight == 0 {
		return -1
	}
	step := int(math.Ceil(weight * 100))
	if step > MaxBucketValue {
		return MaxBucketValue
	}
	return step
}

// VariationForBucket returns the variation whose range contains the bucket
// value, or nil when the value falls in a gap.
func VariationForBucket(variations []*models.Variation, bucketValue int) *models.Variation {
	for _, v := range variations {
		if bucketValue >= v.StartRangeVariation && bucketValue <= v.EndRangeVariation && v.EndRangeVariation > 0 {
			return v
		}
	}
	return nil
}

// ScaleWeights normalizes variation weights in place so they sum to 100.
// A zero total distributes weight equally. Used when whitelisting or MEG
// resolution narrows the variation set and the remaining weights must be
// re-spread before re-bucketing.
func ScaleWeights(variations []*models.Variation) {
	if len(variations) == 0 {
		return
	}
	total := 0.0
	for _, v := range variations {
		total += v.Weight
	}
	if total == 0 {
		equal := 100.0 / float64(len(variations))
		for _, v := range variations {
			v.Weight = equal
		}
		return
	}
	for _, v := range variations {
		v.Weight = v.Weight / total * 100
	}
}
