// Package storage persists sticky decisions: which rollout/experiment
// variation a user was last served for a feature. The engine tolerates a
// missing or failing backend — every read error is treated as a cache miss
// and evaluation proceeds with computed bucketing.
package storage

import (
	"context"
	"errors"
	"strconv"
)

// ErrNotFound is returned when no record exists for a feature/user pair.
var ErrNotFound = errors.New("storage: record not found")

// MetaGroupKeyPrefix prefixes the synthetic feature key used to persist a
// mutually-exclusive-group winner independent of any single feature.
const MetaGroupKeyPrefix = "_meta_meg_"

// MetaGroupKey builds the synthetic storage key for a group winner.
func MetaGroupKey(groupID int) string {
	return MetaGroupKeyPrefix + strconv.Itoa(groupID)
}

// Record is one sticky decision. Zero-valued rollout or experiment fields
// mean that half of the decision has not been made.
type Record struct {
	FeatureKey string `json:"featureKey"`
	UserID     string `json:"userId"`

	RolloutID          int    `json:"rolloutId,omitempty"`
	RolloutKey         string `json:"rolloutKey,omitempty"`
	RolloutVariationID int    `json:"rolloutVariationId,omitempty"`

	ExperimentID          int    `json:"experimentId,omitempty"`
	ExperimentKey         string `json:"experimentKey,omitempty"`
	ExperimentVariationID int    `json:"experimentVariationId,omitempty"`
}

// Storage is the sticky-decision backend contract. Implementations must be
// safe for concurrent use. Writes are last-write-wins; the engine never
// locks around them.
type Storage interface {
	// Get returns the record for a feature/user pair, or ErrNotFound.
	Get(ctx context.Context, featureKey, userID string) (*Record, error)

	// Set writes a record, overwriting any previous one (idempotent).
	Set(ctx context.Context, rec *Record) error

	// Close releases backend resources.
	Close() error
}
