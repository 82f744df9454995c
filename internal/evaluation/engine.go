// Package evaluation orchestrates per-feature flag decisions: sticky
// storage short-circuits, rollout rules, mutually-exclusive-group
// resolution and experiment rules, in that order. The engine itself is
// stateless across calls; everything per-call lives on a call-scoped value
// so concurrent evaluations over the same settings snapshot never
// interfere.
package evaluation

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/featuregrid/featuregrid/internal/models"
	"github.com/featuregrid/featuregrid/internal/segmentation"
	"github.com/featuregrid/featuregrid/internal/storage"
)

var (
	// ErrMissingUserID is the one precondition surfaced to callers: a
	// decision without a user identity cannot be deterministic.
	ErrMissingUserID = errors.New("evaluation: user id is required")
	// ErrMissingFeatureKey rejects calls without a feature key.
	ErrMissingFeatureKey = errors.New("evaluation: feature key is required")
	// ErrFeatureNotFound marks a feature key absent from the settings.
	ErrFeatureNotFound = errors.New("evaluation: feature not found")
)

// ImpressionSink receives fire-and-forget decision notifications. It must
// never block; failures are invisible to the evaluation result.
type ImpressionSink interface {
	TrackVariationShown(campaignID, variationID int, userID string)
	TrackGoal(metricID int, identifier, userID string)
}

// nopSink is used when no sink is wired.
type nopSink struct{}

func (nopSink) TrackVariationShown(int, int, string) {}
func (nopSink) TrackGoal(int, string, string)        {}

// RuleOutcome is the typed result of resolving one campaign rule:
// whether the user may enter the campaign, and the forced variation when
// whitelisting short-circuited bucketing.
type RuleOutcome struct {
	Passed      bool
	Whitelisted *models.Variation
}

// Engine evaluates flags against one immutable settings snapshot.
type Engine struct {
	settings *models.Settings
	store    storage.Storage
	lists    segmentation.ListChecker
	sink     ImpressionSink
	log      zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithStorage wires sticky-decision storage.
func WithStorage(s storage.Storage) Option {
	return func(e *Engine) { e.store = s }
}

// WithLists wires the attribute-membership collaborator for inlist operands.
func WithLists(l segmentation.ListChecker) Option {
	return func(e *Engine) { e.lists = l }
}

// WithSink wires the impression sink.
func WithSink(s ImpressionSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger attaches a contextual logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine builds an engine over a processed settings snapshot.
func NewEngine(settings *models.Settings, opts ...Option) *Engine {
	e := &Engine{
		settings: settings,
		sink:     nopSink{},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settings exposes the snapshot the engine evaluates against.
func (e *Engine) Settings() *models.Settings { return e.settings }

// getRecord reads a sticky record, flattening every storage failure into
// a cache miss.
func (e *Engine) getRecord(ctx context.Context, featureKey, userID string) *storage.Record {
	if e.store == nil {
		return nil
	}
	rec, err := e.store.Get(ctx, featureKey, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.log.Debug().Err(err).Str("feature", featureKey).Msg("storage read failed, treating as miss")
		}
		return nil
	}
	return rec
}

// setRecord writes a sticky record; failures are logged and swallowed.
func (e *Engine) setRecord(ctx context.Context, rec *storage.Record) {
	if e.store == nil || rec == nil {
		return
	}
	if err := e.store.Set(ctx, rec); err != nil {
		e.log.Debug().Err(err).Str("feature", rec.FeatureKey).Msg("storage write failed")
	}
}

// storageFeatureChecker adapts sticky storage to the dependent-flag lookup
// the segmentation DSL's featureId leaf needs: a feature counts as "on"
// for a user when a stored decision names any variation for it.
type storageFeatureChecker struct {
	engine *Engine
}

func (c storageFeatureChecker) IsFeatureEnabled(ctx context.Context, featureKey, userID string) (bool, error) {
	rec := c.engine.getRecord(ctx, featureKey, userID)
	if rec == nil {
		return false, nil
	}
	return rec.RolloutVariationID != 0 || rec.ExperimentVariationID != 0, nil
}
