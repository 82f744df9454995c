package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Storage backed by a decisions table:
//
//	CREATE TABLE IF NOT EXISTS decisions (
//	    feature_key             TEXT NOT NULL,
//	    user_id                 TEXT NOT NULL,
//	    rollout_id              INT  NOT NULL DEFAULT 0,
//	    rollout_key             TEXT NOT NULL DEFAULT '',
//	    rollout_variation_id    INT  NOT NULL DEFAULT 0,
//	    experiment_id           INT  NOT NULL DEFAULT 0,
//	    experiment_key          TEXT NOT NULL DEFAULT '',
//	    experiment_variation_id INT  NOT NULL DEFAULT 0,
//	    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (feature_key, user_id)
//	);
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pool-backed storage and ensures the decisions table
// exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS decisions (
			feature_key             TEXT NOT NULL,
			user_id                 TEXT NOT NULL,
			rollout_id              INT  NOT NULL DEFAULT 0,
			rollout_key             TEXT NOT NULL DEFAULT '',
			rollout_variation_id    INT  NOT NULL DEFAULT 0,
			experiment_id           INT  NOT NULL DEFAULT 0,
			experiment_key          TEXT NOT NULL DEFAULT '',
			experiment_variation_id INT  NOT NULL DEFAULT 0,
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (feature_key, user_id)
		)`)
	return err
}

// Get fetches the record for a feature/user pair.
func (p *Postgres) Get(ctx context.Context, featureKey, userID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT feature_key, user_id,
		       rollout_id, rollout_key, rollout_variation_id,
		       experiment_id, experiment_key, experiment_variation_id
		FROM decisions
		WHERE feature_key = $1 AND user_id = $2`, featureKey, userID)

	var rec Record
	err := row.Scan(&rec.FeatureKey, &rec.UserID,
		&rec.RolloutID, &rec.RolloutKey, &rec.RolloutVariationID,
		&rec.ExperimentID, &rec.ExperimentKey, &rec.ExperimentVariationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Set upserts the record on (feature_key, user_id).
func (p *Postgres) Set(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO decisions (
			feature_key, user_id,
			rollout_id, rollout_key, rollout_variation_id,
			experiment_id, experiment_key, experiment_variation_id,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
		ON CONFLICT (feature_key, user_id) DO UPDATE SET
			rollout_id              = EXCLUDED.rollout_id,
			rollout_key             = EXCLUDED.rollout_key,
			rollout_variation_id    = EXCLUDED.rollout_variation_id,
			experiment_id           = EXCLUDED.experiment_id,
			experiment_key          = EXCLUDED.experiment_key,
			experiment_variation_id = EXCLUDED.experiment_variation_id,
			updated_at              = now()`,
		rec.FeatureKey, rec.UserID,
		rec.RolloutID, rec.RolloutKey, rec.RolloutVariationID,
		rec.ExperimentID, rec.ExperimentKey, rec.ExperimentVariationID)
	return err
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
