package repositories

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_analytics (
	id             UUID PRIMARY KEY,
	payer_id       TEXT NOT NULL,
	provider_id    TEXT NOT NULL DEFAULT '',
	payment_amount NUMERIC(38, 18) NOT NULL,
	paid_at        TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_payment_analytics_payer_paid ON payment_analytics (payer_id, paid_at DESC);
CREATE INDEX IF NOT EXISTS idx_payment_analytics_created ON payment_analytics (created_at);

CREATE TABLE IF NOT EXISTS user_training_data (
	id                      BIGSERIAL PRIMARY KEY,
	payer_id                TEXT NOT NULL,
	payment_amount          DOUBLE PRECISION NOT NULL,
	total_payments          DOUBLE PRECISION NOT NULL,
	avg_payment_amount      DOUBLE PRECISION NOT NULL,
	payment_frequency       DOUBLE PRECISION NOT NULL,
	provider_diversity      DOUBLE PRECISION NOT NULL,
	recent_payment_count    DOUBLE PRECISION NOT NULL,
	hour_of_day             DOUBLE PRECISION NOT NULL,
	day_of_week             DOUBLE PRECISION NOT NULL,
	is_weekend              DOUBLE PRECISION NOT NULL,
	recent_payment_variance DOUBLE PRECISION NOT NULL,
	user_category           TEXT NOT NULL,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_user_training_data_created ON user_training_data (created_at);

CREATE TABLE IF NOT EXISTS ai_insights (
	id               UUID PRIMARY KEY,
	payer_id         TEXT NOT NULL,
	category         TEXT NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	data_confidence  DOUBLE PRECISION NOT NULL,
	risk_score       DOUBLE PRECISION NOT NULL,
	efficiency_score DOUBLE PRECISION NOT NULL,
	anomaly_score    DOUBLE PRECISION NOT NULL,
	recommendations  TEXT[] NOT NULL,
	cost_suggestions JSONB NOT NULL,
	model_version    TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_insights_payer_created ON ai_insights (payer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ai_insights_created ON ai_insights (created_at);

CREATE TABLE IF NOT EXISTS training_runs (
	id            UUID PRIMARY KEY,
	status        TEXT NOT NULL,
	model_version TEXT NOT NULL DEFAULT '',
	row_count     INTEGER NOT NULL DEFAULT 0,
	synthetic     BOOLEAN NOT NULL DEFAULT false,
	accuracy      DOUBLE PRECISION NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_training_runs_started ON training_runs (started_at DESC);
`

// Migrate creates the tables the engine reads and writes if they do not exist
func (db *Database) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Msg("Database schema ensured")
	return nil
}
