package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"masterclassdev/logger"
	"masterclassdev/progress"

	_ "github.com/lib/pq"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS learner_progress (
  learner_id  TEXT        NOT NULL,
  series_id   TEXT        NOT NULL,
  episode     INTEGER     NOT NULL DEFAULT 1,
  goal        JSONB,
  xp          INTEGER     NOT NULL DEFAULT 0,
  streak      INTEGER     NOT NULL DEFAULT 0,
  last_active TIMESTAMPTZ,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (learner_id, series_id)
);
`

type DatabaseConnectProps struct {
	Logger         *logger.LogMiddleware
	DSN            string
	ConnectRetries int
	RetryDelay     time.Duration
}

// Database is the Postgres-backed progress.Store.
type Database struct {
	db     *sql.DB
	logger *logger.LogMiddleware
}

var _ progress.Store = (*Database)(nil)

func Connect(ctx context.Context, args DatabaseConnectProps) (*Database, error) {
	tracer := otel.Tracer("postgres/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	if args.ConnectRetries <= 0 {
		args.ConnectRetries = 5
	}
	if args.RetryDelay <= 0 {
		args.RetryDelay = 5 * time.Second
	}

	log := args.Logger.Logger(ctx)

	var conn *sql.DB
	var err error
	for retries := args.ConnectRetries; retries > 0; retries-- {
		conn, err = getConnection(ctx, args.DSN)
		if err == nil {
			log.Info("[Postgres] Database client started")
			break
		}
		log.Error(
			"[Postgres] Could not connect to Postgres. Retrying after sleeping.",
			zap.Error(err),
			zap.Int("Retries Left", retries-1),
			zap.Duration("Sleep Time", args.RetryDelay))
		if retries == 1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(args.RetryDelay):
		}
	}
	if err != nil {
		log.Error("[Postgres] Failed to Connect to Postgres")
		span.RecordError(err)
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		span.RecordError(err)
		conn.Close()
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}

	return &Database{db: conn, logger: args.Logger}, nil
}

func getConnection(ctx context.Context, dsn string) (*sql.DB, error) {
	tracer := otel.Tracer("postgres/getConnection")
	ctx, span := tracer.Start(ctx, "getConnection")
	defer span.End()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		span.RecordError(err)
		db.Close()
		return nil, err
	}
	return db, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

const selectColumns = `learner_id, series_id, episode, goal, xp, streak, last_active`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (progress.Record, error) {
	var rec progress.Record
	var goal []byte
	var lastActive sql.NullTime
	if err := row.Scan(&rec.LearnerID, &rec.SeriesID, &rec.Episode, &goal, &rec.XP, &rec.Streak, &lastActive); err != nil {
		return progress.Record{}, err
	}
	g, err := progress.DecodeGoal(goal)
	if err != nil {
		return progress.Record{}, err
	}
	rec.Goal = g
	if lastActive.Valid {
		rec.LastActive = lastActive.Time
	}
	return rec, nil
}

func (d *Database) Get(ctx context.Context, k progress.Key) (progress.Record, error) {
	tracer := otel.Tracer("postgres/Get")
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()
	span.SetAttributes(attribute.String("progress.key", k.String()))

	if err := k.Validate(); err != nil {
		return progress.Record{}, err
	}

	row := d.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM learner_progress WHERE learner_id = $1 AND series_id = $2`,
		k.LearnerID, k.SeriesID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return progress.NewRecord(k), nil
	}
	if err != nil {
		span.RecordError(err)
		d.logger.Logger(ctx).Error("[Postgres] Could not read progress", zap.Error(err), zap.String("key", k.String()))
		return progress.Record{}, fmt.Errorf("postgres: get %s: %w", k, err)
	}
	return rec, nil
}

// Update locks the learner's row for the duration of fn so concurrent
// completions for the same series apply one after the other.
func (d *Database) Update(ctx context.Context, k progress.Key, fn func(*progress.Record) error) (progress.Record, error) {
	tracer := otel.Tracer("postgres/Update")
	ctx, span := tracer.Start(ctx, "Update")
	defer span.End()
	span.SetAttributes(attribute.String("progress.key", k.String()))

	if err := k.Validate(); err != nil {
		return progress.Record{}, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return progress.Record{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO learner_progress (learner_id, series_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		k.LearnerID, k.SeriesID); err != nil {
		span.RecordError(err)
		return progress.Record{}, fmt.Errorf("postgres: seed %s: %w", k, err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM learner_progress WHERE learner_id = $1 AND series_id = $2 FOR UPDATE`,
		k.LearnerID, k.SeriesID))
	if err != nil {
		span.RecordError(err)
		return progress.Record{}, fmt.Errorf("postgres: lock %s: %w", k, err)
	}

	if err := fn(&rec); err != nil {
		span.RecordError(err)
		d.logger.Logger(ctx).Error("[Postgres] Update aborted", zap.Error(err), zap.String("key", k.String()))
		return progress.Record{}, fmt.Errorf("postgres: update %s: %w", k, err)
	}

	goal, err := progress.EncodeGoal(rec.Goal)
	if err != nil {
		return progress.Record{}, fmt.Errorf("postgres: encode goal: %w", err)
	}
	lastActive := sql.NullTime{Time: rec.LastActive, Valid: !rec.LastActive.IsZero()}

	if _, err := tx.ExecContext(ctx, `
UPDATE learner_progress
SET episode = $3, goal = $4::jsonb, xp = $5, streak = $6, last_active = $7, updated_at = now()
WHERE learner_id = $1 AND series_id = $2`,
		k.LearnerID, k.SeriesID, rec.Episode,
		sql.NullString{String: string(goal), Valid: goal != nil},
		rec.XP, rec.Streak, lastActive); err != nil {
		span.RecordError(err)
		return progress.Record{}, fmt.Errorf("postgres: write %s: %w", k, err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return progress.Record{}, fmt.Errorf("postgres: commit %s: %w", k, err)
	}
	return rec, nil
}

func (d *Database) List(ctx context.Context, learnerID string) ([]progress.Record, error) {
	tracer := otel.Tracer("postgres/List")
	ctx, span := tracer.Start(ctx, "List")
	defer span.End()

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM learner_progress WHERE learner_id = $1 ORDER BY series_id`,
		learnerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("postgres: list %s: %w", learnerID, err)
	}
	defer rows.Close()

	var out []progress.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
