package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"masterclassdev/logger"
	"masterclassdev/progress"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS learner_progress (
  learner_id  TEXT    NOT NULL,
  series_id   TEXT    NOT NULL,
  episode     INTEGER NOT NULL DEFAULT 1,
  goal        TEXT,
  xp          INTEGER NOT NULL DEFAULT 0,
  streak      INTEGER NOT NULL DEFAULT 0,
  last_active TEXT,
  updated_at  TEXT    NOT NULL,
  PRIMARY KEY (learner_id, series_id)
);
`

const selectColumns = `learner_id, series_id, episode, goal, xp, streak, last_active`

type StoreConnectProps struct {
	Logger *logger.LogMiddleware
	Path   string
}

// Store is the embedded progress.Store for single-node deployments.
type Store struct {
	db     *sql.DB
	logger *logger.LogMiddleware
	// SQLite allows one writer; Update serializes here instead of failing
	// with SQLITE_BUSY.
	writeMu sync.Mutex
}

var _ progress.Store = (*Store)(nil)

func Connect(ctx context.Context, args StoreConnectProps) (*Store, error) {
	tracer := otel.Tracer("sqlite/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()
	span.SetAttributes(attribute.String("db.path", args.Path))

	if dir := filepath.Dir(args.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", args.Path)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		span.RecordError(err)
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	args.Logger.Logger(ctx).Info("[SQLite] Progress store ready", zap.String("path", args.Path))
	return &Store{db: db, logger: args.Logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (progress.Record, error) {
	var rec progress.Record
	var goal, lastActive sql.NullString
	if err := row.Scan(&rec.LearnerID, &rec.SeriesID, &rec.Episode, &goal, &rec.XP, &rec.Streak, &lastActive); err != nil {
		return progress.Record{}, err
	}
	g, err := progress.DecodeGoal([]byte(goal.String))
	if err != nil {
		return progress.Record{}, err
	}
	rec.Goal = g
	if lastActive.Valid && lastActive.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastActive.String)
		if err != nil {
			return progress.Record{}, fmt.Errorf("sqlite: last_active: %w", err)
		}
		rec.LastActive = t
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, k progress.Key) (progress.Record, error) {
	tracer := otel.Tracer("sqlite/Get")
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	if err := k.Validate(); err != nil {
		return progress.Record{}, err
	}
	return s.get(ctx, s.db, k)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryer, k progress.Key) (progress.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM learner_progress WHERE learner_id = ? AND series_id = ?`,
		k.LearnerID, k.SeriesID))
	if err == sql.ErrNoRows {
		return progress.NewRecord(k), nil
	}
	if err != nil {
		return progress.Record{}, fmt.Errorf("sqlite: get %s: %w", k, err)
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, k progress.Key, fn func(*progress.Record) error) (progress.Record, error) {
	tracer := otel.Tracer("sqlite/Update")
	ctx, span := tracer.Start(ctx, "Update")
	defer span.End()
	span.SetAttributes(attribute.String("progress.key", k.String()))

	if err := k.Validate(); err != nil {
		return progress.Record{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return progress.Record{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.get(ctx, tx, k)
	if err != nil {
		span.RecordError(err)
		return progress.Record{}, err
	}
	if err := fn(&rec); err != nil {
		span.RecordError(err)
		s.logger.Logger(ctx).Error("[SQLite] Update aborted", zap.Error(err), zap.String("key", k.String()))
		return progress.Record{}, fmt.Errorf("sqlite: update %s: %w", k, err)
	}

	goal, err := progress.EncodeGoal(rec.Goal)
	if err != nil {
		return progress.Record{}, fmt.Errorf("sqlite: encode goal: %w", err)
	}
	var lastActive sql.NullString
	if !rec.LastActive.IsZero() {
		lastActive = sql.NullString{String: rec.LastActive.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	const stmt = `
INSERT INTO learner_progress (learner_id, series_id, episode, goal, xp, streak, last_active, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(learner_id, series_id) DO UPDATE SET
  episode=excluded.episode,
  goal=excluded.goal,
  xp=excluded.xp,
  streak=excluded.streak,
  last_active=excluded.last_active,
  updated_at=excluded.updated_at;
`
	if _, err := tx.ExecContext(ctx, stmt,
		k.LearnerID, k.SeriesID, rec.Episode,
		sql.NullString{String: string(goal), Valid: goal != nil},
		rec.XP, rec.Streak, lastActive,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		span.RecordError(err)
		return progress.Record{}, fmt.Errorf("sqlite: upsert %s: %w", k, err)
	}
	if err := tx.Commit(); err != nil {
		return progress.Record{}, fmt.Errorf("sqlite: commit %s: %w", k, err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, learnerID string) ([]progress.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM learner_progress WHERE learner_id = ? ORDER BY series_id`,
		learnerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s: %w", learnerID, err)
	}
	defer rows.Close()

	var out []progress.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
