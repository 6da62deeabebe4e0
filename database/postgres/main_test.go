package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"masterclassdev/coach"
	"masterclassdev/logger"
	"masterclassdev/progress"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN environment variable not set, skipping test")
	}

	ctx := context.Background()
	db, err := Connect(ctx, DatabaseConnectProps{Logger: logger.Nop(), DSN: dsn, ConnectRetries: 1, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	defer db.Close()

	key := progress.Key{LearnerID: uuid.NewString(), SeriesID: "startup-boy-anish"}

	rec, err := db.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Episode)
	assert.Nil(t, rec.Goal)

	now := time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)
	apply := func(o coach.SessionOutcome, stage int) progress.Record {
		rec, err := db.Update(ctx, key, func(r *progress.Record) error {
			progress.Apply(r, o, progress.ApplyProps{StageIndex: stage, EpisodeCount: 5, Now: now})
			return nil
		})
		require.NoError(t, err)
		return rec
	}

	apply(coach.GoalLocked{Title: "Launch MVP", MilestoneTexts: []string{"Build landing page", "Get 10 signups", "Ship v1"}}, 1)
	rec = apply(coach.ProgressSynced{CompletedMilestoneIDs: []string{"m-0", "m-2"}}, 4)
	assert.Equal(t, 67, rec.Goal.OverallProgressPercent)

	got, err := db.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Episode)
	assert.Equal(t, 2*progress.EpisodeXP, got.XP)
	assert.Equal(t, "Launch MVP", got.Goal.Title)
	assert.True(t, got.Goal.Milestones[2].Completed)
	assert.True(t, got.LastActive.Equal(now))

	list, err := db.List(ctx, key.LearnerID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
