package coach

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoalProgressPercent(t *testing.T) {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	t.Run("no milestones is zero", func(t *testing.T) {
		g := NewGoal("Launch MVP", nil, start)
		assert.Equal(t, 0, g.OverallProgressPercent)
	})

	t.Run("two of three rounds to 67", func(t *testing.T) {
		g := NewGoal("Launch MVP", []string{"Build landing page", "Get 10 signups", "Ship v1"}, start)
		g.MarkCompleted([]string{"m-0", "m-2"})
		assert.Equal(t, 67, g.OverallProgressPercent)
	})

	t.Run("one of three rounds to 33", func(t *testing.T) {
		g := NewGoal("Launch MVP", []string{"a1", "b2", "c3"}, start)
		g.MarkCompleted([]string{"m-1"})
		assert.Equal(t, 33, g.OverallProgressPercent)
	})

	t.Run("stays within bounds", func(t *testing.T) {
		g := NewGoal("Launch MVP", []string{"a1", "b2"}, start)
		g.MarkCompleted([]string{"m-0", "m-1", "m-7"})
		assert.Equal(t, 100, g.OverallProgressPercent)
	})
}

func TestGoalMarkCompletedIsIdempotent(t *testing.T) {
	g := NewGoal("Launch MVP", []string{"Build landing page", "Get 10 signups", "Ship v1"}, time.Time{})
	ids := []string{"m-0", "m-2"}

	assert.True(t, g.MarkCompleted(ids))
	once := g.Clone()

	assert.False(t, g.MarkCompleted(ids))
	assert.Equal(t, once, g)
}

func TestGoalReplaceMilestonesKeepsMatchingCompletion(t *testing.T) {
	g := NewGoal("Launch MVP", []string{"Build landing page", "Get 10 signups"}, time.Time{})
	g.MarkCompleted([]string{"m-0", "m-1"})

	g.ReplaceMilestones([]string{"Build landing page", "Get 50 signups", "Ship v1"})

	require.Len(t, g.Milestones, 3)
	assert.Equal(t, Milestone{ID: "m-0", Text: "Build landing page", Completed: true}, g.Milestones[0])
	assert.Equal(t, Milestone{ID: "m-1", Text: "Get 50 signups"}, g.Milestones[1])
	assert.Equal(t, Milestone{ID: "m-2", Text: "Ship v1"}, g.Milestones[2])
	assert.Equal(t, 33, g.OverallProgressPercent)
}

func TestRecord(t *testing.T) {
	assert.Equal(t, OutcomeRecord{Kind: KindNone}, Record(nil))
	assert.Equal(t, OutcomeRecord{Kind: KindNone}, Record(NoOutcome{}))
	assert.Equal(t,
		OutcomeRecord{Kind: KindGoalLocked, Title: "Launch MVP", MilestoneTexts: []string{"Ship v1"}},
		Record(GoalLocked{Title: "Launch MVP", MilestoneTexts: []string{"Ship v1"}}))
	assert.Equal(t,
		OutcomeRecord{Kind: KindProgressSynced, CompletedMilestoneIDs: []string{"m-0"}},
		Record(ProgressSynced{CompletedMilestoneIDs: []string{"m-0"}}))
	assert.Equal(t, OutcomeRecord{Kind: KindStepVerified}, Record(StepVerified{}))
}
