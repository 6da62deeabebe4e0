package progress

import (
	"slices"
	"strings"
	"time"

	"masterclassdev/coach"
)

const (
	EpisodeXP        = 100
	DefaultGoalTitle = "My goal"
)

type ApplyProps struct {
	// StageIndex is the 1-based episode the session was opened for.
	StageIndex   int
	EpisodeCount int
	Now          time.Time
	// FallbackTitle names a goal created from a bare step list.
	FallbackTitle string
}

// Apply merges a finalized session outcome into rec and reports whether
// anything changed. Applying the same outcome twice leaves rec as it was
// after the first application. NoOutcome changes nothing.
func Apply(rec *Record, outcome coach.SessionOutcome, args ApplyProps) bool {
	if !coach.IsCommitment(outcome) {
		return false
	}
	before := rec.Clone()

	switch o := outcome.(type) {
	case coach.GoalLocked:
		applyGoalLocked(rec, o, args.Now)
	case coach.StepsLocked:
		applyStepsLocked(rec, o, args)
	case coach.ProgressSynced:
		if rec.Goal != nil {
			rec.Goal.MarkCompleted(o.CompletedMilestoneIDs)
		}
	case coach.StepVerified:
	}

	if advanceEpisode(rec, args.StageIndex, args.EpisodeCount) {
		rec.XP += EpisodeXP
	}
	touchStreak(rec, args.Now)

	return !equalRecords(before, *rec)
}

func applyGoalLocked(rec *Record, o coach.GoalLocked, now time.Time) {
	if rec.Goal == nil || !strings.EqualFold(rec.Goal.Title, o.Title) {
		g := coach.NewGoal(o.Title, o.MilestoneTexts, now)
		rec.Goal = &g
		return
	}
	if len(o.MilestoneTexts) > 0 {
		rec.Goal.ReplaceMilestones(o.MilestoneTexts)
	}
}

func applyStepsLocked(rec *Record, o coach.StepsLocked, args ApplyProps) {
	if rec.Goal != nil {
		rec.Goal.ReplaceMilestones(o.MilestoneTexts)
		return
	}
	title := args.FallbackTitle
	if title == "" {
		title = DefaultGoalTitle
	}
	g := coach.NewGoal(title, o.MilestoneTexts, args.Now)
	rec.Goal = &g
}

// advanceEpisode unlocks the episode after stage. It never moves backwards,
// so replaying an old stage is a no-op.
func advanceEpisode(rec *Record, stage, episodes int) bool {
	if episodes <= 0 {
		return false
	}
	next := min(max(stage, 1)+1, episodes)
	if next <= rec.Episode {
		return false
	}
	rec.Episode = next
	return true
}

func touchStreak(rec *Record, now time.Time) {
	if now.IsZero() {
		return
	}
	today := day(now)
	switch last := day(rec.LastActive); {
	case rec.LastActive.IsZero():
		rec.Streak = 1
	case last.Equal(today):
		return
	case last.AddDate(0, 0, 1).Equal(today):
		rec.Streak++
	case last.After(today):
		return
	default:
		rec.Streak = 1
	}
	rec.LastActive = now
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func equalRecords(a, b Record) bool {
	if a.Episode != b.Episode || a.XP != b.XP || a.Streak != b.Streak || !a.LastActive.Equal(b.LastActive) {
		return false
	}
	if (a.Goal == nil) != (b.Goal == nil) {
		return false
	}
	if a.Goal == nil {
		return true
	}
	return a.Goal.Title == b.Goal.Title &&
		a.Goal.OverallProgressPercent == b.Goal.OverallProgressPercent &&
		a.Goal.StartDate.Equal(b.Goal.StartDate) &&
		slices.Equal(a.Goal.Milestones, b.Goal.Milestones)
}

func sortRecords(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int {
		return strings.Compare(a.SeriesID, b.SeriesID)
	})
}
