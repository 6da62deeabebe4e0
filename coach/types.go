package coach

import (
	"fmt"
	"math"
	"slices"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a transcript. Never mutated after Append.
type Turn struct {
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type SessionState int

const (
	Active SessionState = iota
	Locking
	Complete
)

func (s SessionState) String() string {
	switch s {
	case Active:
		return "active"
	case Locking:
		return "locking"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// PersonaContext selects the instruction used on every turn of a session.
type PersonaContext struct {
	CharacterID string
	StageIndex  int
	PriorGoal   *Goal
}

type Milestone struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Goal is the learner's roadmap. OverallProgressPercent is derived; call
// Recompute after touching Milestones directly.
type Goal struct {
	Title                  string      `json:"title"`
	Milestones             []Milestone `json:"milestones"`
	StartDate              time.Time   `json:"startDate"`
	OverallProgressPercent int         `json:"overallProgressPercent"`
}

func MilestoneID(position int) string {
	return fmt.Sprintf("m-%d", position)
}

func NewGoal(title string, milestoneTexts []string, start time.Time) Goal {
	g := Goal{Title: title, StartDate: start}
	g.ReplaceMilestones(milestoneTexts)
	return g
}

func (g Goal) CompletedCount() int {
	n := 0
	for _, m := range g.Milestones {
		if m.Completed {
			n++
		}
	}
	return n
}

func (g *Goal) Recompute() {
	total := len(g.Milestones)
	if total == 0 {
		g.OverallProgressPercent = 0
		return
	}
	g.OverallProgressPercent = int(math.Round(100 * float64(g.CompletedCount()) / float64(total)))
}

// ReplaceMilestones installs a new positional milestone list. A milestone
// keeps its completion flag when both its id and its text are unchanged.
func (g *Goal) ReplaceMilestones(texts []string) {
	previous := make(map[string]Milestone, len(g.Milestones))
	for _, m := range g.Milestones {
		previous[m.ID] = m
	}

	milestones := make([]Milestone, 0, len(texts))
	for i, text := range texts {
		m := Milestone{ID: MilestoneID(i), Text: text}
		if old, ok := previous[m.ID]; ok && old.Text == text {
			m.Completed = old.Completed
		}
		milestones = append(milestones, m)
	}
	g.Milestones = milestones
	g.Recompute()
}

// MarkCompleted flags the milestones whose ids are listed. Unknown ids are
// ignored. Reports whether anything changed.
func (g *Goal) MarkCompleted(ids []string) bool {
	changed := false
	for i := range g.Milestones {
		if g.Milestones[i].Completed || !slices.Contains(ids, g.Milestones[i].ID) {
			continue
		}
		g.Milestones[i].Completed = true
		changed = true
	}
	g.Recompute()
	return changed
}

func (g Goal) Clone() Goal {
	g.Milestones = slices.Clone(g.Milestones)
	return g
}

type OutcomeKind string

const (
	KindNone           OutcomeKind = "none"
	KindGoalLocked     OutcomeKind = "goal_locked"
	KindStepsLocked    OutcomeKind = "steps_locked"
	KindProgressSynced OutcomeKind = "progress_synced"
	KindStepVerified   OutcomeKind = "step_verified"
)

// SessionOutcome is the typed result of a coaching session. The set of
// implementations is closed to this package.
type SessionOutcome interface {
	Kind() OutcomeKind
	outcome()
}

type NoOutcome struct{}

type GoalLocked struct {
	Title          string
	MilestoneTexts []string
}

type StepsLocked struct {
	MilestoneTexts []string
}

// ProgressSynced carries a set of milestone ids, de-duplicated in order of
// first appearance.
type ProgressSynced struct {
	CompletedMilestoneIDs []string
}

type StepVerified struct{}

func (NoOutcome) Kind() OutcomeKind      { return KindNone }
func (GoalLocked) Kind() OutcomeKind     { return KindGoalLocked }
func (StepsLocked) Kind() OutcomeKind    { return KindStepsLocked }
func (ProgressSynced) Kind() OutcomeKind { return KindProgressSynced }
func (StepVerified) Kind() OutcomeKind   { return KindStepVerified }

func (NoOutcome) outcome()      {}
func (GoalLocked) outcome()     {}
func (StepsLocked) outcome()    {}
func (ProgressSynced) outcome() {}
func (StepVerified) outcome()   {}

func (p ProgressSynced) Contains(id string) bool {
	return slices.Contains(p.CompletedMilestoneIDs, id)
}

// IsCommitment reports whether o carries a detected commitment, i.e. it is
// neither nil nor NoOutcome.
func IsCommitment(o SessionOutcome) bool {
	return o != nil && o.Kind() != KindNone
}

// OutcomeRecord is the flat wire form of a SessionOutcome.
type OutcomeRecord struct {
	Kind                  OutcomeKind `json:"kind"`
	Title                 string      `json:"title,omitempty"`
	MilestoneTexts        []string    `json:"milestoneTexts,omitempty"`
	CompletedMilestoneIDs []string    `json:"completedMilestoneIds,omitempty"`
}

func Record(o SessionOutcome) OutcomeRecord {
	switch v := o.(type) {
	case GoalLocked:
		return OutcomeRecord{Kind: v.Kind(), Title: v.Title, MilestoneTexts: v.MilestoneTexts}
	case StepsLocked:
		return OutcomeRecord{Kind: v.Kind(), MilestoneTexts: v.MilestoneTexts}
	case ProgressSynced:
		return OutcomeRecord{Kind: v.Kind(), CompletedMilestoneIDs: v.CompletedMilestoneIDs}
	case StepVerified:
		return OutcomeRecord{Kind: v.Kind()}
	default:
		return OutcomeRecord{Kind: KindNone}
	}
}
