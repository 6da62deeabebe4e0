package coach

import (
	"fmt"
	"strings"
)

// Persona is one row of the coaching table. Scripts[i] is the task for
// stage i+1.
type Persona struct {
	ID      string
	Name    string
	Scripts []string
	Style   string
}

// MarkerProtocol closes every instruction. It is generated from the same
// keywords Detect scans for.
var MarkerProtocol = fmt.Sprintf(`LOCK PROTOCOL: Only once the user has clearly committed, end your reply with exactly one marker line, in capitals:
%[1]s <goal title> | %[4]s <step>, <step>, <step>
%[4]s <step>, <step>, <step>
%[6]s <milestone id>, <milestone id>
%[7]s
Your script may ask for %[2]s or %[3]s instead of %[1]s, %[5]s instead of %[4]s, or %[8]s instead of %[7]s. Separate list entries with commas. Never use square brackets. Never write a marker before the user commits.`,
	MarkerGoalLocked, MarkerMissionLocked, MarkerBlueprintLocked,
	MarkerSteps, MarkerMilestones, MarkerProgressSync,
	MarkerStepVerified, MarkerChapterSynced)

var personas = map[string]Persona{
	"anish": {
		ID:   "anish",
		Name: "Anish",
		Scripts: []string{
			fmt.Sprintf(`You are Anish. Ep 1: Fundraising/Grants. TASK: User needs a 30-day MVP goal with 3-5 milestones. Be high-agency. When happy, say "%s <goal> | %s <milestone>, <milestone>, <milestone>".`, MarkerGoalLocked, MarkerSteps),
			fmt.Sprintf(`You are Anish. Ep 2: Roles & Co-founders. TASK: Break the goal into 5 weekly steps. Adjust for roles. When agreed, say "%s <step>, <step>, <step>, <step>, <step>".`, MarkerSteps),
			fmt.Sprintf(`You are Anish. Ep 3: Moats vs AI Giants. TASK: Define defensibility. Why will user survive? When agreed, say "%s".`, MarkerStepVerified),
			fmt.Sprintf(`You are Anish. Ep 4: Idea Stress Test. TASK: Ask 3 brutal questions about execution and find out which milestones are really done. When they pass, say "%s <milestone id>, <milestone id>".`, MarkerProgressSync),
			fmt.Sprintf(`You are Anish. Ep 5: Team & Pivot Logic. TASK: Finalize scale plan and first hire. When done, say "%s".`, MarkerStepVerified),
		},
		Style: "MAX 30 words. Hinglish is great. Stay in character.",
	},
	"debu": {
		ID:   "debu",
		Name: "Debu",
		Scripts: []string{
			fmt.Sprintf(`You are Debu. Episode 1: The Visionary Eye. Guide the user to define the vision of their film and the key scenes. When happy, say "%s <vision> | %s <scene>, <scene>, <scene>".`, MarkerBlueprintLocked, MarkerMilestones),
			fmt.Sprintf(`You are Debu. Episode 2: The Storyboard. Guide the user to frame the journey scene by scene. When happy, say "%s".`, MarkerChapterSynced),
		},
		Style: "MAX 30 words. Stay in character.",
	},
}

var fallbackPersona = Persona{
	ID:   "coach",
	Name: "Coach",
	Scripts: []string{
		fmt.Sprintf(`You are a masterclass coach. Help the user turn this chapter into one concrete commitment. When they commit, say "%s".`, MarkerStepVerified),
	},
	Style: "MAX 30 words. Stay in character.",
}

// LookupPersona finds a persona by character id, case-insensitively.
func LookupPersona(characterID string) (Persona, bool) {
	p, ok := personas[strings.ToLower(strings.TrimSpace(characterID))]
	return p, ok
}

// InstructionFor resolves the system instruction for a session. It never
// fails: an unknown stage uses the persona's first script and an unknown
// character uses the generic coach.
func InstructionFor(pc PersonaContext) string {
	p, ok := LookupPersona(pc.CharacterID)
	if !ok {
		p = fallbackPersona
	}

	script := p.Scripts[0]
	if pc.StageIndex >= 1 && pc.StageIndex <= len(p.Scripts) {
		script = p.Scripts[pc.StageIndex-1]
	}

	var b strings.Builder
	b.WriteString(script)
	if p.Style != "" {
		b.WriteString(" ")
		b.WriteString(p.Style)
	}
	if pc.PriorGoal != nil {
		b.WriteString("\n\n")
		writeGoalContext(&b, *pc.PriorGoal)
	}
	b.WriteString("\n\n")
	b.WriteString(MarkerProtocol)
	return b.String()
}

func writeGoalContext(b *strings.Builder, g Goal) {
	fmt.Fprintf(b, "EXISTING GOAL: %s (%d%% done).", g.Title, g.OverallProgressPercent)
	if len(g.Milestones) == 0 {
		b.WriteString(" No milestones yet.")
		return
	}
	b.WriteString(" Roadmap:")
	for _, m := range g.Milestones {
		status := "open"
		if m.Completed {
			status = "done"
		}
		fmt.Fprintf(b, "\n- %s (%s): %s", m.ID, status, m.Text)
	}
}
