package coach

import (
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Marker keywords the coach must emit to signal a commitment. Matching is
// case-insensitive and a space or underscore is accepted between words.
const (
	MarkerGoalLocked      = "GOAL_LOCKED:"
	MarkerMissionLocked   = "MISSION LOCKED:"
	MarkerBlueprintLocked = "BLUEPRINT LOCKED:"
	MarkerSteps           = "STEPS:"
	MarkerMilestones      = "MILESTONES:"
	MarkerProgressSync    = "PROGRESS_SYNC:"
	MarkerStepVerified    = "STEP VERIFIED"
	MarkerChapterSynced   = "CHAPTER SYNCED"
)

// markerFamily doubles as the precedence order: lower values win when a
// reply carries markers from several families.
type markerFamily int

const (
	familyGoalLock markerFamily = iota
	familySteps
	familyProgress
	familyConfirm
)

type marker struct {
	keyword string
	family  markerFamily
	re      *regexp.Regexp
}

var markers = []marker{
	newMarker(MarkerGoalLocked, familyGoalLock),
	newMarker(MarkerMissionLocked, familyGoalLock),
	newMarker(MarkerBlueprintLocked, familyGoalLock),
	newMarker(MarkerSteps, familySteps),
	newMarker(MarkerMilestones, familySteps),
	newMarker(MarkerProgressSync, familyProgress),
	newMarker(MarkerStepVerified, familyConfirm),
	newMarker(MarkerChapterSynced, familyConfirm),
}

var (
	wordSeparator = regexp.MustCompile(`[ _]`)
	leadingNumber = regexp.MustCompile(`^\d{1,2}[.)]\s+`)
	bracketStrip  = strings.NewReplacer("[", "", "]", "")
)

func newMarker(keyword string, family markerFamily) marker {
	body := strings.TrimSuffix(keyword, ":")
	words := wordSeparator.Split(body, -1)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	pattern := `(?i)\b` + strings.Join(words, `[ _]`)
	if strings.HasSuffix(keyword, ":") {
		pattern += `\s*:`
	} else {
		pattern += `\b`
	}
	return marker{keyword: keyword, family: family, re: regexp.MustCompile(pattern)}
}

type occurrence struct {
	marker     marker
	start, end int
}

// Detect inspects one reply for a commitment marker. It returns nil when no
// marker is present and NoOutcome when the honored marker has no usable
// payload. Precedence: goal lock, then step list, then progress sync, then
// confirmation; the earliest occurrence wins inside a family.
func Detect(reply string) SessionOutcome {
	text := norm.NFKC.String(reply)
	found := scan(text)
	if len(found) == 0 {
		return nil
	}

	best := found[0].marker.family
	for _, o := range found[1:] {
		best = min(best, o.marker.family)
	}
	first := firstOf(found, best)

	switch best {
	case familyGoalLock:
		title := cleanTitle(payload(text, found, first))
		if title == "" {
			return NoOutcome{}
		}
		var steps []string
		if s := firstOf(found, familySteps); s >= 0 {
			steps = splitList(payload(text, found, s))
		}
		return GoalLocked{Title: title, MilestoneTexts: steps}
	case familySteps:
		steps := splitList(payload(text, found, first))
		if len(steps) == 0 {
			return NoOutcome{}
		}
		return StepsLocked{MilestoneTexts: steps}
	case familyProgress:
		ids := dedupe(splitList(strings.ToLower(payload(text, found, first))))
		if len(ids) == 0 {
			return NoOutcome{}
		}
		return ProgressSynced{CompletedMilestoneIDs: ids}
	default:
		return StepVerified{}
	}
}

func scan(text string) []occurrence {
	var found []occurrence
	for _, m := range markers {
		for _, loc := range m.re.FindAllStringIndex(text, -1) {
			found = append(found, occurrence{marker: m, start: loc[0], end: loc[1]})
		}
	}
	slices.SortStableFunc(found, func(a, b occurrence) int { return a.start - b.start })
	return found
}

func firstOf(found []occurrence, family markerFamily) int {
	for i, o := range found {
		if o.marker.family == family {
			return i
		}
	}
	return -1
}

// payload is the text after found[i] up to the next keyword or end of text.
func payload(text string, found []occurrence, i int) string {
	start := found[i].end
	end := len(text)
	for _, o := range found[i+1:] {
		if o.start >= start {
			end = o.start
			break
		}
	}
	return text[start:end]
}

func cleanTitle(raw string) string {
	if i := strings.IndexAny(raw, "|\r\n"); i >= 0 {
		raw = raw[:i]
	}
	title := cleanEntry(raw)
	if utf8.RuneCountInString(title) <= 1 {
		return ""
	}
	return title
}

func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '|', '\n', '\r':
			return true
		}
		return false
	})
	entries := make([]string, 0, len(fields))
	for _, f := range fields {
		entry := cleanEntry(f)
		if utf8.RuneCountInString(entry) > 1 {
			entries = append(entries, entry)
		}
	}
	return entries
}

func cleanEntry(s string) string {
	s = bracketStrip.Replace(s)
	s = strings.TrimLeft(s, " \t-*•·#>\"'`")
	s = leadingNumber.ReplaceAllString(s, "")
	s = strings.TrimRight(s, " \t.!?…*\"'`")
	return strings.TrimSpace(s)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
