package reason

import "strings"

// Sections is the structured form of a reasoning completion.
type Sections struct {
	SituationAnalysis string
	PrimaryReasoning  string
	GoalAlignment     string
}

const (
	labelSituation = "SITUATION_ANALYSIS:"
	labelPrimary   = "PRIMARY_REASONING:"
	labelGoal      = "GOAL_ALIGNMENT:"
)

// ParseSections splits a labeled completion into its three sections.
// Unlabeled lines continue the most recent section. Missing sections are left
// empty for the caller to default.
func ParseSections(text string) Sections {
	var s Sections
	current := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, labelSituation):
			current = "situation"
			s.SituationAnalysis = strings.TrimSpace(strings.TrimPrefix(line, labelSituation))
		case strings.HasPrefix(line, labelPrimary):
			current = "primary"
			s.PrimaryReasoning = strings.TrimSpace(strings.TrimPrefix(line, labelPrimary))
		case strings.HasPrefix(line, labelGoal):
			current = "goal"
			s.GoalAlignment = strings.TrimSpace(strings.TrimPrefix(line, labelGoal))
		case line != "" && current != "":
			switch current {
			case "situation":
				s.SituationAnalysis += " " + line
			case "primary":
				s.PrimaryReasoning += " " + line
			case "goal":
				s.GoalAlignment += " " + line
			}
		}
	}
	return s
}
