package domain

import "time"

// PriorityAssessment is the first stage output.
type PriorityAssessment struct {
	Level      TicketPriority `json:"level"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
}

// Objective is one generated objective with the capabilities it needs.
type Objective struct {
	Description     string   `json:"description"`
	RequiredPowers  []string `json:"required_powers"`
	SuccessCriteria string   `json:"success_criteria"`
}

// PowerCoverage splits the capabilities a hero covers directly from those
// covered through related powers.
type PowerCoverage struct {
	Direct  []string `json:"direct"`
	Derived []string `json:"derived"`
}

// HeroMatch is one ranked candidate returned by the ranking stage.
type HeroMatch struct {
	HeroID         string        `json:"hero_id"`
	MatchScore     float64       `json:"match_score"`
	MatchReasoning string        `json:"match_reasoning"`
	PowerCoverage  PowerCoverage `json:"power_coverage"`
}

// ThreatAnalysis summarises how the candidate pool was built.
type ThreatAnalysis struct {
	RequiredPowers []string `json:"required_powers"`
	CandidatePool  int      `json:"candidate_pool"`
	Narrowing      string   `json:"narrowing"`
}

// Narrowing strategies recorded in ThreatAnalysis.
const (
	NarrowingSimilarity = "similarity"
	NarrowingFallback   = "fallback_sample"
)

// TriageAnalysis is stored under metadata.ai_analysis. The key layout is
// read by older clients and must stay stable.
type TriageAnalysis struct {
	PriorityAssessment  PriorityAssessment `json:"priority_assessment"`
	ThreatAnalysis      ThreatAnalysis     `json:"threat_analysis"`
	GeneratedObjectives []Objective        `json:"generated_objectives"`
	HeroMatches         []HeroMatch        `json:"hero_matches"`
	CreatedAt           time.Time          `json:"created_at"`
}

// Metadata renders the analysis as the JSON-shaped map persisted on the ticket.
func (a TriageAnalysis) Metadata() map[string]any {
	objectives := make([]any, 0, len(a.GeneratedObjectives))
	for _, o := range a.GeneratedObjectives {
		objectives = append(objectives, map[string]any{
			"description":      o.Description,
			"required_powers":  stringsToAny(o.RequiredPowers),
			"success_criteria": o.SuccessCriteria,
		})
	}
	matches := make([]any, 0, len(a.HeroMatches))
	for _, m := range a.HeroMatches {
		matches = append(matches, map[string]any{
			"hero_id":         m.HeroID,
			"match_score":     m.MatchScore,
			"match_reasoning": m.MatchReasoning,
			"power_coverage": map[string]any{
				"direct":  stringsToAny(m.PowerCoverage.Direct),
				"derived": stringsToAny(m.PowerCoverage.Derived),
			},
		})
	}
	return map[string]any{
		"priority_assessment": map[string]any{
			"level":      string(a.PriorityAssessment.Level),
			"confidence": a.PriorityAssessment.Confidence,
			"reasoning":  a.PriorityAssessment.Reasoning,
		},
		"threat_analysis": map[string]any{
			"required_powers": stringsToAny(a.ThreatAnalysis.RequiredPowers),
			"candidate_pool":  a.ThreatAnalysis.CandidatePool,
			"narrowing":       a.ThreatAnalysis.Narrowing,
		},
		"generated_objectives": objectives,
		"hero_matches":         matches,
		"created_at":           a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func stringsToAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
