package llm

import (
	"fmt"
	"strings"
	"text/template"
)

// Prompt template identifiers used by the triage pipeline.
const (
	TemplatePriorityAssessment  = "priority_assessment"
	TemplateObjectiveGeneration = "objective_generation"
	TemplateHeroRanking         = "hero_ranking"
)

type promptTemplate struct {
	system string
	user   *template.Template
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"add1": func(i int) int { return i + 1 },
}

var templates = map[string]promptTemplate{
	TemplatePriorityAssessment: {
		system: `You are the threat assessment officer of a superhero dispatch desk. Classify the incident into exactly one tier:
- "OMEGA": global or existential threat, world-ending stakes
- "ALPHA": city-wide or mass-casualty threat
- "BETA": localized danger to people or critical property
- "GAMMA": routine request, minor disturbance or equipment need

Return ONLY a JSON object with these fields:
- "level": one of "OMEGA", "ALPHA", "BETA", "GAMMA"
- "confidence": number between 0 and 1
- "reasoning": one or two sentences explaining the tier

Return valid JSON only, no markdown fencing or explanation.`,
		user: template.Must(template.New(TemplatePriorityAssessment).Funcs(funcs).Parse(
			`Incident title: {{.title}}

Incident description:
{{.description}}
`)),
	},
	TemplateObjectiveGeneration: {
		system: `You plan responses for a superhero dispatch desk. Break the incident into concrete objectives.

Return ONLY a JSON object of the form {"objectives": [...]} where each objective has:
- "description": what must be achieved
- "required_powers": array of short lowercase capability tags (e.g. "flight", "super strength", "telepathy")
- "success_criteria": how the dispatcher knows the objective is complete

Rules:
- Produce between one and five objectives, ordered by urgency
- Reuse the same tag spelling across objectives
- Return valid JSON only, no markdown fencing or explanation`,
		user: template.Must(template.New(TemplateObjectiveGeneration).Funcs(funcs).Parse(
			`Incident title: {{.title}}
Assessed priority: {{.priority}}

Incident description:
{{.description}}
`)),
	},
	TemplateHeroRanking: {
		system: `You match heroes to incidents for a superhero dispatch desk. Rank the candidate heroes by how well their powers cover the objectives.

Return ONLY a JSON object of the form {"hero_matches": [...]} where each entry has:
- "hero_id": the candidate id exactly as given
- "match_score": number between 0 and 1
- "match_reasoning": one sentence
- "power_coverage": {"direct": [tags the hero covers directly], "derived": [tags covered through related powers]}

Rules:
- Only use hero ids from the candidate list
- Order entries from best to worst match
- Return valid JSON only, no markdown fencing or explanation`,
		user: template.Must(template.New(TemplateHeroRanking).Funcs(funcs).Parse(
			`Required powers: {{join .required_powers ", "}}

Objectives:
{{range $i, $o := .objectives}}{{add1 $i}}. {{$o.Description}} (needs: {{join $o.RequiredPowers ", "}})
{{end}}
Candidates:
{{range .candidates}}- id={{.ID}} name={{.Name}} powers=[{{join .Powers ", "}}] similarity={{printf "%.2f" .Score}}
{{end}}`)),
	},
}

// Render builds the system and user prompts for a template.
func Render(templateID string, vars map[string]any) (system string, user string, err error) {
	tmpl, ok := templates[templateID]
	if !ok {
		return "", "", fmt.Errorf("unknown prompt template %q", templateID)
	}
	var sb strings.Builder
	if err := tmpl.user.Execute(&sb, vars); err != nil {
		return "", "", fmt.Errorf("render %s: %w", templateID, err)
	}
	return tmpl.system, sb.String(), nil
}

// Candidate is the view of a hero passed to the ranking prompt.
type Candidate struct {
	ID     string
	Name   string
	Powers []string
	Score  float64
}
