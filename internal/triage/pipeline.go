package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/llm"
	"github.com/spec-kit/dispatch-desk/internal/repository"
	"github.com/spec-kit/dispatch-desk/internal/similarity"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

const (
	// DefaultTimeout bounds a whole pipeline run.
	DefaultTimeout = 60 * time.Second
	// DefaultFallbackSize is how many heroes are sampled when similarity
	// narrowing yields nothing.
	DefaultFallbackSize = 5

	completionService = "completion service"
	similarityService = "similarity index"
)

// stageShare splits the overall deadline between the remote stages.
var stageShare = map[Stage]float64{
	StagePriority:   0.2,
	StageObjectives: 0.25,
	StageNarrowing:  0.15,
	StageRanking:    0.4,
}

// TicketWriter persists ticket patches and returns the confirmed row.
type TicketWriter interface {
	Update(ctx context.Context, id string, patch domain.TicketPatch) (*domain.Ticket, error)
}

// Notice is a human-readable progress message emitted between stages.
type Notice struct {
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ProgressFunc receives notices synchronously, in stage order.
type ProgressFunc func(Notice)

// Outcome is the result of a completed run. Unassigned runs carry a
// NoEligibleCandidates error in Partial.
type Outcome struct {
	Ticket   *domain.Ticket        `json:"ticket"`
	Analysis domain.TriageAnalysis `json:"analysis"`
	HeroID   string                `json:"hero_id,omitempty"`
	Mission  *domain.Mission       `json:"mission,omitempty"`
	Notices  []Notice              `json:"notices"`
	Warnings []string              `json:"warnings,omitempty"`
	Partial  error                 `json:"-"`
}

// Assigned reports whether a hero was assigned.
func (o *Outcome) Assigned() bool {
	return o.HeroID != ""
}

// Summary renders the outcome for display.
func (o *Outcome) Summary() string {
	if o.Assigned() {
		return fmt.Sprintf("triaged, assigned to %s", o.HeroID)
	}
	return "triaged, unassigned"
}

// Dependencies bundles the pipeline collaborators.
type Dependencies struct {
	Completer    llm.Completer
	Index        similarity.Index
	Heroes       repository.HeroRepository
	Tickets      TicketWriter
	Missions     repository.MissionRepository
	Messages     repository.TicketMessageRepository
	Logger       *zap.Logger
	Timeout      time.Duration
	FallbackSize int
	Now          func() time.Time
}

// Pipeline turns a raw ticket into a triaged, possibly assigned ticket.
// Stages run strictly in sequence; separate runs share no mutable state.
type Pipeline struct {
	completer    llm.Completer
	index        similarity.Index
	heroes       repository.HeroRepository
	tickets      TicketWriter
	missions     repository.MissionRepository
	messages     repository.TicketMessageRepository
	logger       *zap.Logger
	timeout      time.Duration
	fallbackSize int
	now          func() time.Time
}

// NewPipeline constructs the pipeline.
func NewPipeline(deps Dependencies) *Pipeline {
	p := &Pipeline{
		completer:    deps.Completer,
		index:        deps.Index,
		heroes:       deps.Heroes,
		tickets:      deps.Tickets,
		missions:     deps.Missions,
		messages:     deps.Messages,
		logger:       deps.Logger,
		timeout:      deps.Timeout,
		fallbackSize: deps.FallbackSize,
		now:          deps.Now,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.fallbackSize <= 0 {
		p.fallbackSize = DefaultFallbackSize
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	return p
}

// WithWriter returns a copy of the pipeline that persists through w.
func (p *Pipeline) WithWriter(w TicketWriter) *Pipeline {
	cp := *p
	cp.tickets = w
	return &cp
}

// candidate is a hero annotated with its transient similarity score.
type candidate struct {
	hero  domain.Hero
	score float64
}

type run struct {
	ticket   domain.Ticket
	report   ProgressFunc
	notices  []Notice
	deadline context.Context
}

func (r *run) notify(stage Stage, now time.Time, format string, args ...any) {
	notice := Notice{Stage: stage, Message: fmt.Sprintf(format, args...), At: now}
	r.notices = append(r.notices, notice)
	if r.report != nil {
		r.report(notice)
	}
}

// Run executes every stage for ticket. A stage failure aborts the run with a
// *StageError and nothing is persisted. Running out of candidates is not a
// failure: the ticket is triaged and left unassigned.
func (p *Pipeline) Run(ctx context.Context, ticket domain.Ticket, report ProgressFunc) (*Outcome, error) {
	if ticket.Status == domain.TicketStatusClosed {
		return nil, apperrors.NewValidationError("closed tickets cannot be triaged", map[string]any{"ticket_id": ticket.ID})
	}
	if p.tickets == nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("triage pipeline has no ticket writer"))
	}

	deadline, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	r := &run{ticket: ticket, report: report, deadline: deadline}
	logger := p.logger.With(zap.String("ticket_id", ticket.ID))
	started := p.now()

	r.notify(StagePriority, p.now(), "Assessing threat level for %q", ticket.Title)
	assessment, err := p.assessPriority(r)
	if err != nil {
		logger.Warn("triage stage failed", zap.String("stage", string(StagePriority)), zap.Error(err))
		return nil, err
	}
	r.notify(StagePriority, p.now(), "Priority assessed: %s (confidence %.2f)", assessment.Level, assessment.Confidence)

	objectives, err := p.generateObjectives(r, assessment.Level)
	if err != nil {
		logger.Warn("triage stage failed", zap.String("stage", string(StageObjectives)), zap.Error(err))
		return nil, err
	}
	powers := requiredPowers(objectives)
	r.notify(StageObjectives, p.now(), "Generated %d objectives requiring: %s", len(objectives), strings.Join(powers, ", "))

	candidates, narrowing, err := p.narrowCandidates(r, powers)
	if err != nil {
		logger.Warn("triage stage failed", zap.String("stage", string(StageNarrowing)), zap.Error(err))
		return nil, err
	}
	switch {
	case len(candidates) == 0:
		r.notify(StageNarrowing, p.now(), "No eligible heroes available")
	case narrowing == domain.NarrowingFallback:
		r.notify(StageNarrowing, p.now(), "Similarity search returned nothing usable; sampled %d active heroes", len(candidates))
	default:
		r.notify(StageNarrowing, p.now(), "Narrowed to %d candidates via similarity search", len(candidates))
	}

	var (
		matches []domain.HeroMatch
		chosen  *domain.HeroMatch
	)
	if len(candidates) > 0 {
		matches, chosen, err = p.rankCandidates(r, objectives, powers, candidates)
		if err != nil {
			logger.Warn("triage stage failed", zap.String("stage", string(StageRanking)), zap.Error(err))
			return nil, err
		}
		if chosen != nil {
			r.notify(StageRanking, p.now(), "Best match: %s (score %.2f)", chosen.HeroID, chosen.MatchScore)
		} else {
			r.notify(StageRanking, p.now(), "Ranking produced no usable match")
		}
	}

	analysis := domain.TriageAnalysis{
		PriorityAssessment:  assessment,
		ThreatAnalysis:      domain.ThreatAnalysis{RequiredPowers: powers, CandidatePool: len(candidates), Narrowing: narrowing},
		GeneratedObjectives: objectives,
		HeroMatches:         matches,
		CreatedAt:           p.now(),
	}
	outcome, err := p.persist(ctx, r, analysis, chosen)
	if err != nil {
		logger.Error("triage persistence failed", zap.Error(err))
		return nil, err
	}
	outcome.Notices = r.notices

	logger.Info("triage completed",
		zap.String("priority", string(assessment.Level)),
		zap.Int("objectives", len(objectives)),
		zap.Int("candidates", len(candidates)),
		zap.String("hero_id", outcome.HeroID),
		zap.Duration("elapsed", p.now().Sub(started)))
	return outcome, nil
}

func (p *Pipeline) stageContext(r *run, stage Stage) (context.Context, context.CancelFunc) {
	share := time.Duration(float64(p.timeout) * stageShare[stage])
	if share <= 0 {
		return context.WithCancel(r.deadline)
	}
	return context.WithTimeout(r.deadline, share)
}

func (p *Pipeline) complete(r *run, stage Stage, templateID string, vars map[string]any) (string, error) {
	ctx, cancel := p.stageContext(r, stage)
	defer cancel()
	raw, err := p.completer.Complete(ctx, templateID, vars)
	if err != nil {
		return "", stageFailure(stage, completionService, "", err)
	}
	if ctx.Err() != nil {
		return "", stageFailure(stage, completionService, "", ctx.Err())
	}
	return raw, nil
}

func (p *Pipeline) assessPriority(r *run) (domain.PriorityAssessment, error) {
	raw, err := p.complete(r, StagePriority, llm.TemplatePriorityAssessment, map[string]any{
		"title":       r.ticket.Title,
		"description": r.ticket.Description,
	})
	if err != nil {
		return domain.PriorityAssessment{}, err
	}

	var assessment domain.PriorityAssessment
	if err := decodeObject(raw, &assessment); err != nil {
		return domain.PriorityAssessment{}, stageFailure(StagePriority, completionService, raw, err)
	}
	assessment.Level = domain.TicketPriority(strings.ToUpper(strings.TrimSpace(string(assessment.Level))))
	if !assessment.Level.Valid() {
		err := apperrors.NewPipelineParseError(fmt.Sprintf("unknown priority level %q", assessment.Level), raw, nil)
		return domain.PriorityAssessment{}, stageFailure(StagePriority, completionService, raw, err)
	}
	if assessment.Confidence < 0 || assessment.Confidence > 1 {
		err := apperrors.NewPipelineParseError(fmt.Sprintf("confidence %v outside [0,1]", assessment.Confidence), raw, nil)
		return domain.PriorityAssessment{}, stageFailure(StagePriority, completionService, raw, err)
	}
	return assessment, nil
}

func (p *Pipeline) generateObjectives(r *run, level domain.TicketPriority) ([]domain.Objective, error) {
	raw, err := p.complete(r, StageObjectives, llm.TemplateObjectiveGeneration, map[string]any{
		"title":       r.ticket.Title,
		"description": r.ticket.Description,
		"priority":    string(level),
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Objectives []domain.Objective `json:"objectives"`
	}
	if err := decodeObject(raw, &payload); err != nil {
		return nil, stageFailure(StageObjectives, completionService, raw, err)
	}
	objectives := make([]domain.Objective, 0, len(payload.Objectives))
	for _, o := range payload.Objectives {
		o.Description = strings.TrimSpace(o.Description)
		if o.Description == "" {
			continue
		}
		o.RequiredPowers = similarity.Normalize(o.RequiredPowers)
		objectives = append(objectives, o)
	}
	if len(objectives) == 0 {
		err := apperrors.NewPipelineParseError("model returned no objectives", raw, nil)
		return nil, stageFailure(StageObjectives, completionService, raw, err)
	}
	return objectives, nil
}

// requiredPowers flattens and de-duplicates the capability tags of every
// objective, keeping first-seen order.
func requiredPowers(objectives []domain.Objective) []string {
	var all []string
	for _, o := range objectives {
		all = append(all, o.RequiredPowers...)
	}
	return similarity.Normalize(all)
}

func (p *Pipeline) narrowCandidates(r *run, powers []string) ([]candidate, string, error) {
	ctx, cancel := p.stageContext(r, StageNarrowing)
	defer cancel()

	var matches []similarity.Match
	if p.index != nil && len(powers) > 0 {
		var err error
		matches, err = p.index.QueryByTags(ctx, powers)
		if err != nil {
			p.logger.Warn("similarity query failed; falling back to sample",
				zap.String("ticket_id", r.ticket.ID), zap.Error(err))
			matches = nil
		}
	}

	if len(matches) > 0 {
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID)
		}
		filter := repository.EligibleHeroes()
		filter.IDs = ids
		heroes, err := p.heroes.List(r.deadline, filter)
		if err != nil {
			return nil, "", stageFailure(StageNarrowing, similarityService, "", apperrors.NewStoreUnavailable("list heroes", err))
		}
		byID := make(map[string]domain.Hero, len(heroes))
		for _, h := range heroes {
			byID[h.ID] = h
		}
		var candidates []candidate
		for _, m := range matches {
			if hero, ok := byID[m.ID]; ok {
				candidates = append(candidates, candidate{hero: hero, score: m.Score})
				delete(byID, m.ID)
			}
		}
		if len(candidates) > 0 {
			return candidates, domain.NarrowingSimilarity, nil
		}
	}

	filter := repository.EligibleHeroes()
	filter.Limit = p.fallbackSize
	heroes, err := p.heroes.List(r.deadline, filter)
	if err != nil {
		return nil, "", stageFailure(StageNarrowing, similarityService, "", apperrors.NewStoreUnavailable("list heroes", err))
	}
	candidates := make([]candidate, 0, len(heroes))
	for _, h := range sortHeroesByID(heroes) {
		if len(candidates) == p.fallbackSize {
			break
		}
		candidates = append(candidates, candidate{hero: h})
	}
	return candidates, domain.NarrowingFallback, nil
}

func (p *Pipeline) rankCandidates(r *run, objectives []domain.Objective, powers []string, candidates []candidate) ([]domain.HeroMatch, *domain.HeroMatch, error) {
	views := make([]llm.Candidate, 0, len(candidates))
	known := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		views = append(views, llm.Candidate{ID: c.hero.ID, Name: c.hero.Name, Powers: c.hero.Powers, Score: c.score})
		known[c.hero.ID] = struct{}{}
	}

	raw, err := p.complete(r, StageRanking, llm.TemplateHeroRanking, map[string]any{
		"objectives":      objectives,
		"required_powers": powers,
		"candidates":      views,
	})
	if err != nil {
		return nil, nil, err
	}

	var payload struct {
		HeroMatches *[]domain.HeroMatch `json:"hero_matches"`
	}
	if err := decodeObject(raw, &payload); err != nil {
		return nil, nil, stageFailure(StageRanking, completionService, raw, err)
	}
	if payload.HeroMatches == nil {
		err := apperrors.NewPipelineParseError("model output has no hero_matches", raw, nil)
		return nil, nil, stageFailure(StageRanking, completionService, raw, err)
	}

	matches := make([]domain.HeroMatch, 0, len(*payload.HeroMatches))
	for _, m := range *payload.HeroMatches {
		if _, ok := known[m.HeroID]; !ok {
			p.logger.Warn("dropping match for unknown hero", zap.String("hero_id", m.HeroID))
			continue
		}
		if m.MatchScore < 0 || m.MatchScore > 1 {
			p.logger.Warn("dropping match with out-of-range score",
				zap.String("hero_id", m.HeroID), zap.Float64("match_score", m.MatchScore))
			continue
		}
		matches = append(matches, m)
	}
	return matches, bestMatch(matches), nil
}

// bestMatch picks the highest score; the earliest entry wins ties.
func bestMatch(matches []domain.HeroMatch) *domain.HeroMatch {
	var best *domain.HeroMatch
	for i := range matches {
		if best == nil || matches[i].MatchScore > best.MatchScore {
			best = &matches[i]
		}
	}
	return best
}
