package triage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/similarity"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

// persist writes the analysis, then the mission and assignment when a hero
// was chosen, then the summary comment. A failed assignment removes the
// mission again. Only the comment is allowed to fail softly.
func (p *Pipeline) persist(ctx context.Context, r *run, analysis domain.TriageAnalysis, chosen *domain.HeroMatch) (*Outcome, error) {
	ticket := r.ticket
	level := analysis.PriorityAssessment.Level
	objectives := make([]string, 0, len(analysis.GeneratedObjectives))
	for _, o := range analysis.GeneratedObjectives {
		objectives = append(objectives, o.Description)
	}

	updated, err := p.tickets.Update(ctx, ticket.ID, domain.TicketPatch{
		Priority:   &level,
		Objectives: objectives,
		Tags:       similarity.Normalize(append(append([]string(nil), ticket.Tags...), analysis.ThreatAnalysis.RequiredPowers...)),
		Metadata:   map[string]any{domain.MetadataAIAnalysis: analysis.Metadata()},
	})
	if err != nil {
		return nil, persistFailure(err)
	}

	outcome := &Outcome{Ticket: updated, Analysis: analysis}
	if chosen == nil {
		outcome.Partial = apperrors.NewNoEligibleCandidates(map[string]any{
			"ticket_id":      ticket.ID,
			"candidate_pool": analysis.ThreatAnalysis.CandidatePool,
		})
		r.notify(StagePersistence, p.now(), "Triage saved; ticket left unassigned")
	} else {
		mission := &domain.Mission{
			TicketID:    ticket.ID,
			HeroID:      chosen.HeroID,
			Title:       ticket.Title,
			Description: ticket.Description,
			Priority:    level,
			Objectives:  objectives,
			Status:      domain.MissionStatusAssigned,
		}
		if p.missions != nil {
			if err := p.missions.Create(ctx, mission); err != nil {
				return nil, persistFailure(err)
			}
		}
		status := domain.TicketStatusInProgress
		heroID := chosen.HeroID
		patch := domain.TicketPatch{Status: &status, AssignedTo: &heroID}
		if mission.ID != "" {
			patch.Metadata = map[string]any{domain.MetadataMissionID: mission.ID}
		}
		updated, err = p.tickets.Update(ctx, ticket.ID, patch)
		if err != nil {
			p.discardMission(ctx, mission)
			return nil, persistFailure(err)
		}
		outcome.Ticket = updated
		outcome.HeroID = heroID
		outcome.Mission = mission
		r.notify(StagePersistence, p.now(), "Assigned to %s", heroID)
	}

	if p.messages != nil {
		comment := &domain.TicketMessage{
			TicketID: ticket.ID,
			Kind:     domain.MessageKindSystem,
			Body:     summaryComment(analysis, chosen),
		}
		if err := p.messages.Create(ctx, comment); err != nil {
			p.logger.Warn("triage summary comment failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf("summary comment not saved: %v", err))
		}
	}
	return outcome, nil
}

// discardMission removes a mission whose ticket assignment failed, so no
// ASSIGNED mission outlives an unassigned ticket.
func (p *Pipeline) discardMission(ctx context.Context, mission *domain.Mission) {
	if p.missions == nil || mission.ID == "" {
		return
	}
	if err := p.missions.Delete(context.WithoutCancel(ctx), mission.ID); err != nil {
		p.logger.Error("orphaned mission left behind",
			zap.String("mission_id", mission.ID),
			zap.String("ticket_id", mission.TicketID),
			zap.Error(err))
	}
}

func persistFailure(err error) *StageError {
	if apperrors.ToDomainError(err).Code == apperrors.CodeInternal {
		err = apperrors.NewStoreUnavailable("triage persistence", err)
	}
	return stageFailure(StagePersistence, "backing store", "", err)
}

func summaryComment(analysis domain.TriageAnalysis, chosen *domain.HeroMatch) string {
	var b strings.Builder
	a := analysis.PriorityAssessment
	fmt.Fprintf(&b, "Automated triage: priority %s (confidence %.2f).", a.Level, a.Confidence)
	if a.Reasoning != "" {
		fmt.Fprintf(&b, " %s", a.Reasoning)
	}
	fmt.Fprintf(&b, "\nObjectives:")
	for i, o := range analysis.GeneratedObjectives {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o.Description)
	}
	if chosen != nil {
		fmt.Fprintf(&b, "\nAssigned to %s (match %.2f).", chosen.HeroID, chosen.MatchScore)
		if chosen.MatchReasoning != "" {
			fmt.Fprintf(&b, " %s", chosen.MatchReasoning)
		}
	} else {
		fmt.Fprintf(&b, "\nNo eligible hero available; left unassigned.")
	}
	return b.String()
}

func sortHeroesByID(heroes []domain.Hero) []domain.Hero {
	out := append([]domain.Hero(nil), heroes...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
