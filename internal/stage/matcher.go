// Package stage maps classifier verdicts onto pipeline stages and guards
// contacts against being regressed by a single re-analysis.
package stage

import (
	"strings"

	"github.com/sells-group/contact-sync/internal/model"
)

// MatchInput is one analysis verdict to resolve against a pipeline.
type MatchInput struct {
	LeadScore        int
	LeadStatus       string
	RecommendedStage string
}

// Options tunes matching behavior.
type Options struct {
	// DowngradeMargin widens the "decisively lower" test: a downgrade is
	// allowed only when the new score falls below the proposed stage's
	// LeadScoreMin by more than this margin. Zero means the min bound itself.
	DowngradeMargin int
}

// Match picks the stage for a verdict. Resolution order: score-range
// containment (ties broken by status-type match, then lowest order), then a
// name match against the classifier's freeform stage suggestion, then the
// first stage in pipeline order. Returns nil only for an empty pipeline.
func Match(p *model.Pipeline, in MatchInput) *model.Stage {
	if p == nil || len(p.Stages) == 0 {
		return nil
	}

	var best *model.Stage
	for i := range p.Stages {
		s := &p.Stages[i]
		if !s.ContainsScore(in.LeadScore) {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		bestTyped := statusMatches(best.Type, in.LeadStatus)
		sTyped := statusMatches(s.Type, in.LeadStatus)
		switch {
		case sTyped && !bestTyped:
			best = s
		case sTyped == bestTyped && s.Order < best.Order:
			best = s
		}
	}
	if best != nil {
		return best
	}

	if s := matchByName(p, in.RecommendedStage); s != nil {
		return s
	}

	return p.FirstStage()
}

// Decision is the outcome of resolving a verdict for one contact.
type Decision struct {
	Stage   *model.Stage
	Skipped bool
	Reason  string
}

// Decide resolves a verdict for a contact, applying downgrade protection:
// a contact already at a later stage of the same pipeline is moved earlier
// only when the new score is decisively lower than the proposed stage's
// range. A contact on a different pipeline (or none) is assigned freshly.
func Decide(contact *model.Contact, p *model.Pipeline, in MatchInput, opts Options) Decision {
	proposed := Match(p, in)
	if proposed == nil {
		return Decision{Skipped: true, Reason: "pipeline has no stages"}
	}

	if contact == nil || contact.PipelineID != p.ID || contact.StageID == "" {
		return Decision{Stage: proposed}
	}
	current := p.StageByID(contact.StageID)
	if current == nil || current.Order <= proposed.Order {
		return Decision{Stage: proposed}
	}

	// Proposed stage is earlier than the contact's current one.
	if in.LeadScore < proposed.LeadScoreMin-opts.DowngradeMargin {
		return Decision{Stage: proposed}
	}
	return Decision{Skipped: true, Reason: "downgrade blocked"}
}

func statusMatches(stageType, leadStatus string) bool {
	if stageType == "" || leadStatus == "" {
		return false
	}
	return strings.EqualFold(stageType, leadStatus)
}

func matchByName(p *model.Pipeline, name string) *model.Stage {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil
	}
	for i := range p.Stages {
		if strings.ToLower(p.Stages[i].Name) == name {
			return &p.Stages[i]
		}
	}
	// Loose containment pass for suggestions like "the Qualified stage".
	for i := range p.Stages {
		if strings.Contains(name, strings.ToLower(p.Stages[i].Name)) {
			return &p.Stages[i]
		}
	}
	return nil
}
