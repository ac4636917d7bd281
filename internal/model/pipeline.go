package model

import "time"

// Pipeline is an ordered set of stages. Read-only from the engine's
// perspective; mutations happen in the dashboard, not here.
type Pipeline struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Stages    []Stage   `json:"stages"`
	CreatedAt time.Time `json:"created_at"`
}

// Stage is a named step in a pipeline with a lead-score range. Order is
// ascending: later stages mean further along the funnel.
type Stage struct {
	ID           string `json:"id"`
	PipelineID   string `json:"pipeline_id"`
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	Order        int    `json:"order"`
	LeadScoreMin int    `json:"lead_score_min"`
	LeadScoreMax int    `json:"lead_score_max"`
}

// ContainsScore reports whether score falls inside the stage's range.
func (s Stage) ContainsScore(score int) bool {
	return score >= s.LeadScoreMin && score <= s.LeadScoreMax
}

// StageByID returns the stage with the given ID, or nil.
func (p *Pipeline) StageByID(id string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// FirstStage returns the stage with the lowest order, or nil for an empty pipeline.
func (p *Pipeline) FirstStage() *Stage {
	var first *Stage
	for i := range p.Stages {
		if first == nil || p.Stages[i].Order < first.Order {
			first = &p.Stages[i]
		}
	}
	return first
}
