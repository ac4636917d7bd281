package model

// ContactAnalysis is the classifier's verdict for one transcript.
type ContactAnalysis struct {
	Summary          string  `json:"summary"`
	RecommendedStage string  `json:"recommended_stage,omitempty"`
	LeadScore        int     `json:"lead_score"`
	LeadStatus       string  `json:"lead_status,omitempty"`
	// Confidence is a fraction in [0, 1]. Multiply by 100 for display
	// alongside lead scores.
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// NeutralLeadScore is the score assigned when the classifier produced only a
// free-text summary (no stage catalog was available to score against).
const NeutralLeadScore = 50

// ClampScore bounds a raw model-produced score into the 0-100 range.
func ClampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
