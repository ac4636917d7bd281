package classifier

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-sync/internal/model"
)

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

var validLeadStatuses = map[string]bool{
	"cold":     true,
	"warm":     true,
	"hot":      true,
	"customer": true,
	"lost":     true,
}

// ParseAnalysis decodes a model response into a ContactAnalysis. Scores are
// clamped to [0, 100], unknown statuses normalized to "cold", and confidence
// clamped to [0, 1].
func ParseAnalysis(text string) (*model.ContactAnalysis, error) {
	text = cleanJSON(text)
	if text == "" {
		return nil, eris.New("empty analysis response")
	}

	var raw struct {
		Summary          string  `json:"summary"`
		RecommendedStage string  `json:"recommended_stage"`
		LeadScore        int     `json:"lead_score"`
		LeadStatus       string  `json:"lead_status"`
		Confidence       float64 `json:"confidence"`
		Reasoning        string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, eris.Wrap(err, "parse analysis response")
	}

	status := strings.ToLower(strings.TrimSpace(raw.LeadStatus))
	if !validLeadStatuses[status] {
		status = "cold"
	}
	conf := raw.Confidence
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}

	return &model.ContactAnalysis{
		Summary:          strings.TrimSpace(raw.Summary),
		RecommendedStage: strings.TrimSpace(raw.RecommendedStage),
		LeadScore:        model.ClampScore(raw.LeadScore),
		LeadStatus:       status,
		Confidence:       conf,
		Reasoning:        strings.TrimSpace(raw.Reasoning),
	}, nil
}
