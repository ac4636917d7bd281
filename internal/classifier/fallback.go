package classifier

import (
	"fmt"
	"strings"

	"github.com/sells-group/contact-sync/internal/model"
)

// Keyword buckets for the heuristic scorer. Matched case-insensitively
// against prospect messages only.
var (
	hotSignals = []string{
		"buy", "price", "pricing", "how much", "cost", "purchase",
		"order", "payment", "invoice", "sign up", "ready to",
	}
	warmSignals = []string{
		"interested", "tell me more", "demo", "available", "details",
		"when can", "do you offer", "do you have",
	}
	lostSignals = []string{
		"not interested", "stop messaging", "unsubscribe", "leave me alone",
	}
)

// FallbackAnalysis scores a transcript with keyword heuristics when the AI
// classifier is unavailable. Confidence is fixed low so a later AI pass
// always wins.
func FallbackAnalysis(msgs []model.Message, participantID string) *model.ContactAnalysis {
	var prospectTurns int
	var text strings.Builder
	for _, m := range msgs {
		if m.From == participantID {
			prospectTurns++
			text.WriteString(strings.ToLower(m.Text))
			text.WriteString(" ")
		}
	}
	corpus := text.String()

	for _, kw := range lostSignals {
		if strings.Contains(corpus, kw) {
			return &model.ContactAnalysis{
				Summary:    fmt.Sprintf("Prospect opted out after %d messages.", prospectTurns),
				LeadScore:  0,
				LeadStatus: "lost",
				Confidence: 0.2,
				Reasoning:  "heuristic: opt-out phrase present",
			}
		}
	}

	score := model.NeutralLeadScore
	status := "cold"
	for _, kw := range hotSignals {
		if strings.Contains(corpus, kw) {
			score += 15
			status = "hot"
			break
		}
	}
	if status != "hot" {
		for _, kw := range warmSignals {
			if strings.Contains(corpus, kw) {
				score += 5
				status = "warm"
				break
			}
		}
	}

	// Engagement: a prospect who keeps replying is worth more than one who
	// sent a single message.
	switch {
	case prospectTurns >= 5:
		score += 10
	case prospectTurns == 0:
		score -= 20
	}

	return &model.ContactAnalysis{
		Summary:    fmt.Sprintf("Conversation with %d prospect messages; scored without AI analysis.", prospectTurns),
		LeadScore:  model.ClampScore(score),
		LeadStatus: status,
		Confidence: 0.2,
		Reasoning:  "heuristic: keyword and engagement scoring",
	}
}
