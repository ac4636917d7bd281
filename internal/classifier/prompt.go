package classifier

import (
	"fmt"
	"strings"

	"github.com/sells-group/contact-sync/internal/model"
)

const analysisSystemPrompt = `You analyze sales conversation transcripts between a business page and a prospect. Judge how close the prospect is to buying. Respond with a valid JSON object:
{"summary": "<2-3 sentence summary>", "recommended_stage": "<stage name or empty>", "lead_score": <0-100>, "lead_status": "<cold|warm|hot|customer|lost>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

const summarySystemPrompt = `You summarize sales conversation transcripts between a business page and a prospect. Respond with a valid JSON object:
{"summary": "<2-3 sentence summary>", "lead_score": <0-100>, "lead_status": "<cold|warm|hot|customer|lost>", "confidence": <0.0-1.0>}`

// maxTranscriptChars bounds the rendered transcript. Long threads keep the
// newest messages; older turns rarely change the verdict.
const maxTranscriptChars = 12000

// RenderTranscript flattens messages into prompt text, one line per turn,
// labeling the prospect and the page by their sender IDs. Transcripts over
// the size cap are truncated from the front.
func RenderTranscript(msgs []model.Message, participantID string) string {
	var b strings.Builder
	for _, m := range msgs {
		role := "Page"
		if m.From == participantID {
			role = "Prospect"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), role, m.Text)
	}
	text := b.String()
	if len(text) > maxTranscriptChars {
		cut := text[len(text)-maxTranscriptChars:]
		// Resync to a line boundary so the first turn is whole.
		if idx := strings.Index(cut, "\n"); idx >= 0 {
			cut = cut[idx+1:]
		}
		text = "(earlier messages omitted)\n" + cut
	}
	return text
}

// buildUserPrompt composes the per-call prompt. When a pipeline is given its
// stage names and score ranges are included so the model can recommend one.
func buildUserPrompt(transcript string, p *model.Pipeline) string {
	var b strings.Builder
	if p != nil && len(p.Stages) > 0 {
		b.WriteString("Pipeline stages:\n")
		for _, s := range p.Stages {
			fmt.Fprintf(&b, "- %s (score %d-%d)\n", s.Name, s.LeadScoreMin, s.LeadScoreMax)
		}
		b.WriteString("\n")
	}
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	return b.String()
}
