package model

import "time"

// Message is one turn in a conversation transcript.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	FromName  string    `json:"from_name,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a messaging thread between a page and one participant.
type Conversation struct {
	ID            string    `json:"id"`
	PageID        string    `json:"page_id"`
	ParticipantID string    `json:"participant_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// LastMessageTime returns the timestamp of the newest message, or the zero
// time for an empty transcript.
func LastMessageTime(msgs []Message) time.Time {
	var last time.Time
	for _, m := range msgs {
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}
	return last
}

// DisplayNameFromTranscript returns the first non-empty sender name whose
// sender ID matches participantID. Transcripts carry names unreliably, so the
// first match wins and absence is not an error.
func DisplayNameFromTranscript(msgs []Message, participantID string) string {
	for _, m := range msgs {
		if m.From == participantID && m.FromName != "" {
			return m.FromName
		}
	}
	return ""
}
