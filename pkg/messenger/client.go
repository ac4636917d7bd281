// Package messenger talks to the messaging platform's graph-style HTTP API:
// paged conversation listings per page and full message transcripts per
// thread, authenticated by a page access token.
package messenger

import (
	"context"
	"time"

	"github.com/sells-group/contact-sync/internal/model"
)

// Client defines the messaging platform operations the sync engine uses.
type Client interface {
	// StreamConversations walks every conversation of a page, newest first,
	// invoking fn once per conversation. When updatedSince is non-nil the
	// walk stops at the first conversation not updated after it. fn
	// returning an error aborts the walk and surfaces that error.
	StreamConversations(ctx context.Context, pageID string, updatedSince *time.Time, fn func(model.Conversation) error) error

	// GetMessages fetches the full transcript of one conversation,
	// oldest first.
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}

// ErrStopStreaming can be returned from a StreamConversations callback to
// end the walk early without an error.
var ErrStopStreaming = errStop{}

type errStop struct{}

func (errStop) Error() string { return "stop streaming" }
