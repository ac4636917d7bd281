package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/resilience"
)

// Options configures the HTTP client.
type Options struct {
	BaseURL     string
	AccessToken string
	UserAgent   string
	Timeout     time.Duration
	PageSize    int
	// RequestsPerSecond seeds the adaptive limiter. The platform throttles
	// per app, so one limiter covers all pages.
	RequestsPerSecond float64
}

// HTTPClient implements Client against the platform's REST API.
type HTTPClient struct {
	client  *http.Client
	opts    Options
	limiter *resilience.AdaptiveLimiter
}

// NewHTTPClient creates a client with the given options.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PageSize == 0 {
		opts.PageSize = 100
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "contact-sync/1.0"
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 10
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:    opts,
		limiter: resilience.NewAdaptiveLimiter(rate.Limit(opts.RequestsPerSecond), 10),
	}
}

// --- wire types ---

type apiEnvelope struct {
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

type paging struct {
	Cursors struct {
		After string `json:"after"`
	} `json:"cursors"`
	Next string `json:"next"`
}

type participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireConversation struct {
	ID           string `json:"id"`
	UpdatedTime  string `json:"updated_time"`
	Participants struct {
		Data []participant `json:"data"`
	} `json:"participants"`
}

type conversationPage struct {
	Data   []wireConversation `json:"data"`
	Paging paging             `json:"paging"`
}

type wireMessage struct {
	ID          string      `json:"id"`
	Message     string      `json:"message"`
	From        participant `json:"from"`
	CreatedTime string      `json:"created_time"`
}

type messagePage struct {
	Data   []wireMessage `json:"data"`
	Paging paging        `json:"paging"`
}

// The platform emits RFC3339 with a compact zone offset.
const wireTimeLayout = "2006-01-02T15:04:05-0700"

func parseWireTime(s string) time.Time {
	if t, err := time.Parse(wireTimeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// StreamConversations walks the page's conversation listing, following
// paging cursors until exhausted, stopped by the callback, or past the
// updatedSince watermark. Listings arrive newest first, so the watermark
// cuts the walk short instead of filtering.
func (c *HTTPClient) StreamConversations(ctx context.Context, pageID string, updatedSince *time.Time, fn func(model.Conversation) error) error {
	after := ""
	for {
		page, err := c.listConversations(ctx, pageID, after)
		if err != nil {
			return err
		}
		for _, wc := range page.Data {
			updated := parseWireTime(wc.UpdatedTime)
			if updatedSince != nil && !updated.After(*updatedSince) {
				return nil
			}
			conv := model.Conversation{
				ID:            wc.ID,
				PageID:        pageID,
				ParticipantID: counterpartID(wc.Participants.Data, pageID),
				UpdatedAt:     updated,
			}
			if err := fn(conv); err != nil {
				if errors.Is(err, ErrStopStreaming) {
					return nil
				}
				return err
			}
		}
		if page.Paging.Next == "" || page.Paging.Cursors.After == "" {
			return nil
		}
		after = page.Paging.Cursors.After
	}
}

// counterpartID picks the participant that is not the page itself.
func counterpartID(parts []participant, pageID string) string {
	for _, p := range parts {
		if p.ID != pageID {
			return p.ID
		}
	}
	return ""
}

func (c *HTTPClient) listConversations(ctx context.Context, pageID, after string) (*conversationPage, error) {
	q := url.Values{}
	q.Set("fields", "id,updated_time,participants")
	q.Set("limit", strconv.Itoa(c.opts.PageSize))
	if after != "" {
		q.Set("after", after)
	}

	var page conversationPage
	if err := c.getJSON(ctx, "/"+pageID+"/conversations", q, &page); err != nil {
		return nil, eris.Wrap(err, "list conversations")
	}
	return &page, nil
}

// GetMessages pages through the conversation's transcript and returns it
// oldest first.
func (c *HTTPClient) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	after := ""
	for {
		q := url.Values{}
		q.Set("fields", "id,message,from,created_time")
		q.Set("limit", strconv.Itoa(c.opts.PageSize))
		if after != "" {
			q.Set("after", after)
		}

		var page messagePage
		if err := c.getJSON(ctx, "/"+conversationID+"/messages", q, &page); err != nil {
			return nil, eris.Wrap(err, "get messages")
		}
		for _, wm := range page.Data {
			out = append(out, model.Message{
				ID:        wm.ID,
				From:      wm.From.ID,
				FromName:  wm.From.Name,
				Text:      wm.Message,
				Timestamp: parseWireTime(wm.CreatedTime),
			})
		}
		if page.Paging.Next == "" || page.Paging.Cursors.After == "" {
			break
		}
		after = page.Paging.Cursors.After
	}

	// Transcript endpoints return newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, q url.Values, dst any) error {
	q.Set("access_token", c.opts.AccessToken)
	rawURL := c.opts.BaseURL + path + "?" + q.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "messenger request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return eris.Wrap(err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.OnRateLimit()
		}
		return c.classifyAPIError(resp.StatusCode, body, path)
	}

	c.limiter.OnSuccess()

	if err := json.Unmarshal(body, dst); err != nil {
		return eris.Wrapf(err, "decode response from %s", path)
	}
	return nil
}

// OAuth error codes that mean the page token itself is dead, as opposed to
// a throttle or a server hiccup.
const (
	codeTokenInvalid = 190
	codeRateLimitApp = 4
	codeRateLimitUsr = 17
	codeRateLimitPg  = 32
)

func (c *HTTPClient) classifyAPIError(status int, body []byte, path string) error {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		apiErr := eris.Errorf("messenger: %s (code %d, type %s) from %s",
			env.Error.Message, env.Error.Code, env.Error.Type, path)
		switch {
		case env.Error.Code == codeTokenInvalid || env.Error.Type == "OAuthException":
			zap.L().Warn("page access token rejected",
				zap.String("path", path),
				zap.Int("code", env.Error.Code))
			return resilience.Classify(resilience.KindCredentialExpired, apiErr)
		case env.Error.Code == codeRateLimitApp ||
			env.Error.Code == codeRateLimitUsr ||
			env.Error.Code == codeRateLimitPg:
			c.limiter.OnRateLimit()
			return resilience.Classify(resilience.KindRateLimited, apiErr)
		}
		return resilience.ClassifyStatus(status, apiErr)
	}
	return resilience.ClassifyStatus(status, eris.Errorf("messenger: http %d from %s", status, path))
}
