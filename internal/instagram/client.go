// Package instagram implements the remote messaging port against the
// Instagram Graph API.
package instagram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	sw "github.com/RussellLuo/slidingwindow"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Client talks to the Graph API. All calls carry the caller's context and a
// bounded per-request timeout so one slow call cannot stall event processing.
// A sliding-window limiter throttles total outbound calls so a burst of
// automations cannot trip platform-side limits.
type Client struct {
	httpClient *resty.Client
	limiter    *sw.Limiter
}

func windowFunc() (sw.Window, sw.StopFunc) {
	return sw.NewLocalWindow()
}

// NewClient creates a Graph API client. callsPerSecond bounds outbound
// request rate across all accounts.
func NewClient(baseURL string, timeout time.Duration, callsPerSecond int64) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("instagram baseURL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if callsPerSecond <= 0 {
		callsPerSecond = 10
	}

	limiter, _ := sw.NewLimiter(time.Second, callsPerSecond, windowFunc)

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	log.Info().Str("baseURL", baseURL).Dur("timeout", timeout).Msg("Instagram client configured")

	return &Client{
		httpClient: httpClient,
		limiter:    limiter,
	}, nil
}

// throttle waits for limiter headroom, polling rather than blocking so the
// caller's context still wins.
func (c *Client) throttle(ctx context.Context) error {
	for !c.limiter.Allow() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func remoteError(resp *resty.Response) error {
	if env, ok := resp.Error().(*graphErrorEnvelope); ok && env != nil && env.Error != nil {
		return env.Error
	}
	return fmt.Errorf("instagram: unexpected status %s: %s", resp.Status(), resp.String())
}

// SendDirectMessage sends a DM from the account to the recipient.
func (c *Client) SendDirectMessage(ctx context.Context, token, accountExternalID, recipientExternalID, text string) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("access_token", token).
		SetBody(sendMessageRequest{
			Recipient: recipientRef{ID: recipientExternalID},
			Message:   messageBody{Text: text},
		}).
		SetError(&graphErrorEnvelope{}).
		Post(fmt.Sprintf("/%s/messages", accountExternalID))
	if err != nil {
		return fmt.Errorf("instagram: SendDirectMessage request failed: %w", err)
	}
	if resp.IsError() {
		return remoteError(resp)
	}

	log.Debug().Str("recipient", recipientExternalID).Msg("Direct message sent")
	return nil
}

// ReplyToComment posts a public reply under the comment.
func (c *Client) ReplyToComment(ctx context.Context, token, commentExternalID, text string) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("access_token", token).
		SetBody(replyRequest{Message: text}).
		SetError(&graphErrorEnvelope{}).
		Post(fmt.Sprintf("/%s/replies", commentExternalID))
	if err != nil {
		return fmt.Errorf("instagram: ReplyToComment request failed: %w", err)
	}
	if resp.IsError() {
		return remoteError(resp)
	}

	log.Debug().Str("commentID", commentExternalID).Msg("Comment reply sent")
	return nil
}

// FetchRecentComments lists comments on the media posted since the timestamp.
func (c *Client) FetchRecentComments(ctx context.Context, token, postExternalID string, since time.Time) ([]Comment, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	var out commentListResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"access_token": token,
			"fields":       "id,text,timestamp,from",
			"since":        strconv.FormatInt(since.Unix(), 10),
		}).
		SetResult(&out).
		SetError(&graphErrorEnvelope{}).
		Get(fmt.Sprintf("/%s/comments", postExternalID))
	if err != nil {
		return nil, fmt.Errorf("instagram: FetchRecentComments request failed: %w", err)
	}
	if resp.IsError() {
		return nil, remoteError(resp)
	}

	comments := make([]Comment, 0, len(out.Data))
	for _, entry := range out.Data {
		comment := Comment{
			ID:        entry.ID,
			Text:      entry.Text,
			Timestamp: entry.Timestamp,
		}
		if entry.From != nil {
			comment.AuthorID = entry.From.ID
			comment.AuthorHandle = entry.From.Username
		}
		comments = append(comments, comment)
	}
	return comments, nil
}

// FetchUserHandle resolves a user id to a username. Returns "" when the
// platform does not expose it.
func (c *Client) FetchUserHandle(ctx context.Context, token, userExternalID string) (string, error) {
	if err := c.throttle(ctx); err != nil {
		return "", err
	}

	var out userResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"access_token": token,
			"fields":       "id,username",
		}).
		SetResult(&out).
		SetError(&graphErrorEnvelope{}).
		Get("/" + userExternalID)
	if err != nil {
		return "", fmt.Errorf("instagram: FetchUserHandle request failed: %w", err)
	}
	if resp.IsError() {
		return "", remoteError(resp)
	}
	return out.Username, nil
}

// FetchPostMetadata loads caption and permalink for a media id.
func (c *Client) FetchPostMetadata(ctx context.Context, token, mediaExternalID string) (PostMetadata, error) {
	if err := c.throttle(ctx); err != nil {
		return PostMetadata{}, err
	}

	var out mediaResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"access_token": token,
			"fields":       "id,caption,permalink",
		}).
		SetResult(&out).
		SetError(&graphErrorEnvelope{}).
		Get("/" + mediaExternalID)
	if err != nil {
		return PostMetadata{}, fmt.Errorf("instagram: FetchPostMetadata request failed: %w", err)
	}
	if resp.IsError() {
		return PostMetadata{}, remoteError(resp)
	}
	return PostMetadata{Caption: out.Caption, Permalink: out.Permalink}, nil
}

// RefreshToken exchanges a long-lived token nearing expiry for a fresh one.
func (c *Client) RefreshToken(ctx context.Context, token string) (string, time.Time, error) {
	if err := c.throttle(ctx); err != nil {
		return "", time.Time{}, err
	}

	var out refreshResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":   "ig_refresh_token",
			"access_token": token,
		}).
		SetResult(&out).
		SetError(&graphErrorEnvelope{}).
		Get("/refresh_access_token")
	if err != nil {
		return "", time.Time{}, fmt.Errorf("instagram: RefreshToken request failed: %w", err)
	}
	if resp.IsError() {
		return "", time.Time{}, remoteError(resp)
	}
	if out.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("instagram: refresh returned no token")
	}

	expiry := time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return out.AccessToken, expiry, nil
}
