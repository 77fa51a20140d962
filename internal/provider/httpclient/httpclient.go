// Package httpclient is a thin JSON-over-HTTP implementation of
// provider.Client. It exists only so cmd/* binaries have something real to
// wire; the wire format below is a reasonable guess at the provider's REST
// shape and is not part of the core's contract.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nova-labs/inbox-sync/internal/provider"
)

// Client is a provider.Client backed by net/http.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL, with the given request timeout
// applied per call.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

type threadDTO struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Participants []string  `json:"participants"`
	LatestTS     int64     `json:"latest_ts"`
	Unread       bool      `json:"unread"`
	Starred      bool      `json:"starred"`
}

func (t threadDTO) toDomain() provider.Thread {
	return provider.Thread{
		ID:           t.ID,
		Subject:      t.Subject,
		Participants: t.Participants,
		LatestAt:     time.Unix(t.LatestTS, 0).UTC(),
		Unread:       t.Unread,
		Starred:      t.Starred,
	}
}

type messageDTO struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Snippet string `json:"snippet"`
	SentTS  int64  `json:"sent_ts"`
}

func (m messageDTO) toDomain() provider.Message {
	return provider.Message{ID: m.ID, From: m.From, Snippet: m.Snippet, SentAt: time.Unix(m.SentTS, 0).UTC()}
}

type listThreadsResponse struct {
	Data       []threadDTO `json:"data"`
	NextCursor string      `json:"next_cursor"`
}

// ListThreads pages the remote thread list filtered by [AfterTS, BeforeTS].
func (c *Client) ListThreads(ctx context.Context, grant string, params provider.ListThreadsParams) (provider.ListThreadsResult, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(params.Limit))
	q.Set("after_ts", strconv.FormatInt(params.AfterTS.Unix(), 10))
	q.Set("before_ts", strconv.FormatInt(params.BeforeTS.Unix(), 10))
	if params.PageToken != "" {
		q.Set("page_token", params.PageToken)
	}

	var resp listThreadsResponse
	if err := c.get(ctx, grant, "/threads?"+q.Encode(), &resp); err != nil {
		return provider.ListThreadsResult{}, err
	}

	out := provider.ListThreadsResult{NextCursor: resp.NextCursor}
	for _, t := range resp.Data {
		out.Data = append(out.Data, t.toDomain())
	}
	return out, nil
}

// FindThread fetches a single thread by its remote ID.
func (c *Client) FindThread(ctx context.Context, grant, threadID string) (provider.Thread, error) {
	var dto threadDTO
	if err := c.get(ctx, grant, "/threads/"+url.PathEscape(threadID), &dto); err != nil {
		return provider.Thread{}, err
	}
	return dto.toDomain(), nil
}

type listMessagesResponse struct {
	Data []messageDTO `json:"data"`
}

// ListMessages fetches all messages in a thread, up to params.Limit.
func (c *Client) ListMessages(ctx context.Context, grant string, params provider.ListMessagesParams) ([]provider.Message, error) {
	q := url.Values{}
	q.Set("thread_id", params.ThreadID)
	q.Set("limit", strconv.Itoa(params.Limit))

	var resp listMessagesResponse
	if err := c.get(ctx, grant, "/messages?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	out := make([]provider.Message, 0, len(resp.Data))
	for _, m := range resp.Data {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// FindMessage fetches a single message by its remote ID.
func (c *Client) FindMessage(ctx context.Context, grant, messageID string) (provider.Message, error) {
	var dto messageDTO
	if err := c.get(ctx, grant, "/messages/"+url.PathEscape(messageID), &dto); err != nil {
		return provider.Message{}, err
	}
	return dto.toDomain(), nil
}

func (c *Client) get(ctx context.Context, grant, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+grant)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return provider.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}
