package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/convodesk/convodesk/internal/phone"
	"github.com/convodesk/convodesk/internal/store"
	"go.uber.org/zap"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the console backend root, e.g. "https://api.example.com".
	BaseURL string
	// Token authenticates requests; sent as a bearer token.
	Token string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Normalizer canonicalizes phone identifiers found in responses.
	Normalizer phone.Normalizer
	// Logger is used for structured logging. If nil, zap.NewNop() is
	// used.
	Logger *zap.Logger
}

// Client talks to the console's REST backend: the prospects listing,
// per-conversation chat history, and the send endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	normalizer phone.Normalizer
	logger     *zap.Logger
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("backend: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		normalizer: cfg.Normalizer,
		logger:     logger,
	}, nil
}

// FetchProspects loads one directory page. An empty cursor requests
// page zero. Implements store.Fetcher.
func (c *Client) FetchProspects(ctx context.Context, cursor string, limit int, f store.Filters) (store.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))
	if f.Role != "" {
		q.Set("role", f.Role)
	}
	if f.AdvisorFilter != "" {
		q.Set("advisorFilter", f.AdvisorFilter)
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/prospects?"+q.Encode(), nil)
	if err != nil {
		return store.Page{}, fmt.Errorf("fetch prospects: %w", err)
	}

	var resp prospectsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return store.Page{}, fmt.Errorf("decode prospects: %w", err)
	}

	page := store.Page{
		HasMore:    resp.Data.Pagination.HasMore,
		NextCursor: resp.Data.Pagination.NextCursor,
	}
	for _, u := range resp.Data.Usuarios {
		key := c.normalizer.Key(u.Phone)
		if key == "+" {
			c.logger.Warn("skipping prospect with unusable phone", zap.String("id", u.ID))
			continue
		}
		page.Prospects = append(page.Prospects, store.ProspectSummary{
			ID:                 u.ID,
			PhoneKey:           key,
			DisplayName:        u.Name,
			SourceTable:        u.SourceTable,
			AIEnabled:          u.AIEnabled,
			LastMessagePreview: u.LastMessagePreview,
			LastMessageAt:      int64(u.LastMessageDate),
		})
	}
	return page, nil
}

// ChatHistory loads the full message history for a conversation.
func (c *Client) ChatHistory(ctx context.Context, phoneKey string) ([]store.TranscriptMessage, error) {
	q := url.Values{}
	q.Set("phone", phoneKey)

	body, err := c.doRequest(ctx, http.MethodGet, "/chat-history?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch chat history: %w", err)
	}

	var wire []wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}

	msgs := make([]store.TranscriptMessage, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, store.TranscriptMessage{
			ServerID:  w.ID,
			PhoneKey:  phoneKey,
			Body:      w.Body,
			MediaURL:  w.MediaURL,
			Direction: directionOf(w.Direction, w.RespondedBy),
			Status:    historyStatus(w),
			CreatedAt: int64(w.Timestamp),
		})
	}
	return msgs, nil
}

// SendMessage posts an outbound message and returns the authoritative
// result, including the server-assigned message ID.
func (c *Client) SendMessage(ctx context.Context, phoneKey, body string) (SendResult, error) {
	payload, err := json.Marshal(sendRequest{Phone: phoneKey, Body: body})
	if err != nil {
		return SendResult{}, fmt.Errorf("encode send request: %w", err)
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/send-message", payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("send message: %w", err)
	}

	var resp sendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return SendResult{}, fmt.Errorf("decode send response: %w", err)
	}
	return SendResult{MessageID: resp.MessageID, Status: resp.Status}, nil
}

// doRequest issues one HTTP request and returns the response body.
// Non-2xx statuses decode the backend's error envelope into a
// StatusError.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var envelope errorResponse
		if json.Unmarshal(data, &envelope) == nil {
			se.Code = envelope.Error.Code
			se.Message = envelope.Error.Message
		}
		return nil, se
	}
	return data, nil
}

func directionOf(direction, respondedBy string) store.Direction {
	switch direction {
	case "inbound":
		return store.Inbound
	case "outbound":
		return store.Outbound
	}
	if respondedBy != "" {
		return store.Outbound
	}
	return store.Inbound
}

func historyStatus(w wireMessage) store.Status {
	switch w.Status {
	case "sent":
		return store.StatusSent
	case "failed":
		return store.StatusFailed
	}
	return store.StatusDelivered
}
