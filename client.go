package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 50
)

// API is the subset of the REST collaborator the engine depends on.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, opts *PageOptions) (*MessagePage, error)
	UnreadTotal(ctx context.Context) (int, error)
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API. The same base URL selects the push
// channel endpoint (see NewWSTransport).
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, query map[string]string) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader, query)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.roundTrip(req)
}

func (c *Client) roundTrip(req *http.Request) (*Result, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		return nil, err
	}
	return result, nil
}

// call performs a request and decodes a successful envelope's data into out.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	result, err := c.do(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns the user's conversations with their unread counts.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.call(ctx, "GET", "/api/chat/conversations", nil, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// CreateConversation creates a conversation with the given participants.
func (c *Client) CreateConversation(ctx context.Context, opts *CreateConversationOptions) (*Conversation, error) {
	if opts == nil || len(opts.ParticipantIDs) == 0 {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "participantIds are required"}
	}
	var conv Conversation
	if err := c.call(ctx, "POST", "/api/chat/conversations", opts, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) AddParticipant(ctx context.Context, conversationID, userID string) error {
	return c.call(ctx, "POST", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/participants",
		map[string]string{"userId": userID}, nil, nil)
}

func (c *Client) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	return c.call(ctx, "DELETE", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/participants/"+url.PathEscape(userID),
		nil, nil, nil)
}

// UnreadTotal returns the global unread count.
func (c *Client) UnreadTotal(ctx context.Context) (int, error) {
	var data struct {
		Count int `json:"count"`
	}
	if err := c.call(ctx, "GET", "/api/chat/unread", nil, nil, &data); err != nil {
		return 0, err
	}
	return data.Count, nil
}

// ============================================================================
// Messages
// ============================================================================

// RecentMessages fetches one page of a conversation, newest last. An empty
// cursor returns the most recent page.
func (c *Client) RecentMessages(ctx context.Context, conversationID string, opts *PageOptions) (*MessagePage, error) {
	q := map[string]string{}
	limit := DefaultPageSize
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		if opts.Cursor != "" {
			q["cursor"] = opts.Cursor
		}
	}
	q["limit"] = strconv.Itoa(limit)

	var page MessagePage
	if err := c.call(ctx, "GET", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ============================================================================
// Attachments
// ============================================================================

// UploadAttachment uploads data as a multipart form and returns the message
// the server created for it.
func (c *Client) UploadAttachment(ctx context.Context, conversationID string, data []byte, opts *UploadOptions) (*Message, error) {
	if opts == nil || opts.FileName == "" {
		return nil, fmt.Errorf("fileName is required when uploading bytes")
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(opts.FileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if opts.Content != "" {
		_ = w.WriteField("content", opts.Content)
	}
	_ = w.WriteField("mimeType", mimeType)
	part, err := w.CreateFormFile("file", opts.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := c.newRequest(ctx, "POST", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/attachments", &buf, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	result, err := c.roundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode upload: %w", err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return &msg, nil
}

// UploadAttachmentFile uploads a local file. FileName is taken from the path
// when not set.
func (c *Client) UploadAttachmentFile(ctx context.Context, conversationID, filePath string, opts *UploadOptions) (*Message, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if opts == nil {
		opts = &UploadOptions{}
	}
	if opts.FileName == "" {
		opts.FileName = filepath.Base(filePath)
	}
	return c.UploadAttachment(ctx, conversationID, data, opts)
}

// AttachmentURL returns a signed download URL for an attachment.
func (c *Client) AttachmentURL(ctx context.Context, attachmentID string) (*SignedURL, error) {
	var signed SignedURL
	if err := c.call(ctx, "GET", "/api/chat/attachments/"+url.PathEscape(attachmentID)+"/url", nil, nil, &signed); err != nil {
		return nil, err
	}
	return &signed, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
