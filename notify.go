package chatsync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 signature of a notification body.
const SignatureHeader = "X-Chatsync-Signature"

// UnreadNotifier is told when a conversation becomes unread. Delivery to
// other devices is the notifier's business.
type UnreadNotifier interface {
	ConversationUnread(ctx context.Context, conversationID string, unread int) error
}

// ============================================================================
// Payload
// ============================================================================

// UnreadPayload is the body posted to the notification subsystem.
type UnreadPayload struct {
	Source         string `json:"source"`
	Event          string `json:"event"`
	Timestamp      int64  `json:"timestamp"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Unread         int    `json:"unread"`
}

// Sign returns the "sha256=<hex>" signature of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies a notification signature using HMAC-SHA256.
// Uses constant-time comparison.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseUnreadPayload parses a raw notification body.
func ParseUnreadPayload(body string) (*UnreadPayload, error) {
	var payload UnreadPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in notification body: %w", err)
	}

	if payload.Source != "chatsync" {
		return nil, fmt.Errorf("unknown notification source: %s", payload.Source)
	}
	if payload.Event != "conversation.unread" {
		return nil, fmt.Errorf("unknown notification event: %q", payload.Event)
	}
	if payload.UserID == "" || payload.ConversationID == "" {
		return nil, fmt.Errorf("missing required fields in notification payload (userId, conversationId)")
	}

	return &payload, nil
}

// ============================================================================
// WebhookNotifier
// ============================================================================

// WebhookNotifier posts signed UnreadPayloads to an HTTP endpoint.
type WebhookNotifier struct {
	endpoint   string
	secret     string
	userID     string
	httpClient *http.Client
	now        func() time.Time
}

// NewWebhookNotifier creates a notifier for userID.
func NewWebhookNotifier(endpoint, secret, userID string, httpClient *http.Client) (*WebhookNotifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("notification endpoint is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("notification secret is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{
		endpoint:   endpoint,
		secret:     secret,
		userID:     userID,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

// ConversationUnread implements UnreadNotifier.
func (n *WebhookNotifier) ConversationUnread(ctx context.Context, conversationID string, unread int) error {
	body, err := json.Marshal(UnreadPayload{
		Source:         "chatsync",
		Event:          "conversation.unread",
		Timestamp:      n.now().Unix(),
		UserID:         n.userID,
		ConversationID: conversationID,
		Unread:         unread,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(body, n.secret))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notification failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// ============================================================================
// NotificationReceiver
// ============================================================================

// UnreadHandlerFunc handles a verified notification.
type UnreadHandlerFunc func(payload *UnreadPayload) error

// NotificationReceiver is the receiving side: verify, parse, dispatch.
type NotificationReceiver struct {
	secret   string
	onUnread UnreadHandlerFunc
}

// NewNotificationReceiver creates a receiver.
func NewNotificationReceiver(secret string, onUnread UnreadHandlerFunc) (*NotificationReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("notification secret is required")
	}
	return &NotificationReceiver{secret: secret, onUnread: onUnread}, nil
}

// Handle processes a notification (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (r *NotificationReceiver) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, r.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseUnreadPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := r.onUnread(payload); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP implements http.Handler.
func (r *NotificationReceiver) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if req.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
		return
	}

	bodyBytes, err := io.ReadAll(req.Body)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
		return
	}
	defer req.Body.Close()

	statusCode, data := r.Handle(string(bodyBytes), req.Header.Get(SignatureHeader))
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(data)
}
