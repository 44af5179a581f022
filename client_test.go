package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeResult(w http.ResponseWriter, data any) {
	b, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Result{OK: true, Data: b})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", WithToken("tok"), WithHTTPClient(srv.Client()))
}

func TestClientListConversations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "GET", r.Method)
		require.Equal(t, "/api/chat/conversations", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeResult(w, []Conversation{{ID: "c1", UnreadCount: 5}, {ID: "c2"}})
	})

	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, 5, convs[0].UnreadCount)
}

func TestClientRecentMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat/conversations/c%201/messages", r.URL.EscapedPath())
		require.Equal(t, "20", r.URL.Query().Get("limit"))
		require.Equal(t, "abc", r.URL.Query().Get("cursor"))
		writeResult(w, MessagePage{Messages: []Message{{ID: "m1"}}, NextCursor: "def"})
	})

	page, err := c.RecentMessages(context.Background(), "c 1", &PageOptions{Limit: 20, Cursor: "abc"})
	require.NoError(t, err)
	require.Equal(t, "m1", page.Messages[0].ID)
	require.Equal(t, "def", page.NextCursor)
}

func TestClientRecentMessagesDefaultLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "50", r.URL.Query().Get("limit"))
		require.Empty(t, r.URL.Query().Get("cursor"))
		writeResult(w, MessagePage{})
	})
	_, err := c.RecentMessages(context.Background(), "c1", nil)
	require.NoError(t, err)
}

func TestClientUnreadTotal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat/unread", r.URL.Path)
		writeResult(w, map[string]int{"count": 9})
	})
	n, err := c.UnreadTotal(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9, n)
}

func TestClientCreateConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		var opts CreateConversationOptions
		require.NoError(t, json.NewDecoder(r.Body).Decode(&opts))
		require.Equal(t, []string{"u2"}, opts.ParticipantIDs)
		writeResult(w, Conversation{ID: "c9", Title: opts.Title})
	})

	_, err := c.CreateConversation(context.Background(), &CreateConversationOptions{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "INVALID_INPUT", apiErr.Code)

	conv, err := c.CreateConversation(context.Background(), &CreateConversationOptions{Title: "t", ParticipantIDs: []string{"u2"}})
	require.NoError(t, err)
	require.Equal(t, "c9", conv.ID)
}

func TestClientParticipants(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		writeResult(w, nil)
	})
	require.NoError(t, c.AddParticipant(context.Background(), "c1", "u2"))
	require.NoError(t, c.RemoveParticipant(context.Background(), "c1", "u2"))
	require.Equal(t, []string{
		"POST /api/chat/conversations/c1/participants",
		"DELETE /api/chat/conversations/c1/participants/u2",
	}, calls)
}

func TestClientErrors(t *testing.T) {
	t.Run("envelope error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: "NOT_FOUND", Message: "no such conversation"}})
		})
		_, err := c.ListConversations(context.Background())
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, "NOT_FOUND", apiErr.Code)
	})

	t.Run("non-JSON error status", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		})
		_, err := c.UnreadTotal(context.Background())
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, "HTTP_502", apiErr.Code)
	})

	t.Run("error without details", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":false}`))
		})
		_, err := c.UnreadTotal(context.Background())
		require.ErrorContains(t, err, "UNKNOWN")
	})
}

func TestClientUploadAttachment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat/conversations/c1/attachments", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "see attached", r.FormValue("content"))
		require.Equal(t, "text/markdown", r.FormValue("mimeType"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		require.Equal(t, "# notes", string(data))
		writeResult(w, Message{ID: "m5", Attachments: []Attachment{{ID: "a1", FileName: hdr.Filename, Size: int64(len(data))}}})
	})

	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# notes"), 0o600))

	msg, err := c.UploadAttachmentFile(context.Background(), "c1", path, &UploadOptions{Content: "see attached"})
	require.NoError(t, err)
	require.Equal(t, "m5", msg.ID)
	require.Equal(t, "c1", msg.ConversationID)
	require.Equal(t, "notes.md", msg.Attachments[0].FileName)

	_, err = c.UploadAttachment(context.Background(), "c1", []byte("x"), nil)
	require.Error(t, err)
}

func TestClientAttachmentURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat/attachments/a1/url", r.URL.Path)
		writeResult(w, SignedURL{URL: "https://cdn.example/a1?sig=x"})
	})
	signed, err := c.AttachmentURL(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/a1?sig=x", signed.URL)
}

func TestGuessMimeType(t *testing.T) {
	require.Equal(t, "text/markdown", guessMimeType("a.md"))
	require.Equal(t, "image/png", guessMimeType("a.png"))
	require.Equal(t, "application/octet-stream", guessMimeType("noext"))
}
