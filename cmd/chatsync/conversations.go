package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/taskdeck/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	conversationsUnread bool
	conversationsJSON   bool

	// conversations create
	conversationsCreateTitle   string
	conversationsCreateMembers string

	// messages
	messagesLimit  int
	messagesCursor string
	messagesJSON   bool

	// upload
	uploadContent string
	uploadMime    string
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage conversations",
	Long:  "List, create and manage chat conversations.",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := getClient(cfg).ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			filtered := conversations[:0]
			for _, c := range conversations {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			conversations = filtered
		}

		out := cmd.OutOrStdout()
		if conversationsJSON {
			return printJSON(out, conversations)
		}
		if len(conversations) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}
		for _, c := range conversations {
			fmt.Fprintln(out, formatConversation(c))
		}
		return nil
	},
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := getClient(cfg).CreateConversation(ctx, &chatsync.CreateConversationOptions{
			Title:          conversationsCreateTitle,
			ParticipantIDs: splitList(conversationsCreateMembers),
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created conversation %s\n", conv.ID)
		return nil
	},
}

var conversationsAddCmd = &cobra.Command{
	Use:   "add <conversation-id> <user-id>",
	Short: "Add a participant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := getClient(cfg).AddParticipant(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s\n", args[1], args[0])
		return nil
	},
}

var conversationsRemoveCmd = &cobra.Command{
	Use:   "remove <conversation-id> <user-id>",
	Short: "Remove a participant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := getClient(cfg).RemoveParticipant(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", args[1], args[0])
		return nil
	},
}

// ============================================================================
// unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the global unread total",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		total, err := getClient(cfg).UnreadTotal(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), total)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print a page of messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := getClient(cfg).RecentMessages(ctx, args[0], &chatsync.PageOptions{
			Limit:  messagesLimit,
			Cursor: messagesCursor,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if messagesJSON {
			return printJSON(out, page)
		}
		for _, m := range page.Messages {
			fmt.Fprintln(out, formatMessage(m, cfg.Auth.UserID))
		}
		if page.NextCursor != "" {
			fmt.Fprintf(out, "(more: --cursor %s)\n", page.NextCursor)
		}
		return nil
	},
}

// ============================================================================
// attachments
// ============================================================================

var uploadCmd = &cobra.Command{
	Use:   "upload <conversation-id> <path>",
	Short: "Upload a file as a message attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		msg, err := getClient(cfg).UploadAttachmentFile(ctx, args[0], args[1], &chatsync.UploadOptions{
			Content:  uploadContent,
			MimeType: uploadMime,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Message ID: %s\n", msg.ID)
		for _, a := range msg.Attachments {
			fmt.Fprintf(out, "Attachment: %s %s (%d bytes)\n", a.ID, a.FileName, a.Size)
		}
		return nil
	},
}

var attachmentURLCmd = &cobra.Command{
	Use:   "attachment-url <attachment-id>",
	Short: "Print a signed download URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		signed, err := getClient(cfg).AttachmentURL(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed.URL)
		return nil
	},
}

// ============================================================================
// Formatting
// ============================================================================

func formatConversation(c chatsync.Conversation) string {
	title := c.Title
	if title == "" {
		ids := make([]string, 0, len(c.Participants))
		for _, p := range c.Participants {
			ids = append(ids, p.UserID)
		}
		title = strings.Join(ids, ", ")
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	return fmt.Sprintf("  %s: %s%s", c.ID, title, unread)
}

func formatMessage(m chatsync.Message, selfID string) string {
	var marks []string
	switch m.Status {
	case chatsync.StatusSending:
		marks = append(marks, "sending")
	case chatsync.StatusFailed:
		marks = append(marks, "failed")
	}
	if m.SenderID == selfID && chatsync.SeenByRecipient(m) {
		marks = append(marks, "seen")
	}
	for _, r := range m.Reactions {
		marks = append(marks, r.Emoji)
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Content)
	for _, a := range m.Attachments {
		line += fmt.Sprintf(" <%s>", a.FileName)
	}
	if len(marks) > 0 {
		line += " (" + strings.Join(marks, ", ") + ")"
	}
	return line
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	// conversations list
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	// conversations create
	conversationsCreateCmd.Flags().StringVar(&conversationsCreateTitle, "title", "", "Conversation title")
	conversationsCreateCmd.Flags().StringVar(&conversationsCreateMembers, "members", "", "Comma-separated list of participant user IDs")

	// messages
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Maximum number of messages to return")
	messagesCmd.Flags().StringVar(&messagesCursor, "cursor", "", "Page cursor")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	// upload
	uploadCmd.Flags().StringVar(&uploadContent, "content", "", "Message text")
	uploadCmd.Flags().StringVar(&uploadMime, "mime", "", "Override MIME type")

	// Wire up conversations sub-commands.
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCmd.AddCommand(conversationsAddCmd)
	conversationsCmd.AddCommand(conversationsRemoveCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(attachmentURLCmd)
}
