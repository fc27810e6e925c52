// ABOUTME: Store interfaces and data types for chatgate persistence
// ABOUTME: Defines Chat, ChatSummary, ChatExport, TokenUsage and the description helper

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/2389/chatgate/internal/chat"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidExport is returned when an imported document has no messages
var ErrInvalidExport = errors.New("invalid chat export")

// Chat is a stored conversation.
type Chat struct {
	ID          string
	Description string
	Messages    []chat.Message
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChatSummary is a list entry without messages.
type ChatSummary struct {
	ID           string
	Description  string
	MessageCount int
	UpdatedAt    time.Time
}

// ChatExport is the portable JSON form of a chat.
type ChatExport struct {
	Description string         `json:"description"`
	Messages    []chat.Message `json:"messages"`
	ExportDate  time.Time      `json:"exportDate"`
}

// TokenUsage is the token accounting of one finished stream.
type TokenUsage struct {
	ID               string
	ChatID           string
	MessageID        string
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

// UsageFilter narrows usage statistics.
type UsageFilter struct {
	ChatID *string
	Since  *time.Time
	Until  *time.Time
}

// UsageStats aggregates usage.
type UsageStats struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	RequestCount     int
}

// Store holds conversations.
type Store interface {
	// Persist replaces the message list of chatID, creating the chat if needed.
	Persist(ctx context.Context, chatID string, messages []chat.Message) error
	LoadChat(ctx context.Context, chatID string) (*Chat, error)
	ListChats(ctx context.Context) ([]ChatSummary, error)
	DeleteChat(ctx context.Context, chatID string) error
	ExportChat(ctx context.Context, chatID string) (*ChatExport, error)
	// ImportChat stores the export as a new chat and returns its id.
	ImportChat(ctx context.Context, export *ChatExport) (string, error)
	Close() error
}

// PreferenceStore holds small client settings.
type PreferenceStore interface {
	GetPreference(ctx context.Context, key string) (string, error)
	SetPreference(ctx context.Context, key, value string) error
	DeletePreference(ctx context.Context, key string) error
}

// UsageStore records token usage.
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *TokenUsage) error
	GetChatUsage(ctx context.Context, chatID string) ([]*TokenUsage, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

const maxDescriptionLen = 80

// Describe derives a chat description from the first visible user message.
func Describe(messages []chat.Message) string {
	for _, m := range chat.VisibleMessages(messages) {
		if m.Role != chat.RoleUser {
			continue
		}
		_, _, text, _ := chat.SplitPrefix(m.Text())
		text = strings.Join(strings.Fields(text), " ")
		if text == "" {
			continue
		}
		if r := []rune(text); len(r) > maxDescriptionLen {
			text = string(r[:maxDescriptionLen-3]) + "..."
		}
		return text
	}
	return "New chat"
}
