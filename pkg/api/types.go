package api

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
)

type CreateConversationRequest struct {
	Title    string                 `json:"title,omitempty"`
	Model    string                 `json:"model"`
	Provider string                 `json:"provider,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (r CreateConversationRequest) MarshalZerologObject(e *zerolog.Event) {
	e.Str("title", r.Title)
	e.Str("model", r.Model)
	if r.Provider != "" {
		e.Str("provider", r.Provider)
	}
}

// ConversationDetail is a conversation with the messages of its active path.
type ConversationDetail struct {
	Conversation conversation.Conversation `json:"conversation"`
	Messages     []*conversation.Message   `json:"messages"`
}

type UpdateTitleRequest struct {
	Title string `json:"title"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type SendMessageResult struct {
	MessageID conversation.MessageID `json:"messageId"`
}

// BranchRequest creates a sibling of the message it is posted to.
type BranchRequest struct {
	Content string            `json:"content"`
	Role    conversation.Role `json:"role"`
}

type SearchResult struct {
	ConversationID conversation.ConversationID `json:"conversation_id"`
	Message        *conversation.Message       `json:"message"`
	Snippet        string                      `json:"snippet"`
}

type ProviderUsage struct {
	Provider      string  `json:"provider"`
	TotalTokens   int64   `json:"total_tokens"`
	MessageCount  int64   `json:"message_count"`
	EstimatedCost float64 `json:"estimated_cost"`
}

type ModelUsage struct {
	Model         string  `json:"model"`
	Provider      string  `json:"provider"`
	TotalTokens   int64   `json:"total_tokens"`
	MessageCount  int64   `json:"message_count"`
	EstimatedCost float64 `json:"estimated_cost"`
}

type DailyUsage struct {
	Date         time.Time `json:"date"`
	TotalTokens  int64     `json:"total_tokens"`
	MessageCount int64     `json:"message_count"`
}

// UsageSummary is the analytics service's token usage report for a time range.
type UsageSummary struct {
	TotalTokens   int64           `json:"total_tokens"`
	TotalMessages int64           `json:"total_messages"`
	Providers     []ProviderUsage `json:"providers,omitempty"`
	Models        []ModelUsage    `json:"models,omitempty"`
	Daily         []DailyUsage    `json:"daily,omitempty"`
}
