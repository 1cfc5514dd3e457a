package core

import (
	"context"
	"errors"
	"fmt"

	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/store"
)

const maxDetailMessages = 100

// ErrForbidden means the conversation belongs to another user.
var ErrForbidden = errors.New("conversation belongs to another user")

type ConversationStore interface {
	CreateConversation(ctx context.Context, userID, toolID, title string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]store.Message, error)
}

type ConversationService struct {
	store ConversationStore
	tools catalog.Resolver
}

func NewConversationService(s ConversationStore, tools catalog.Resolver) *ConversationService {
	return &ConversationService{store: s, tools: tools}
}

// StartConversation opens a conversation with a tool. A nil title gets the
// default; an empty one is left for the first message to fill in.
func (s *ConversationService) StartConversation(ctx context.Context, userID, toolID string, title *string) (*store.Conversation, error) {
	tool, err := s.tools.ResolveTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	t := "Conversation with " + tool.DisplayName()
	if title != nil {
		t = *title
	}
	conv, err := s.store.CreateConversation(ctx, userID, tool.ID, t)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation in DB: %w", err)
	}
	return conv, nil
}

func (s *ConversationService) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	return s.store.ListConversations(ctx, userID)
}

// Authorize returns the conversation if userID owns it. Unknown ids give
// nil, nil.
func (s *ConversationService) Authorize(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv == nil {
		return nil, nil
	}
	if conv.UserID != userID {
		return nil, ErrForbidden
	}
	return conv, nil
}

// GetConversationDetails returns the conversation with its messages in replay order.
func (s *ConversationService) GetConversationDetails(ctx context.Context, conversationID, userID string) (*store.Conversation, []store.Message, error) {
	conv, err := s.Authorize(ctx, conversationID, userID)
	if err != nil || conv == nil {
		return nil, nil, err
	}
	messages, err := s.store.ListMessages(ctx, conversationID, maxDetailMessages, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages for conversation: %w", err)
	}
	return conv, messages, nil
}

// ResolveTool returns the tool bound to a conversation.
func (s *ConversationService) ResolveTool(ctx context.Context, conv *store.Conversation) (catalog.ToolConfig, error) {
	return s.tools.ResolveTool(ctx, conv.ToolID)
}
