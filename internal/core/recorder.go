package core

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/provider"
	"gwi.com/inspire-gateway/internal/store"
	"gwi.com/inspire-gateway/internal/stream"
)

const titleMaxRunes = 50

// MessageStore is the persistence the recorder needs.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *store.Message) error
	TouchConversation(ctx context.Context, id, title string) error
	ListRecentMessages(ctx context.Context, conversationID string, n int) ([]store.Message, error)
}

// Recorder writes both sides of a turn.
type Recorder struct {
	store  MessageStore
	logger *zap.Logger
}

func NewRecorder(s MessageStore, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: s, logger: logger.Named("recorder")}
}

// RecordUserTurn persists the user's message before anything is sent
// upstream. The first turn of an untitled conversation names it.
func (r *Recorder) RecordUserTurn(ctx context.Context, conversationID, content string, ref *media.Ref) (*store.Message, error) {
	msg := &store.Message{
		ConversationID: conversationID,
		Direction:      store.DirectionUser,
		Content:        content,
	}
	attach(msg, ref)
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		return nil, stream.Wrap(stream.KindPersistence, "", fmt.Errorf("failed to store user message: %w", err))
	}
	if err := r.store.TouchConversation(ctx, conversationID, AutoTitle(content)); err != nil {
		r.logger.Warn("Failed to touch conversation", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return msg, nil
}

// RecordAssistantTurn persists the reply. When failure is set the stored
// content is the user-facing error text.
func (r *Recorder) RecordAssistantTurn(ctx context.Context, conversationID, content string, assets []media.Ref, failure error) (*store.Message, error) {
	if failure != nil {
		content = stream.UserMessage(failure)
	}
	msg := &store.Message{
		ConversationID: conversationID,
		Direction:      store.DirectionAssistant,
		Content:        content,
	}
	if len(assets) > 0 {
		attach(msg, &assets[0])
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		return nil, stream.Wrap(stream.KindPersistence, "", fmt.Errorf("failed to store assistant message: %w", err))
	}
	if err := r.store.TouchConversation(ctx, conversationID, ""); err != nil {
		r.logger.Warn("Failed to touch conversation", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return msg, nil
}

// History returns up to limit messages before the given one, oldest first.
func (r *Recorder) History(ctx context.Context, conversationID, beforeID string, limit int) ([]provider.HistoryMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	msgs, err := r.store.ListRecentMessages(ctx, conversationID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	history := make([]provider.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == beforeID || m.Content == "" {
			continue
		}
		role := provider.RoleUser
		if m.Direction == store.DirectionAssistant {
			role = provider.RoleAssistant
		}
		history = append(history, provider.HistoryMessage{Role: role, Content: m.Content})
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// AutoTitle is the title an untitled conversation takes from its first message.
func AutoTitle(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= titleMaxRunes {
		return content
	}
	return string([]rune(content)[:titleMaxRunes]) + "..."
}

func attach(msg *store.Message, ref *media.Ref) {
	if ref == nil {
		msg.Kind = store.KindText
		return
	}
	msg.Kind = store.MessageKind(ref.Kind)
	m := &store.MediaRef{Kind: string(ref.Kind), MIMEType: ref.MIMEType, SizeBytes: ref.SizeBytes}
	// Inline bytes are not stored, only references that outlive the turn.
	if ref.Source == media.SourceRemote || ref.Source == media.SourceYouTube {
		m.URI = ref.URI
	}
	msg.Media = m
}
