// Package chat runs the metered chat flow: reserve quota, assemble context,
// ask the model, store and index both turns.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gogenie/internal/db"
	"gogenie/internal/model"
	"gogenie/internal/usage"
	"gogenie/internal/vectorstore"

	"github.com/google/uuid"
)

var (
	// ErrConversationNotFound is returned for unknown conversations or ones owned by another user.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrEmptyMessage is returned when the message text is blank.
	ErrEmptyMessage = errors.New("message must not be empty")
	// ErrIndexDisabled is returned by index operations when vector search is off.
	ErrIndexDisabled = errors.New("vector index disabled")
)

const (
	systemPrompt = "You are GoGenie, a friendly study assistant. Answer clearly and concisely. " +
		"Use the context below when it is relevant to the question."
	titleMaxWords  = 6
	titleMaxLength = 40
)

var (
	newID = uuid.NewString

	reindexPageSize = 500
)

// Store persists conversations and messages.
type Store interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	AppendMessage(ctx context.Context, msg *model.Message) error
	LastMessages(ctx context.Context, conversationID string, n int) ([]model.Message, error)
	UserMessagesAfter(ctx context.Context, userID string, afterID uint, limit int) ([]model.Message, error)
}

// Indexer stores messages for semantic lookup.
type Indexer interface {
	Upsert(ctx context.Context, doc vectorstore.Document) error
	DeleteUser(ctx context.Context, userID string) error
}

// Generator produces the assistant answer.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ContextBuilder assembles the prompt context.
type ContextBuilder interface {
	Build(ctx context.Context, userID, conversationID, query string) string
}

// Reserver meters an action, returning a *usage.LimitError on denial.
type Reserver interface {
	Reserve(ctx context.Context, userID string, kind model.UsageKind, plan model.Plan) (usage.Decision, error)
}

// Reply is the outcome of SendMessage.
type Reply struct {
	Conversation model.Conversation
	UserMessage  model.Message
	Answer       model.Message
	Usage        usage.Decision
}

// Service implements the chat operations.
type Service struct {
	store     Store
	indexer   Indexer
	generator Generator
	context   ContextBuilder
	usage     Reserver
	logger    *slog.Logger
}

// NewService creates a chat service. indexer may be nil when vector search is disabled.
func NewService(store Store, indexer Indexer, generator Generator, builder ContextBuilder, reserver Reserver, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		indexer:   indexer,
		generator: generator,
		context:   builder,
		usage:     reserver,
		logger:    logger.With("component", "chat"),
	}
}

// CreateConversation starts a conversation for userID.
func (s *Service) CreateConversation(ctx context.Context, userID, title string) (*model.Conversation, error) {
	conv := &model.Conversation{ID: newID(), UserID: userID, Title: strings.TrimSpace(title)}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// SendMessage answers text within a conversation of user.
func (s *Service) SendMessage(ctx context.Context, user *model.User, conversationID, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := s.conversation(ctx, user.ID, conversationID)
	if err != nil {
		return nil, err
	}

	decision, err := s.usage.Reserve(ctx, user.ID, model.UsageChatMessages, user.Plan)
	if err != nil {
		return nil, err
	}

	// Context is built from earlier turns only.
	contextText := s.context.Build(ctx, user.ID, conv.ID, text)

	userMsg := &model.Message{ConversationID: conv.ID, UserID: user.ID, Role: model.RoleUser, Content: text}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	s.index(ctx, userMsg)

	answer, err := s.generator.Generate(ctx, composePrompt(contextText, text))
	if err != nil {
		s.logger.Error("Failed to generate answer", "conversation_id", conv.ID, "error", err)
		return nil, err
	}

	answerMsg := &model.Message{ConversationID: conv.ID, UserID: user.ID, Role: model.RoleAssistant, Content: answer}
	if err := s.store.AppendMessage(ctx, answerMsg); err != nil {
		return nil, err
	}
	s.index(ctx, answerMsg)

	if conv.Title == model.DefaultConversationTitle {
		if title := deriveTitle(text); title != "" {
			if err := s.store.UpdateConversationTitle(ctx, conv.ID, title); err != nil {
				s.logger.Warn("Failed to update conversation title", "conversation_id", conv.ID, "error", err)
			} else {
				conv.Title = title
			}
		}
	}

	return &Reply{Conversation: *conv, UserMessage: *userMsg, Answer: *answerMsg, Usage: decision}, nil
}

// RebuildIndex re-indexes all stored messages of a user and returns how many were indexed.
func (s *Service) RebuildIndex(ctx context.Context, userID string) (int, error) {
	if s.indexer == nil {
		return 0, ErrIndexDisabled
	}
	if err := s.indexer.DeleteUser(ctx, userID); err != nil {
		return 0, err
	}

	var (
		total   int
		indexed int
		afterID uint
	)
	for {
		msgs, err := s.store.UserMessagesAfter(ctx, userID, afterID, reindexPageSize)
		if err != nil {
			return indexed, err
		}
		for i := range msgs {
			if err := s.indexer.Upsert(ctx, document(&msgs[i])); err != nil {
				s.logger.Warn("Failed to index message", "message_id", msgs[i].ID, "error", err)
				continue
			}
			indexed++
		}
		total += len(msgs)
		if len(msgs) < reindexPageSize {
			break
		}
		afterID = msgs[len(msgs)-1].ID
	}
	s.logger.Info("Rebuilt vector index", "user_id", userID, "messages", total, "indexed", indexed)
	if indexed == 0 && total > 0 {
		return 0, fmt.Errorf("failed to index any of %d messages", total)
	}
	return indexed, nil
}

// DropIndex removes all vector index entries of a user. It is a no-op when the index is disabled.
func (s *Service) DropIndex(ctx context.Context, userID string) error {
	if s.indexer == nil {
		return nil
	}
	return s.indexer.DeleteUser(ctx, userID)
}

func (s *Service) conversation(ctx context.Context, userID, id string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// index is best-effort.
func (s *Service) index(ctx context.Context, msg *model.Message) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.Upsert(ctx, document(msg)); err != nil {
		s.logger.Warn("Failed to index message", "message_id", msg.ID, "error", err)
	}
}

func document(msg *model.Message) vectorstore.Document {
	return vectorstore.Document{
		ID:             strconv.FormatUint(uint64(msg.ID), 10),
		UserID:         msg.UserID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
}

func composePrompt(contextText, question string) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\n")
	if contextText != "" {
		sb.WriteString(contextText)
		sb.WriteString("\n\n")
	}
	sb.WriteString("User: ")
	sb.WriteString(question)
	sb.WriteString("\nAssistant:")
	return sb.String()
}

// deriveTitle shortens the first user message to a conversation title.
func deriveTitle(text string) string {
	words := strings.Fields(text)
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
	}
	title := strings.Join(words, " ")
	if runes := []rune(title); len(runes) > titleMaxLength {
		title = strings.TrimSpace(string(runes[:titleMaxLength])) + "..."
	} else if len(words) < len(strings.Fields(text)) {
		title += "..."
	}
	return title
}
