// Package chatcontext assembles the prompt context of a chat message from the
// recent turns of its conversation and from related messages of the user's
// other conversations.
package chatcontext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gogenie/internal/config"
	"gogenie/internal/metrics"
	"gogenie/internal/model"
	"gogenie/internal/vectorstore"
)

var errSearchSkipped = errors.New("semantic search skipped")

// MessageStore provides the recent turns of a conversation, newest first.
type MessageStore interface {
	LastMessages(ctx context.Context, conversationID string, n int) ([]model.Message, error)
}

// Searcher finds messages similar to a text.
type Searcher interface {
	Query(ctx context.Context, text string, filter vectorstore.Filter, topK int) ([]vectorstore.Match, error)
}

// Options tunes context assembly.
type Options struct {
	RecentMessages int
	MaxChars       int
	RelatedResults int
	Timeout        time.Duration
}

// OptionsFromConfig converts the context config section.
func OptionsFromConfig(cfg config.ContextConfig) Options {
	return Options{
		RecentMessages: cfg.RecentMessages,
		MaxChars:       cfg.MaxChars,
		RelatedResults: cfg.RelatedResults,
		Timeout:        cfg.Timeout(),
	}
}

// Builder assembles context text. A nil searcher disables the related section.
type Builder struct {
	store    MessageStore
	searcher Searcher
	opts     Options
	logger   *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(store MessageStore, searcher Searcher, opts Options, logger *slog.Logger) *Builder {
	if opts.RecentMessages <= 0 {
		opts.RecentMessages = 3
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 200
	}
	if opts.RelatedResults <= 0 {
		opts.RelatedResults = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &Builder{
		store:    store,
		searcher: searcher,
		opts:     opts,
		logger:   logger.With("component", "chatcontext"),
	}
}

// Build returns the context block for query, or "" when nothing was found.
// It never fails; lookup errors degrade to a smaller context.
func (b *Builder) Build(ctx context.Context, userID, conversationID, query string) string {
	recent := b.recent(ctx, conversationID)
	related := b.related(ctx, userID, conversationID, query).orElse(nil)
	return render(recent, related)
}

func (b *Builder) recent(ctx context.Context, conversationID string) []string {
	msgs, err := b.store.LastMessages(ctx, conversationID, b.opts.RecentMessages)
	if err != nil {
		b.logger.Warn("Failed to load recent messages, continuing without them", "conversation_id", conversationID, "error", err)
		return nil
	}

	lines := make([]string, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		lines = append(lines, speaker(string(msgs[i].Role))+": "+truncate(msgs[i].Content, b.opts.MaxChars))
	}
	return lines
}

func (b *Builder) related(ctx context.Context, userID, conversationID, query string) result[[]string] {
	if b.searcher == nil || strings.TrimSpace(query) == "" {
		metrics.ContextSearches.WithLabelValues("skipped").Inc()
		return failed[[]string](errSearchSkipped)
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	// Buffered so an abandoned search can still deliver and exit.
	done := make(chan result[[]vectorstore.Match], 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- failed[[]vectorstore.Match](fmt.Errorf("searcher panicked: %v", r))
			}
		}()
		filter := vectorstore.Filter{UserID: userID, ExcludeConversationID: conversationID}
		matches, err := b.searcher.Query(ctx, query, filter, b.opts.RelatedResults)
		if err != nil {
			done <- failed[[]vectorstore.Match](err)
			return
		}
		done <- ok(matches)
	}()

	select {
	case res := <-done:
		metrics.ContextSearchDuration.Observe(time.Since(start).Seconds())
		if res.err != nil {
			metrics.ContextSearches.WithLabelValues("error").Inc()
			b.logger.Warn("Semantic search failed, continuing without related messages", "error", res.err)
			return failed[[]string](res.err)
		}
		metrics.ContextSearches.WithLabelValues("ok").Inc()
		return ok(b.formatMatches(res.value, conversationID))
	case <-ctx.Done():
		metrics.ContextSearches.WithLabelValues("timeout").Inc()
		b.logger.Debug("Semantic search abandoned", "timeout", b.opts.Timeout, "error", ctx.Err())
		return failed[[]string](ctx.Err())
	}
}

func (b *Builder) formatMatches(matches []vectorstore.Match, excludeConversationID string) []string {
	var lines []string
	for _, m := range matches {
		if m.ConversationID == excludeConversationID {
			continue
		}
		if len(lines) == b.opts.RelatedResults {
			break
		}
		lines = append(lines, fmt.Sprintf("- [relevance %.2f] %s: %s", m.Score, speaker(m.Role), truncate(m.Content, b.opts.MaxChars)))
	}
	return lines
}

func render(recent, related []string) string {
	var sections []string
	if len(recent) > 0 {
		sections = append(sections, "Recent context:\n"+strings.Join(recent, "\n"))
	}
	if len(related) > 0 {
		sections = append(sections, "Relevant past conversations:\n"+strings.Join(related, "\n"))
	}
	if len(sections) == 0 {
		return ""
	}
	return "--- Context ---\n" + strings.Join(sections, "\n\n") + "\n--- End of context ---"
}

func speaker(role string) string {
	if role == string(model.RoleAssistant) {
		return "Assistant"
	}
	return "User"
}

// truncate cuts s to limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
