// Package vectorstore indexes chat messages for semantic lookup using chromem-go.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gogenie/internal/config"

	"github.com/philippgille/chromem-go"
)

// Metadata keys stored with every document.
const (
	MetaUserID         = "user_id"
	MetaConversationID = "conversation_id"
	MetaRole           = "role"
	MetaCreatedAt      = "created_at"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is one indexed message.
type Document struct {
	ID             string
	UserID         string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Filter restricts a query to one user's messages. ExcludeConversationID,
// when set, drops matches from that conversation.
type Filter struct {
	UserID                string
	ExcludeConversationID string
}

// Match is a query result, ordered by descending Score.
type Match struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Score          float32
}

// Index is a chromem collection of message documents.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *slog.Logger
}

// Open creates the index. An empty path keeps it in memory only.
func Open(cfg config.VectorConfig, embedder Embedder, logger *slog.Logger) (*Index, error) {
	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	idx := &Index{db: db, collection: collection, logger: logger.With("component", "vectorstore")}
	idx.logger.Info("Vector index opened", "path", cfg.Path, "collection", cfg.Collection, "documents", collection.Count())
	return idx, nil
}

// Count returns the number of indexed documents.
func (x *Index) Count() int {
	return x.collection.Count()
}

// Upsert embeds and stores doc, replacing any document with the same ID.
func (x *Index) Upsert(ctx context.Context, doc Document) error {
	if doc.ID == "" || doc.UserID == "" {
		return errors.New("document needs an id and a user id")
	}
	err := x.collection.AddDocument(ctx, chromem.Document{
		ID:      doc.ID,
		Content: doc.Content,
		Metadata: map[string]string{
			MetaUserID:         doc.UserID,
			MetaConversationID: doc.ConversationID,
			MetaRole:           doc.Role,
			MetaCreatedAt:      strconv.FormatInt(doc.CreatedAt.Unix(), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("indexing document %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteUser removes every document of a user.
func (x *Index) DeleteUser(ctx context.Context, userID string) error {
	if err := x.collection.Delete(ctx, map[string]string{MetaUserID: userID}, nil); err != nil {
		return fmt.Errorf("deleting documents of user %s: %w", userID, err)
	}
	return nil
}

// Query returns up to topK documents most similar to text within filter.
func (x *Index) Query(ctx context.Context, text string, filter Filter, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if text == "" || filter.UserID == "" {
		return nil, nil
	}

	// chromem requires nResults <= doc count
	docCount := x.collection.Count()
	if docCount == 0 {
		return nil, nil
	}

	// chromem only filters on equality, so the excluded conversation is
	// dropped afterwards. Widen the query until topK matches survive or
	// the collection is exhausted.
	k := topK
	if filter.ExcludeConversationID != "" {
		k = topK * 3
	}
	var (
		matches []Match
		results int
	)
	for {
		if k > docCount {
			k = docCount
		}
		found, err := x.collection.Query(ctx, text, k, map[string]string{MetaUserID: filter.UserID}, nil)
		if err != nil {
			return nil, fmt.Errorf("querying collection: %w", err)
		}
		results = len(found)
		matches = collectMatches(found, filter.ExcludeConversationID, topK)
		// Fewer results than asked means the user's documents ran out.
		if len(matches) == topK || results < k || k == docCount {
			break
		}
		k *= 2
	}
	x.logger.Debug("Searched vector index", "k", k, "results", results, "matches", len(matches))
	return matches, nil
}

// collectMatches keeps results outside excluded, in rank order, up to topK.
func collectMatches(results []chromem.Result, excluded string, topK int) []Match {
	matches := make([]Match, 0, topK)
	for _, r := range results {
		convID := r.Metadata[MetaConversationID]
		if excluded != "" && convID == excluded {
			continue
		}
		matches = append(matches, Match{
			ID:             r.ID,
			ConversationID: convID,
			Role:           r.Metadata[MetaRole],
			Content:        r.Content,
			Score:          r.Similarity,
		})
		if len(matches) == topK {
			break
		}
	}
	return matches
}
