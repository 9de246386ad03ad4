// Package video searches educational videos with the YouTube Data API.
package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gogenie/internal/keypool"
	"gogenie/internal/model"
	"gogenie/internal/usage"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

var (
	// ErrEmptyQuery is returned for a blank search query.
	ErrEmptyQuery = errors.New("search query must not be empty")
	// ErrUnavailable is returned when no YouTube keys are configured.
	ErrUnavailable = errors.New("video search is not configured")
)

// Video is one search hit.
type Video struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	ChannelTitle string `json:"channel_title"`
	PublishedAt  string `json:"published_at"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	URL          string `json:"url"`
}

// Reserver meters an action, returning a *usage.LimitError on denial.
type Reserver interface {
	Reserve(ctx context.Context, userID string, kind model.UsageKind, plan model.Plan) (usage.Decision, error)
}

// Searcher runs metered YouTube searches through a key pool.
type Searcher struct {
	pool       *keypool.Pool
	usage      Reserver
	maxResults int64
	options    []option.ClientOption
	logger     *slog.Logger
}

// NewSearcher creates a Searcher. Extra client options are applied to every
// YouTube client, after the API key.
func NewSearcher(pool *keypool.Pool, reserver Reserver, maxResults int64, logger *slog.Logger, opts ...option.ClientOption) *Searcher {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Searcher{
		pool:       pool,
		usage:      reserver,
		maxResults: maxResults,
		options:    opts,
		logger:     logger.With("component", "video"),
	}
}

// Search reserves one video search for user and returns the hits for query.
func (s *Searcher) Search(ctx context.Context, user *model.User, query string) ([]Video, usage.Decision, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, usage.Decision{}, ErrEmptyQuery
	}
	if s.pool == nil || s.pool.Len() == 0 {
		return nil, usage.Decision{}, ErrUnavailable
	}

	decision, err := s.usage.Reserve(ctx, user.ID, model.UsageVideoSearches, user.Plan)
	if err != nil {
		return nil, decision, err
	}

	videos, err := keypool.Do(ctx, s.pool, func(ctx context.Context, key string) ([]Video, error) {
		return s.search(ctx, key, query)
	})
	if err != nil {
		s.logger.Error("YouTube search failed", "error", err)
		return nil, decision, fmt.Errorf("youtube search: %w", err)
	}
	return videos, decision, nil
}

func (s *Searcher) search(ctx context.Context, key, query string) ([]Video, error) {
	opts := append([]option.ClientOption{option.WithAPIKey(key)}, s.options...)
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Search.List([]string{"id", "snippet"}).
		Q(query).
		Type("video").
		SafeSearch("strict").
		MaxResults(s.maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}

	videos := make([]Video, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Id == nil || item.Id.VideoId == "" || item.Snippet == nil {
			continue
		}
		v := Video{
			ID:           item.Id.VideoId,
			Title:        item.Snippet.Title,
			Description:  item.Snippet.Description,
			ChannelTitle: item.Snippet.ChannelTitle,
			PublishedAt:  item.Snippet.PublishedAt,
			URL:          "https://www.youtube.com/watch?v=" + item.Id.VideoId,
		}
		if th := item.Snippet.Thumbnails; th != nil {
			switch {
			case th.Medium != nil:
				v.ThumbnailURL = th.Medium.Url
			case th.Default != nil:
				v.ThumbnailURL = th.Default.Url
			}
		}
		videos = append(videos, v)
	}
	return videos, nil
}
