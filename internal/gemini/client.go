// Package gemini calls Google Gemini through a rotating key pool.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gogenie/internal/keypool"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// ErrEmptyResponse is returned when Gemini answers without any text.
var ErrEmptyResponse = errors.New("gemini returned an empty response")

// Backend performs a single upstream call with one key.
// This allows for faking the upstream in tests.
type Backend interface {
	Generate(ctx context.Context, key, model, prompt string) (string, error)
	Embed(ctx context.Context, key, model, text string) ([]float32, error)
}

// Client generates text and embeddings, rotating keys on quota errors.
type Client struct {
	pool           *keypool.Pool
	backend        Backend
	model          string
	embeddingModel string
	logger         *slog.Logger
}

// NewClient creates a client backed by the Gemini API.
func NewClient(pool *keypool.Pool, model, embeddingModel string, logger *slog.Logger) *Client {
	return NewClientWithBackend(pool, genaiBackend{}, model, embeddingModel, logger)
}

// NewClientWithBackend creates a client over a custom backend.
func NewClientWithBackend(pool *keypool.Pool, backend Backend, model, embeddingModel string, logger *slog.Logger) *Client {
	return &Client{
		pool:           pool,
		backend:        backend,
		model:          model,
		embeddingModel: embeddingModel,
		logger:         logger.With("component", "gemini"),
	}
}

// Generate returns the model's answer to prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	text, err := keypool.Do(ctx, c.pool, func(ctx context.Context, key string) (string, error) {
		c.logger.Debug("Calling Gemini", "model", c.model, "key_suffix", keypool.KeySuffix(key))
		return c.backend.Generate(ctx, key, c.model, prompt)
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return text, nil
}

// Embed returns the embedding vector of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := keypool.Do(ctx, c.pool, func(ctx context.Context, key string) ([]float32, error) {
		return c.backend.Embed(ctx, key, c.embeddingModel, text)
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	return vec, nil
}

type genaiBackend struct{}

func (genaiBackend) Generate(ctx context.Context, key, model, prompt string) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return "", err
	}
	defer client.Close()

	resp, err := client.GenerativeModel(model).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	return responseText(resp)
}

func (genaiBackend) Embed(ctx context.Context, key, model, text string) ([]float32, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp, err := client.EmbeddingModel(model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp.Embedding.Values, nil
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
