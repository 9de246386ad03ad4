// Package content generates study material (notes, summaries, quizzes,
// explanations) with the language model, metered as content generations.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gogenie/internal/model"
	"gogenie/internal/usage"
)

// Kind is the type of material to generate.
type Kind string

const (
	KindNotes       Kind = "notes"
	KindSummary     Kind = "summary"
	KindQuiz        Kind = "quiz"
	KindExplanation Kind = "explanation"
)

const (
	defaultQuestions = 5
	maxQuestions     = 20
	maxSourceRunes   = 20000
)

var (
	// ErrInvalidRequest is returned for unknown kinds or missing input.
	ErrInvalidRequest = errors.New("invalid content request")
	// ErrMalformedQuiz is returned when the model answer is not a usable quiz.
	ErrMalformedQuiz = errors.New("model returned a malformed quiz")
)

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Reserver meters an action, returning a *usage.LimitError on denial.
type Reserver interface {
	Reserve(ctx context.Context, userID string, kind model.UsageKind, plan model.Plan) (usage.Decision, error)
}

// Request describes the material to generate. Text is optional source
// material; Topic is used when it is empty.
type Request struct {
	Kind      Kind   `json:"kind" binding:"required"`
	Topic     string `json:"topic"`
	Text      string `json:"text"`
	Questions int    `json:"questions"`
}

// Question is one multiple choice quiz question.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Answer   int      `json:"answer"`
}

// Result is the generated material.
type Result struct {
	Kind    Kind           `json:"kind"`
	Content string         `json:"content,omitempty"`
	Quiz    []Question     `json:"quiz,omitempty"`
	Usage   usage.Decision `json:"-"`
}

// Service generates content.
type Service struct {
	generator Generator
	usage     Reserver
	logger    *slog.Logger
}

// NewService creates a content service.
func NewService(generator Generator, reserver Reserver, logger *slog.Logger) *Service {
	return &Service{generator: generator, usage: reserver, logger: logger.With("component", "content")}
}

// Generate validates req, reserves one content generation and asks the model.
func (s *Service) Generate(ctx context.Context, user *model.User, req Request) (*Result, error) {
	req.Topic = strings.TrimSpace(req.Topic)
	req.Text = strings.TrimSpace(req.Text)
	if err := validate(&req); err != nil {
		return nil, err
	}

	decision, err := s.usage.Reserve(ctx, user.ID, model.UsageContentGenerations, user.Plan)
	if err != nil {
		return nil, err
	}

	answer, err := s.generator.Generate(ctx, prompt(req))
	if err != nil {
		s.logger.Error("Failed to generate content", "kind", req.Kind, "error", err)
		return nil, err
	}

	result := &Result{Kind: req.Kind, Usage: decision}
	if req.Kind != KindQuiz {
		result.Content = strings.TrimSpace(answer)
		return result, nil
	}

	quiz, err := parseQuiz(answer)
	if err != nil {
		s.logger.Warn("Model returned an unusable quiz", "error", err)
		return nil, err
	}
	result.Quiz = quiz
	return result, nil
}

func validate(req *Request) error {
	switch req.Kind {
	case KindNotes, KindSummary, KindQuiz, KindExplanation:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.Topic == "" && req.Text == "" {
		return fmt.Errorf("%w: topic or text is required", ErrInvalidRequest)
	}
	if req.Kind == KindSummary && req.Text == "" {
		return fmt.Errorf("%w: summary needs source text", ErrInvalidRequest)
	}
	if req.Questions <= 0 {
		req.Questions = defaultQuestions
	}
	if req.Questions > maxQuestions {
		req.Questions = maxQuestions
	}
	if runes := []rune(req.Text); len(runes) > maxSourceRunes {
		req.Text = string(runes[:maxSourceRunes])
	}
	return nil
}

func prompt(req Request) string {
	subject := req.Topic
	if subject == "" {
		subject = "the material below"
	}

	var sb strings.Builder
	switch req.Kind {
	case KindNotes:
		fmt.Fprintf(&sb, "Write well structured study notes about %s. Use headings and bullet points.", subject)
	case KindSummary:
		sb.WriteString("Summarise the following material in a few short paragraphs, keeping the key facts.")
	case KindExplanation:
		fmt.Fprintf(&sb, "Explain %s to a student in simple terms, with one short example.", subject)
	case KindQuiz:
		fmt.Fprintf(&sb, "Create a multiple choice quiz with %d questions about %s. ", req.Questions, subject)
		sb.WriteString(`Answer with JSON only: an array of objects with the fields "question" (string), ` +
			`"options" (array of 4 strings) and "answer" (index of the correct option).`)
	}
	if req.Text != "" {
		sb.WriteString("\n\nMaterial:\n")
		sb.WriteString(req.Text)
	}
	return sb.String()
}

// parseQuiz decodes the model's JSON answer, tolerating a Markdown code fence.
func parseQuiz(answer string) ([]Question, error) {
	raw := strings.TrimSpace(answer)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	}

	var quiz []Question
	if err := json.Unmarshal([]byte(raw), &quiz); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuiz, err)
	}
	if len(quiz) == 0 {
		return nil, fmt.Errorf("%w: no questions", ErrMalformedQuiz)
	}
	for i, q := range quiz {
		if q.Question == "" || len(q.Options) < 2 || q.Answer < 0 || q.Answer >= len(q.Options) {
			return nil, fmt.Errorf("%w: question %d is incomplete", ErrMalformedQuiz, i+1)
		}
	}
	return quiz, nil
}
