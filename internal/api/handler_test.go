package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"gogenie/internal/chat"
	"gogenie/internal/chatcontext"
	"gogenie/internal/config"
	"gogenie/internal/content"
	"gogenie/internal/db"
	"gogenie/internal/keypool"
	"gogenie/internal/model"
	"gogenie/internal/usage"
	"gogenie/internal/video"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubGenerator answers every prompt with answer, or fails with err.
type stubGenerator struct {
	answer string
	err    error
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.answer, g.err
}

// MockVideoSearcher is a mock implementation of VideoSearcher.
type MockVideoSearcher struct {
	mock.Mock
}

func (m *MockVideoSearcher) Search(ctx context.Context, user *model.User, query string) ([]video.Video, usage.Decision, error) {
	args := m.Called(user.ID, query)
	videos, _ := args.Get(0).([]video.Video)
	return videos, args.Get(1).(usage.Decision), args.Error(2)
}

type testServer struct {
	router    *gin.Engine
	store     db.Service
	generator *stubGenerator
	videos    *MockVideoSearcher
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	if err != nil {
		t.Fatalf("Failed to create real db service: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &model.User{ID: "free-user", Email: "free@example.com", APIKey: "free-key"}))
	require.NoError(t, store.CreateUser(ctx, &model.User{ID: "pro-user", Email: "pro@example.com", APIKey: "pro-key", Plan: model.PlanPro}))

	limits := usage.LimitsFromConfig(config.FreeLimits{ChatMessages: 2, VideoSearches: 2, ContentGenerations: 1})
	accountant := usage.NewAccountant(store, limits, testLogger)
	generator := &stubGenerator{answer: "Plants turn light into sugar."}
	builder := chatcontext.NewBuilder(store, nil, chatcontext.Options{}, testLogger)
	chatService := chat.NewService(store, nil, generator, builder, accountant, testLogger)
	contentService := content.NewService(generator, accountant, testLogger)
	videos := new(MockVideoSearcher)

	router := gin.New()
	SetupRoutes(router, NewHandler(chatService, contentService, videos, accountant, testLogger), store)
	return &testServer{router: router, store: store, generator: generator, videos: videos}
}

func (s *testServer) do(method, path, apiKey, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, _ := http.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) createChat(t *testing.T, apiKey string) string {
	t.Helper()
	resp := s.do(http.MethodPost, "/api/chats", apiKey, "")
	require.Equal(t, http.StatusCreated, resp.Code)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &conv))
	return conv.ID
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupTestServer(t)

	resp := s.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = s.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "go_goroutines")
}

func TestRequiresAPIKey(t *testing.T) {
	s := setupTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/usage", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/usage", "nope", "").Code)
}

func TestChatFlowAndLimit(t *testing.T) {
	s := setupTestServer(t)
	convID := s.createChat(t, "free-key")
	path := fmt.Sprintf("/api/chats/%s/messages", convID)

	// 1. Within the limit
	for i := 1; i <= 2; i++ {
		resp := s.do(http.MethodPost, path, "free-key", `{"message": "What is photosynthesis?"}`)
		require.Equal(t, http.StatusOK, resp.Code)

		var body struct {
			Answer model.Message  `json:"answer"`
			Usage  map[string]any `json:"usage"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "Plants turn light into sugar.", body.Answer.Content)
		assert.Equal(t, float64(i), body.Usage["used"])
		assert.Equal(t, float64(2-i), body.Usage["remaining"])
	}

	// 2. Over the limit
	resp := s.do(http.MethodPost, path, "free-key", `{"message": "And respiration?"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	var denied map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &denied))
	assert.Equal(t, "chat_messages", denied["kind"])
	assert.Equal(t, float64(2), denied["used"])
	assert.Equal(t, float64(2), denied["limit"])
	assert.Equal(t, float64(0), denied["remaining"])

	// 3. Usage report
	resp = s.do(http.MethodGet, "/api/usage", "free-key", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var report usage.Report
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &report))
	assert.Equal(t, model.PlanFree, report.Plan)
	require.Len(t, report.Kinds, 3)
	assert.Equal(t, usage.KindUsage{Kind: model.UsageChatMessages, Used: 2, Limit: 2, Remaining: 0}, report.Kinds[0])
}

func TestChat_PaidPlanUnlimited(t *testing.T) {
	s := setupTestServer(t)
	convID := s.createChat(t, "pro-key")
	for i := 0; i < 5; i++ {
		resp := s.do(http.MethodPost, "/api/chats/"+convID+"/messages", "pro-key", `{"message": "Hi"}`)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"unlimited":true`)
	}
}

func TestChat_Errors(t *testing.T) {
	s := setupTestServer(t)
	convID := s.createChat(t, "free-key")

	resp := s.do(http.MethodPost, "/api/chats/missing/messages", "free-key", `{"message": "Hi"}`)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// Conversations of other users are invisible
	resp = s.do(http.MethodPost, "/api/chats/"+convID+"/messages", "pro-key", `{"message": "Hi"}`)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = s.do(http.MethodPost, "/api/chats/"+convID+"/messages", "free-key", `{"message": "   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = s.do(http.MethodPost, "/api/chats/"+convID+"/messages", "free-key", `{"message":`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	s.generator.err = fmt.Errorf("generate: %w", keypool.ErrAllKeysExhausted)
	resp = s.do(http.MethodPost, "/api/chats/"+convID+"/messages", "free-key", `{"message": "Hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	s.generator.err = errors.New("model overloaded")
	resp = s.do(http.MethodPost, "/api/chats/"+convID+"/messages", "free-key", `{"message": "Hi"}`)
	assert.Equal(t, http.StatusBadGateway, resp.Code)
}

func TestGenerateContent(t *testing.T) {
	s := setupTestServer(t)

	resp := s.do(http.MethodPost, "/api/content", "free-key", `{"kind": "poem", "topic": "cells"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = s.do(http.MethodPost, "/api/content", "free-key", `{"kind": "explanation", "topic": "photosynthesis"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "Plants turn light into sugar.")

	resp = s.do(http.MethodPost, "/api/content", "free-key", `{"kind": "notes", "topic": "photosynthesis"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)

	resp = s.do(http.MethodPost, "/api/content", "pro-key", `{"kind": "quiz", "topic": "photosynthesis"}`)
	assert.Equal(t, http.StatusBadGateway, resp.Code)
}

func TestSearchVideos(t *testing.T) {
	s := setupTestServer(t)
	found := []video.Video{{ID: "abc123", Title: "Photosynthesis explained", URL: "https://www.youtube.com/watch?v=abc123"}}
	s.videos.On("Search", "free-user", "photosynthesis").Return(found, usage.Decision{Allowed: true, Kind: model.UsageVideoSearches, Used: 1, Limit: 2, Remaining: 1}, nil)
	s.videos.On("Search", "free-user", "").Return(nil, usage.Decision{}, video.ErrEmptyQuery)
	s.videos.On("Search", "pro-user", mock.Anything).Return(nil, usage.Decision{}, video.ErrUnavailable)

	resp := s.do(http.MethodGet, "/api/videos/search?q=photosynthesis", "free-key", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Videos []video.Video  `json:"videos"`
		Usage  map[string]any `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, found, body.Videos)
	assert.Equal(t, float64(1), body.Usage["remaining"])

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/videos/search", "free-key", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/api/videos/search?q=x", "pro-key", "").Code)
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: connection refused", usage.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("search: %w", keypool.ErrAllKeysExhausted), http.StatusServiceUnavailable},
		{chat.ErrIndexDisabled, http.StatusServiceUnavailable},
		{db.ErrNotFound, http.StatusNotFound},
		{content.ErrInvalidRequest, http.StatusBadRequest},
		{content.ErrMalformedQuiz, http.StatusBadGateway},
		{&usage.LimitError{Decision: usage.Decision{Kind: model.UsageVideoSearches, Used: 2, Limit: 2}}, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		resp := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(resp)
		c.Request, _ = http.NewRequest(http.MethodGet, "/", nil)
		WriteError(c, testLogger, tt.err)
		assert.Equal(t, tt.status, resp.Code, tt.err.Error())
	}
}
