package admin

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
	"gogenie/internal/config"
	"gogenie/internal/db"
	"gogenie/internal/keypool"
	"gogenie/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// mockUserStore is a mock implementation of UserStore for error paths.
type mockUserStore struct {
	createErr error
	listErr   error
	updateErr error
	getErr    error
	deleteErr error
}

func (m *mockUserStore) CreateUser(ctx context.Context, user *model.User) error {
	return m.createErr
}

func (m *mockUserStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return nil, m.listErr
}

func (m *mockUserStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return &model.User{ID: id}, nil
}

func (m *mockUserStore) UpdateUserPlan(ctx context.Context, id string, plan model.Plan) error {
	return m.updateErr
}

func (m *mockUserStore) DeleteUser(ctx context.Context, id string) error {
	return m.deleteErr
}

// MockReindexer is a mock implementation of Reindexer.
type MockReindexer struct {
	mock.Mock
}

func (m *MockReindexer) RebuildIndex(ctx context.Context, userID string) (int, error) {
	args := m.Called(userID)
	return args.Int(0), args.Error(1)
}

func (m *MockReindexer) DropIndex(ctx context.Context, userID string) error {
	args := m.Called(userID)
	return args.Error(0)
}

func setupTestRouter(users UserStore, reindexer Reindexer, pools ...*keypool.Pool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Admin: config.AdminConfig{Password: "test-password"}}
	router := gin.New()
	SetupRoutes(router, NewHandler(users, reindexer, testLogger, pools...), cfg)
	return router
}

func setupRealDB(t *testing.T) db.Service {
	service, err := db.NewService(config.DatabaseConfig{
		Type: "sqlite",
		DSN:  "file::memory:",
	})
	if err != nil {
		t.Fatalf("Failed to create real db service: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })
	return service
}

func adminRequest(method, path, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.SetBasicAuth("admin", "test-password")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestListKeysHandler(t *testing.T) {
	gemini := keypool.New("gemini", []string{"gemini-key-0001", "gemini-key-0002"}, testLogger)
	youtube := keypool.New("youtube", []string{"yt-key-0001"}, testLogger)
	_, _ = keypool.Do(context.Background(), gemini, func(ctx context.Context, key string) (string, error) {
		if key == "gemini-key-0001" {
			return "", errors.New("Error 429: RESOURCE_EXHAUSTED")
		}
		return "ok", nil
	})
	router := setupTestRouter(&mockUserStore{}, new(MockReindexer), gemini, youtube)

	// Test without auth
	req, _ := http.NewRequest(http.MethodGet, "/admin/keys", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, adminRequest(http.MethodGet, "/admin/keys", ""))
	assert.Equal(t, http.StatusOK, resp.Code)

	var statuses []PoolStatus
	err := json.Unmarshal(resp.Body.Bytes(), &statuses)
	assert.NoError(t, err)
	if assert.Len(t, statuses, 2) {
		assert.Equal(t, "gemini", statuses[0].Name)
		assert.Equal(t, 1, statuses[0].Active)
		assert.Equal(t, 2, statuses[0].Total)
		assert.False(t, statuses[0].Keys[0].Active)
		assert.NotNil(t, statuses[0].Keys[0].DeactivatedAt)
		assert.Equal(t, "youtube", statuses[1].Name)
	}
	assert.NotContains(t, resp.Body.String(), "gemini-key-0001")
}

func TestUserHandlers(t *testing.T) {
	dbService := setupRealDB(t)
	reindexer := new(MockReindexer)
	router := setupTestRouter(dbService, reindexer)

	// 1. Create a user
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, adminRequest(http.MethodPost, "/admin/users", `{"email": "new@example.com"}`))
	assert.Equal(t, http.StatusCreated, resp.Code)

	var created CreatedUser
	err := json.Unmarshal(resp.Body.Bytes(), &created)
	assert.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "new@example.com", created.Email)
	assert.Equal(t, model.PlanFree, created.Plan)
	assert.NotEmpty(t, created.APIKey)

	stored, err := dbService.FindUserByAPIKey(context.Background(), created.APIKey)
	assert.NoError(t, err)
	assert.Equal(t, created.ID, stored.ID)

	// 2. Get the user
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, adminRequest(http.MethodGet, fmt.Sprintf("/admin/users/%s", created.ID), ""))
	assert.Equal(t, http.StatusOK, resp.Code)
	var fetched model.User
	err = json.Unmarshal(resp.Body.Bytes(), &fetched)
	assert.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.NotContains(t, resp.Body.String(), created.APIKey)

	// 3. List users
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, adminRequest(http.MethodGet, "/admin/users", ""))
	assert.Equal(t, http.StatusOK, resp.Code)
	var users []model.User
	err = json.Unmarshal(resp.Body.Bytes(), &users)
	assert.NoError(t, err)
	assert.Len(t, users, 1)

	// 4. The same email cannot register twice
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, adminRequest(http.MethodPost, "/admin/users", `{"email": "new@example.com", "plan": "pro"}`))
	assert.Equal(t, http.StatusConflict, resp.Code)

	// 5. Delete the user
	reindexer.On("DropIndex", created.ID).Return(nil).Once()
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, adminRequest(http.MethodDelete, fmt.Sprintf("/admin/users/%s", created.ID), ""))
	assert.Equal(t, http.StatusNoContent, resp.Code)
	reindexer.AssertExpectations(t)

	_, err = dbService.FindUserByAPIKey(context.Background(), created.APIKey)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestCreateUserHandler_Plan(t *testing.T) {
	router := setupTestRouter(setupRealDB(t), new(MockReindexer))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, adminRequest(http.MethodPost, "/admin/users", `{"email": "paid@example.com", "plan": "premium"}`))
	assert.Equal(t, http.StatusCreated, resp.Code)

	var created CreatedUser
	assert.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.Equal(t, model.PlanPremium, created.Plan)
}

func TestUserHandlers_ErrorCases(t *testing.T) {
	t.Run("ListUsersHandler returns error", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{listErr: errors.New("db error")}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodGet, "/admin/users", ""))
		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})

	t.Run("CreateUserHandler returns error on binding", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodPost, "/admin/users", `{"email":`))
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("CreateUserHandler returns error on missing email", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodPost, "/admin/users", `{"plan": "pro"}`))
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("CreateUserHandler returns error on unknown plan", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodPost, "/admin/users", `{"email": "a@example.com", "plan": "gold"}`))
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("CreateUserHandler returns error on db", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{createErr: errors.New("db error")}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodPost, "/admin/users", `{"email": "a@example.com"}`))
		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})

	t.Run("GetUserHandler returns not found", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{getErr: db.ErrNotFound}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodGet, "/admin/users/ghost", ""))
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("GetUserHandler returns error on db", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{getErr: errors.New("db error")}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodGet, "/admin/users/u1", ""))
		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})

	t.Run("DeleteUserHandler returns not found", func(t *testing.T) {
		reindexer := new(MockReindexer)
		router := setupTestRouter(&mockUserStore{deleteErr: db.ErrNotFound}, reindexer)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodDelete, "/admin/users/ghost", ""))
		assert.Equal(t, http.StatusNotFound, resp.Code)
		reindexer.AssertNotCalled(t, "DropIndex", mock.Anything)
	})

	t.Run("DeleteUserHandler returns error on db", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{deleteErr: errors.New("db error")}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodDelete, "/admin/users/u1", ""))
		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})

	t.Run("DeleteUserHandler tolerates index errors", func(t *testing.T) {
		reindexer := new(MockReindexer)
		reindexer.On("DropIndex", "u1").Return(errors.New("index offline"))
		router := setupTestRouter(&mockUserStore{}, reindexer)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodDelete, "/admin/users/u1", ""))
		assert.Equal(t, http.StatusNoContent, resp.Code)
	})
}

func TestUpdatePlanHandler(t *testing.T) {
	dbService := setupRealDB(t)
	ctx := context.Background()
	user := &model.User{ID: "u1", Email: "u1@example.com", APIKey: "client-key"}
	if err := dbService.CreateUser(ctx, user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	router := setupTestRouter(dbService, new(MockReindexer))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, adminRequest(http.MethodPut, "/admin/users/u1/plan", `{"plan": "premium"}`))
	assert.Equal(t, http.StatusOK, resp.Code)

	var updated model.User
	err := json.Unmarshal(resp.Body.Bytes(), &updated)
	assert.NoError(t, err)
	assert.Equal(t, model.PlanPremium, updated.Plan)
	assert.NotContains(t, resp.Body.String(), "client-key")

	stored, err := dbService.GetUser(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, model.PlanPremium, stored.Plan)
}

func TestUpdatePlanHandler_ErrorCases(t *testing.T) {
	t.Run("returns error on binding", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodPut, "/admin/users/u1/plan", `{"plan":`))
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("returns error on unknown plan", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodPut, "/admin/users/u1/plan", `{"plan": "gold"}`))
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("returns not found for missing user", func(t *testing.T) {
		router := setupTestRouter(setupRealDB(t), new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodPut, "/admin/users/ghost/plan", `{"plan": "pro"}`))
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("returns error on db", func(t *testing.T) {
		router := setupTestRouter(&mockUserStore{updateErr: errors.New("db error")}, new(MockReindexer))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodPut, "/admin/users/u1/plan", `{"plan": "pro"}`))
		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})
}

func TestReindexHandler(t *testing.T) {
	reindexer := new(MockReindexer)
	reindexer.On("RebuildIndex", "u1").Return(12, nil)
	router := setupTestRouter(&mockUserStore{}, reindexer)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, adminRequest(http.MethodPost, "/admin/users/u1/reindex", ""))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"user_id": "u1", "indexed": 12}`, resp.Body.String())
	reindexer.AssertExpectations(t)
}

func TestReindexHandler_ErrorCases(t *testing.T) {
	t.Run("returns not found for missing user", func(t *testing.T) {
		reindexer := new(MockReindexer)
		router := setupTestRouter(&mockUserStore{getErr: db.ErrNotFound}, reindexer)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodPost, "/admin/users/ghost/reindex", ""))
		assert.Equal(t, http.StatusNotFound, resp.Code)
		reindexer.AssertNotCalled(t, "RebuildIndex", mock.Anything)
	})

	t.Run("returns unavailable when the index is disabled", func(t *testing.T) {
		reindexer := new(MockReindexer)
		reindexer.On("RebuildIndex", "u1").Return(0, chat.ErrIndexDisabled)
		router := setupTestRouter(&mockUserStore{}, reindexer)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, adminRequest(http.MethodPost, "/admin/users/u1/reindex", ""))
		assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	})
}
