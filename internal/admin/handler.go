package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"gogenie/internal/api"
	"gogenie/internal/db"
	"gogenie/internal/keypool"
	"gogenie/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type PlanRequest struct {
	Plan model.Plan `json:"plan" binding:"required"`
}

type CreateUserRequest struct {
	Email string     `json:"email" binding:"required"`
	Plan  model.Plan `json:"plan"`
}

// CreatedUser is the response of user creation, the only one carrying the API key.
type CreatedUser struct {
	model.User
	APIKey string `json:"api_key"`
}

// UserStore manages user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	ListUsers(ctx context.Context) ([]model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpdateUserPlan(ctx context.Context, id string, plan model.Plan) error
	DeleteUser(ctx context.Context, id string) error
}

// Reindexer maintains the vector index entries of a user.
type Reindexer interface {
	RebuildIndex(ctx context.Context, userID string) (int, error)
	DropIndex(ctx context.Context, userID string) error
}

var (
	newUserID = uuid.NewString
	newAPIKey = func() string {
		return "gg-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
)

type PoolStatus struct {
	Name   string              `json:"name"`
	Active int                 `json:"active"`
	Total  int                 `json:"total"`
	Keys   []keypool.KeyStatus `json:"keys"`
}

type Handler struct {
	users     UserStore
	reindexer Reindexer
	pools     []*keypool.Pool
	log       *slog.Logger
}

func NewHandler(users UserStore, reindexer Reindexer, log *slog.Logger, pools ...*keypool.Pool) *Handler {
	return &Handler{users: users, reindexer: reindexer, pools: pools, log: log.With("component", "admin")}
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	statuses := make([]PoolStatus, 0, len(h.pools))
	for _, pool := range h.pools {
		statuses = append(statuses, PoolStatus{
			Name:   pool.Name(),
			Active: pool.ActiveCount(),
			Total:  pool.Len(),
			Keys:   pool.Status(),
		})
	}
	c.JSON(http.StatusOK, statuses)
}

func (h *Handler) ListUsersHandler(c *gin.Context) {
	users, err := h.users.ListUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list users"})
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handler) CreateUserHandler(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Plan == "" {
		req.Plan = model.PlanFree
	}
	if !req.Plan.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown plan"})
		return
	}

	user := &model.User{ID: newUserID(), Email: strings.TrimSpace(req.Email), APIKey: newAPIKey(), Plan: req.Plan}
	if err := h.users.CreateUser(c.Request.Context(), user); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}
	h.log.Info("User created", "user_id", user.ID, "plan", user.Plan)
	c.JSON(http.StatusCreated, CreatedUser{User: *user, APIKey: user.APIKey})
}

func (h *Handler) GetUserHandler(c *gin.Context) {
	user, err := h.users.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get user"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) DeleteUserHandler(c *gin.Context) {
	id := c.Param("id")
	if err := h.users.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete user"})
		return
	}
	if err := h.reindexer.DropIndex(c.Request.Context(), id); err != nil {
		h.log.Warn("Failed to drop vector index entries", "user_id", id, "error", err)
	}
	h.log.Info("User deleted", "user_id", id)
	c.Status(http.StatusNoContent)
}

func (h *Handler) UpdatePlanHandler(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if !req.Plan.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown plan"})
		return
	}

	id := c.Param("id")
	if err := h.users.UpdateUserPlan(c.Request.Context(), id, req.Plan); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update plan"})
		return
	}

	user, err := h.users.GetUser(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get user"})
		return
	}
	h.log.Info("User plan changed", "user_id", id, "plan", user.Plan)
	c.JSON(http.StatusOK, user)
}

func (h *Handler) ReindexHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.users.GetUser(c.Request.Context(), id); err != nil {
		api.WriteError(c, h.log, err)
		return
	}

	indexed, err := h.reindexer.RebuildIndex(c.Request.Context(), id)
	if err != nil {
		api.WriteError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": id, "indexed": indexed})
}
