package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gogenie/internal/config"
	"gogenie/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a looked up record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique field is already taken.
	ErrDuplicate = errors.New("record already exists")
)

// Service is the persistence layer of the service.
type Service interface {
	CreateUser(ctx context.Context, user *model.User) error
	ListUsers(ctx context.Context) ([]model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	FindUserByAPIKey(ctx context.Context, apiKey string) (*model.User, error)
	UpdateUserPlan(ctx context.Context, id string, plan model.Plan) error
	DeleteUser(ctx context.Context, id string) error

	ReserveUsage(ctx context.Context, userID, period string, kind model.UsageKind, limit int) (int, bool, error)
	UsageCounts(ctx context.Context, userID, period string) (model.UsageCounter, error)
	PruneUsageBefore(ctx context.Context, period string) (int64, error)

	CreateConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	AppendMessage(ctx context.Context, msg *model.Message) error
	LastMessages(ctx context.Context, conversationID string, n int) ([]model.Message, error)
	UserMessagesAfter(ctx context.Context, userID string, afterID uint, limit int) ([]model.Message, error)

	GetDB() *gorm.DB
	Close() error
}

type gormService struct {
	db *gorm.DB
}

// NewService opens the configured database and migrates the schema.
func NewService(cfg config.DatabaseConfig) (Service, error) {
	database, err := Init(cfg)
	if err != nil {
		return nil, err
	}
	return &gormService{db: database}, nil
}

// Init initializes the database connection based on the provided configuration.
func Init(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	database, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Type == "sqlite" {
		// SQLite serializes writers anyway, and an in-memory DSN lives per connection.
		sqlDB, err := database.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sql pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	err = database.AutoMigrate(&model.User{}, &model.UsageCounter{}, &model.Conversation{}, &model.Message{})
	if err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return database, nil
}

func (s *gormService) GetDB() *gorm.DB {
	return s.db
}

func (s *gormService) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateUser inserts a new user.
func (s *gormService) CreateUser(ctx context.Context, user *model.User) error {
	if user.Plan == "" {
		user.Plan = model.PlanFree
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			err = ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// ListUsers returns all users, oldest first.
func (s *gormService) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// GetUser retrieves a user by ID.
func (s *gormService) GetUser(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, notFound(err))
	}
	return &user, nil
}

// FindUserByAPIKey retrieves the user owning a client API key.
func (s *gormService) FindUserByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to find user by api key: %w", notFound(err))
	}
	return &user, nil
}

// UpdateUserPlan changes the plan of a user.
func (s *gormService) UpdateUserPlan(ctx context.Context, id string, plan model.Plan) error {
	result := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Update("plan", plan)
	if result.Error != nil {
		return fmt.Errorf("failed to update plan for user %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to update plan for user %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteUser removes a user together with its conversations, messages and usage counters.
func (s *gormService) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&model.User{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete user %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("failed to delete user %s: %w", id, ErrNotFound)
		}
		for _, owned := range []interface{}{&model.Message{}, &model.Conversation{}, &model.UsageCounter{}} {
			if err := tx.Where("user_id = ?", id).Delete(owned).Error; err != nil {
				return fmt.Errorf("failed to delete data of user %s: %w", id, err)
			}
		}
		return nil
	})
}

// ReserveUsage atomically increments the counter for kind when it is below limit.
// A negative limit disables the cap. It returns the counter value after the
// attempt and whether a unit was reserved.
func (s *gormService) ReserveUsage(ctx context.Context, userID, period string, kind model.UsageKind, limit int) (int, bool, error) {
	if !kind.Valid() {
		return 0, false, fmt.Errorf("unknown usage kind %q", kind)
	}
	column := string(kind)

	var used int
	var reserved bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := model.UsageCounter{UserID: userID, PeriodKey: period}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}

		update := tx.Model(&model.UsageCounter{}).Where("user_id = ? AND period_key = ?", userID, period)
		if limit >= 0 {
			update = update.Where(column+" < ?", limit)
		}
		result := update.Updates(map[string]interface{}{
			column:       gorm.Expr(column + " + 1"),
			"updated_at": time.Now().UTC(),
		})
		if result.Error != nil {
			return result.Error
		}
		reserved = result.RowsAffected == 1

		var counter model.UsageCounter
		if err := tx.Where("user_id = ? AND period_key = ?", userID, period).First(&counter).Error; err != nil {
			return err
		}
		used = counter.Count(kind)
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to reserve %s for user %s: %w", kind, userID, err)
	}
	return used, reserved, nil
}

// UsageCounts returns the counters of a period. A missing row yields zero counts.
func (s *gormService) UsageCounts(ctx context.Context, userID, period string) (model.UsageCounter, error) {
	var counter model.UsageCounter
	err := s.db.WithContext(ctx).Where("user_id = ? AND period_key = ?", userID, period).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.UsageCounter{UserID: userID, PeriodKey: period}, nil
	}
	if err != nil {
		return model.UsageCounter{}, fmt.Errorf("failed to read usage for user %s: %w", userID, err)
	}
	return counter, nil
}

// PruneUsageBefore deletes counters of periods strictly older than period.
func (s *gormService) PruneUsageBefore(ctx context.Context, period string) (int64, error) {
	result := s.db.WithContext(ctx).Where("period_key < ?", period).Delete(&model.UsageCounter{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune usage before %s: %w", period, result.Error)
	}
	return result.RowsAffected, nil
}

// CreateConversation inserts a conversation, defaulting the title to the placeholder.
func (s *gormService) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if conv.Title == "" {
		conv.Title = model.DefaultConversationTitle
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *gormService) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, notFound(err))
	}
	return &conv, nil
}

// UpdateConversationTitle sets the title of a conversation.
func (s *gormService) UpdateConversationTitle(ctx context.Context, id, title string) error {
	result := s.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).Update("title", title)
	if result.Error != nil {
		return fmt.Errorf("failed to update title of conversation %s: %w", id, result.Error)
	}
	return nil
}

// AppendMessage stores a message. Its ID reflects conversation order.
func (s *gormService) AppendMessage(ctx context.Context, msg *model.Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to append message to conversation %s: %w", msg.ConversationID, err)
	}
	return nil
}

// LastMessages returns up to n messages of a conversation, newest first.
func (s *gormService) LastMessages(ctx context.Context, conversationID string, n int) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id desc").
		Limit(n).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load last messages of conversation %s: %w", conversationID, err)
	}
	return msgs, nil
}

// UserMessagesAfter returns up to limit of a user's messages with an ID
// above afterID, oldest first.
func (s *gormService) UserMessagesAfter(ctx context.Context, userID string, afterID uint, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id > ?", userID, afterID).
		Order("id asc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages of user %s: %w", userID, err)
	}
	return msgs, nil
}
