package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vesaa/talonwatch/internal/apperrors"
	"github.com/vesaa/talonwatch/internal/models"
)

// UserStore keeps operator credentials in SQLite. It is the only persisted
// state in TalonWatch.
type UserStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenUserStore opens the database at path and runs AutoMigrate.
func OpenUserStore(path string, log *zap.Logger) (*UserStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(log, gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(&models.User{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	log.Info("user store opened", zap.String("path", path))
	return &UserStore{db: db, logger: log}, nil
}

// Close releases the underlying connection pool.
func (s *UserStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertUser creates username or resets its password.
func (s *UserStore) UpsertUser(username, password string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("UserStore.UpsertUser hashing: %w", err)
	}

	var user models.User
	result := s.db.Where("username = ?", username).First(&user)
	switch {
	case errors.Is(result.Error, gorm.ErrRecordNotFound):
		user = models.User{Username: username, PasswordHash: string(hash)}
		if err := s.db.Create(&user).Error; err != nil {
			return nil, fmt.Errorf("UserStore.UpsertUser create: %w", err)
		}
		s.logger.Info("user created", zap.String("username", username))
	case result.Error != nil:
		return nil, fmt.Errorf("UserStore.UpsertUser lookup: %w", result.Error)
	default:
		if err := s.db.Model(&user).Update("password_hash", string(hash)).Error; err != nil {
			return nil, fmt.Errorf("UserStore.UpsertUser update: %w", err)
		}
	}
	return &user, nil
}

// Authenticate checks the credentials and stamps the login time.
// Unknown users and wrong passwords both yield ErrInvalidCredentials.
func (s *UserStore) Authenticate(username, password string) (*models.User, error) {
	var user models.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("UserStore.Authenticate: %w", apperrors.ErrInvalidCredentials)
		}
		return nil, fmt.Errorf("UserStore.Authenticate: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("UserStore.Authenticate: %w", apperrors.ErrInvalidCredentials)
	}

	now := time.Now().UTC()
	if err := s.db.Model(&user).Update("last_login_at", now).Error; err != nil {
		s.logger.Warn("failed to stamp last login", zap.String("username", username), zap.Error(err))
	}
	user.LastLoginAt = &now
	return &user, nil
}
