// Package users persists accounts and their broker link state in SQLite.
package users

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tradebridge/internal/domain"
)

// record is the gorm model backing domain.User.
type record struct {
	ID         string `gorm:"primaryKey"`
	Email      string `gorm:"uniqueIndex;not null"`
	FirstName  string
	LastName   string
	Phone      string
	BrokerSSID string
	SDKLinked  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (record) TableName() string { return "users" }

func (r record) toDomain() domain.User {
	return domain.User{
		ID:         r.ID,
		Email:      r.Email,
		FirstName:  r.FirstName,
		LastName:   r.LastName,
		Phone:      r.Phone,
		BrokerSSID: r.BrokerSSID,
		SDKLinked:  r.SDKLinked,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// Store is a SQLite-backed user store.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the database at dsn and migrates the schema.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open user database")
	}
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, errors.Wrap(err, "migrate user schema")
	}
	return &Store{db: db}, nil
}

// Create inserts a new user. A missing ID is generated.
func (s *Store) Create(ctx context.Context, user domain.User) (domain.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	rec := record{
		ID:         user.ID,
		Email:      user.Email,
		FirstName:  user.FirstName,
		LastName:   user.LastName,
		Phone:      user.Phone,
		BrokerSSID: user.BrokerSSID,
		SDKLinked:  user.SDKLinked,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return domain.User{}, errors.Wrap(err, "create user")
	}
	return rec.toDomain(), nil
}

// FindByID looks a user up by primary key.
func (s *Store) FindByID(ctx context.Context, id string) (domain.User, error) {
	var rec record
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, errors.Wrapf(domain.ErrUnauthenticated, "user %s not found", id)
	}
	if err != nil {
		return domain.User{}, errors.Wrap(err, "find user")
	}
	return rec.toDomain(), nil
}

// FindByEmail looks a user up by email.
func (s *Store) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	var rec record
	err := s.db.WithContext(ctx).First(&rec, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, errors.Wrapf(domain.ErrUnauthenticated, "no user for %s", email)
	}
	if err != nil {
		return domain.User{}, errors.Wrap(err, "find user by email")
	}
	return rec.toDomain(), nil
}

// SetBrokerSSID stores a fresh broker credential and marks the account
// linked. An empty ssid unlinks the account.
func (s *Store) SetBrokerSSID(ctx context.Context, id, ssid string) error {
	result := s.db.WithContext(ctx).Model(&record{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"broker_ss_id": ssid,
			"sdk_linked":   ssid != "",
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "update broker ssid")
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(domain.ErrUnauthenticated, "user %s not found", id)
	}
	return nil
}
