package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/HammerMeetNail/slotswap/internal/models"
)

// UserServiceInterface defines the contract for user operations.
type UserServiceInterface interface {
	Create(ctx context.Context, params models.CreateUserParams) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// AuthServiceInterface defines the contract for authentication operations.
type AuthServiceInterface interface {
	HashPassword(password string) (string, error)
	VerifyPassword(hash, password string) bool
	GenerateSessionToken() (token string, hash string, err error)
	CreateSession(ctx context.Context, userID uuid.UUID) (token string, err error)
	ValidateSession(ctx context.Context, token string) (*models.User, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// SlotServiceInterface defines the contract for owner slot operations.
type SlotServiceInterface interface {
	Create(ctx context.Context, params models.CreateSlotParams) (*models.Slot, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, filter models.SlotFilter) ([]*models.Slot, error)
	Get(ctx context.Context, ownerID, slotID uuid.UUID) (*models.Slot, error)
	Update(ctx context.Context, ownerID, slotID uuid.UUID, patch models.SlotPatch) (*models.Slot, error)
	Delete(ctx context.Context, ownerID, slotID uuid.UUID) error
	Marketplace(ctx context.Context, userID uuid.UUID) ([]*models.Slot, error)
}

// RedisClient is the subset of Redis used for sessions.
// database.RedisAdapter implements it.
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

var (
	_ UserServiceInterface = (*UserService)(nil)
	_ AuthServiceInterface = (*AuthService)(nil)
	_ SlotServiceInterface = (*SlotService)(nil)
)
