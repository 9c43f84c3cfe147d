package authkit

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrUserNotFound indicates no user matched the lookup.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrUserExists indicates a uniqueness violation on email or google id.
	ErrUserExists = errors.New("user_store.duplicate")
)

// Role is the authorization role attached to a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Provider tags how an account authenticates.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderGoogle Provider = "google"
)

// User is the persisted identity record.
type User struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	Name         string    `gorm:"column:name;not null" json:"name"`
	Email        string    `gorm:"column:email;uniqueIndex;not null" json:"email"`
	PasswordHash *string   `gorm:"column:password_hash" json:"-"`
	GoogleID     *string   `gorm:"column:google_id;uniqueIndex" json:"googleId,omitempty"`
	Picture      string    `gorm:"column:picture;not null;default:''" json:"picture,omitempty"`
	Role         Role      `gorm:"column:role;not null;default:user" json:"role"`
	Provider     Provider  `gorm:"column:provider;not null;default:local" json:"provider"`
	IsVerified   bool      `gorm:"column:is_verified;not null;default:false" json:"isVerified"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName pins the GORM table name.
func (User) TableName() string {
	return "users"
}

// HasPassword reports whether the account can use the local login path.
func (user *User) HasPassword() bool {
	return user != nil && user.PasswordHash != nil && *user.PasswordHash != ""
}

// UserStore persists and retrieves users. Lookups return ErrUserNotFound when nothing matches
// and Create returns ErrUserExists on a uniqueness violation.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, userID string) (*User, error)
	Create(ctx context.Context, user *User) error
	Save(ctx context.Context, user *User) error
}

// PasswordHasher is a one-way password hash.
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Verify returns false with a nil error on mismatch.
	Verify(passwordHash string, password string) (bool, error)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func stringPointer(value string) *string {
	return &value
}
