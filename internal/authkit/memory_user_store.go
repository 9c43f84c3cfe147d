package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryUserStore is an in-memory UserStore intended for tests and dev.
type MemoryUserStore struct {
	mutex      sync.Mutex
	byID       map[string]*User
	byEmail    map[string]string
	byGoogleID map[string]string
	now        func() time.Time
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:       make(map[string]*User),
		byEmail:    make(map[string]string),
		byGoogleID: make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// FindByEmail returns a copy of the user with the given email.
func (store *MemoryUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	userID, ok := store.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("user_store.find_by_email.memory: %w", ErrUserNotFound)
	}
	return store.copyLocked(userID)
}

// FindByID returns a copy of the user with the given id.
func (store *MemoryUserStore) FindByID(ctx context.Context, userID string) (*User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.copyLocked(userID)
}

// Create inserts a user, assigning an id and timestamps when absent.
// Email and google id uniqueness are checked under the same lock as the insert.
func (store *MemoryUserStore) Create(ctx context.Context, user *User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user.Email = normalizeEmail(user.Email)
	if _, taken := store.byEmail[user.Email]; taken {
		return fmt.Errorf("user_store.create.memory: email: %w", ErrUserExists)
	}
	if user.GoogleID != nil {
		if _, taken := store.byGoogleID[*user.GoogleID]; taken {
			return fmt.Errorf("user_store.create.memory: google_id: %w", ErrUserExists)
		}
	}
	if strings.TrimSpace(user.ID) == "" {
		user.ID = uuid.NewString()
	}
	if _, taken := store.byID[user.ID]; taken {
		return fmt.Errorf("user_store.create.memory: id: %w", ErrUserExists)
	}
	now := store.now()
	user.CreatedAt = now
	user.UpdatedAt = now

	record := *user
	store.byID[record.ID] = &record
	store.byEmail[record.Email] = record.ID
	if record.GoogleID != nil {
		store.byGoogleID[*record.GoogleID] = record.ID
	}
	return nil
}

// Save replaces an existing user record.
func (store *MemoryUserStore) Save(ctx context.Context, user *User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	existing := store.byID[user.ID]
	if existing == nil {
		return fmt.Errorf("user_store.save.memory: %w", ErrUserNotFound)
	}
	user.Email = normalizeEmail(user.Email)
	if ownerID, taken := store.byEmail[user.Email]; taken && ownerID != user.ID {
		return fmt.Errorf("user_store.save.memory: email: %w", ErrUserExists)
	}
	if user.GoogleID != nil {
		if ownerID, taken := store.byGoogleID[*user.GoogleID]; taken && ownerID != user.ID {
			return fmt.Errorf("user_store.save.memory: google_id: %w", ErrUserExists)
		}
	}

	delete(store.byEmail, existing.Email)
	if existing.GoogleID != nil {
		delete(store.byGoogleID, *existing.GoogleID)
	}
	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = store.now()

	record := *user
	store.byID[record.ID] = &record
	store.byEmail[record.Email] = record.ID
	if record.GoogleID != nil {
		store.byGoogleID[*record.GoogleID] = record.ID
	}
	return nil
}

// Delete removes a user. Only tests and dev tooling remove accounts.
func (store *MemoryUserStore) Delete(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	existing := store.byID[userID]
	if existing == nil {
		return fmt.Errorf("user_store.delete.memory: %w", ErrUserNotFound)
	}
	delete(store.byID, userID)
	delete(store.byEmail, existing.Email)
	if existing.GoogleID != nil {
		delete(store.byGoogleID, *existing.GoogleID)
	}
	return nil
}

// Count returns the number of stored users.
func (store *MemoryUserStore) Count() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.byID)
}

func (store *MemoryUserStore) copyLocked(userID string) (*User, error) {
	record := store.byID[userID]
	if record == nil {
		return nil, fmt.Errorf("user_store.find.memory: %w", ErrUserNotFound)
	}
	clone := *record
	return &clone, nil
}
