package authkit

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var errInvalidBcryptCost = errors.New("password.invalid_cost")

// BcryptPasswordHasher implements PasswordHasher with bcrypt.
type BcryptPasswordHasher struct {
	cost int
}

// NewBcryptPasswordHasher validates the cost and returns a hasher.
func NewBcryptPasswordHasher(cost int) (*BcryptPasswordHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("password.new: %w: %d", errInvalidBcryptCost, cost)
	}
	return &BcryptPasswordHasher{cost: cost}, nil
}

// Hash returns the bcrypt hash of password.
func (hasher *BcryptPasswordHasher) Hash(password string) (string, error) {
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(password), hasher.cost)
	if err != nil {
		return "", fmt.Errorf("password.hash: %w", err)
	}
	return string(hashBytes), nil
}

// Verify compares password with a stored bcrypt hash.
func (hasher *BcryptPasswordHasher) Verify(passwordHash string, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("password.verify: %w", err)
}
