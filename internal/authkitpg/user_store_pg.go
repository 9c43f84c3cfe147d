package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tyemirov/authtoolkit/internal/authkit"
)

const uniqueViolationCode = "23505"

const selectUserColumns = `SELECT id, name, email, password_hash, google_id, picture, role, provider, is_verified, created_at, updated_at FROM users`

// Querier is the subset of *pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// PostgresUserStore implements authkit.UserStore with hand-written SQL over pgx.
type PostgresUserStore struct {
	db  Querier
	now func() time.Time
}

// NewPostgresUserStore constructs a Postgres store. Call EnsureSchema first.
func NewPostgresUserStore(db Querier) *PostgresUserStore {
	return &PostgresUserStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// FindByEmail loads a user by normalized email.
func (store *PostgresUserStore) FindByEmail(ctx context.Context, email string) (*authkit.User, error) {
	row := store.db.QueryRow(ctx, selectUserColumns+` WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
	user, err := scanUser(row)
	if err != nil {
		return nil, lookupError("find_by_email", err)
	}
	return user, nil
}

// FindByID loads a user by id.
func (store *PostgresUserStore) FindByID(ctx context.Context, userID string) (*authkit.User, error) {
	row := store.db.QueryRow(ctx, selectUserColumns+` WHERE id = $1`, userID)
	user, err := scanUser(row)
	if err != nil {
		return nil, lookupError("find_by_id", err)
	}
	return user, nil
}

// Create inserts a user, assigning an id and timestamps.
func (store *PostgresUserStore) Create(ctx context.Context, user *authkit.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if strings.TrimSpace(user.ID) == "" {
		user.ID = uuid.NewString()
	}
	now := store.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	_, err := store.db.Exec(ctx, `
INSERT INTO users (id, name, email, password_hash, google_id, picture, role, provider, is_verified, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, user.ID, user.Name, user.Email, user.PasswordHash, user.GoogleID, user.Picture, string(user.Role), string(user.Provider), user.IsVerified, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return writeError("create", err)
	}
	return nil
}

// Save overwrites the mutable columns of an existing user.
func (store *PostgresUserStore) Save(ctx context.Context, user *authkit.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.UpdatedAt = store.now()
	tag, err := store.db.Exec(ctx, `
UPDATE users
SET name = $2, email = $3, password_hash = $4, google_id = $5, picture = $6, role = $7, provider = $8, is_verified = $9, updated_at = $10
WHERE id = $1
`, user.ID, user.Name, user.Email, user.PasswordHash, user.GoogleID, user.Picture, string(user.Role), string(user.Provider), user.IsVerified, user.UpdatedAt)
	if err != nil {
		return writeError("save", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user_store.save.pgx: %w", authkit.ErrUserNotFound)
	}
	return nil
}

func scanUser(row pgx.Row) (*authkit.User, error) {
	var (
		user     authkit.User
		role     string
		provider string
	)
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.GoogleID, &user.Picture,
		&role, &provider, &user.IsVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	user.Role = authkit.Role(role)
	user.Provider = authkit.Provider(provider)
	return &user, nil
}

func lookupError(operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("user_store.%s.pgx: %w", operation, authkit.ErrUserNotFound)
	}
	return fmt.Errorf("user_store.%s.pgx: %w", operation, err)
}

func writeError(operation string, err error) error {
	var pgError *pgconn.PgError
	if errors.As(err, &pgError) && pgError.Code == uniqueViolationCode {
		return fmt.Errorf("user_store.%s.pgx: %s: %w", operation, pgError.ConstraintName, authkit.ErrUserExists)
	}
	return fmt.Errorf("user_store.%s.pgx: %w", operation, err)
}
