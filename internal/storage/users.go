package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiki/internal/model"
)

// CreateUser inserts a new user. UserID must be unique within the org.
func (db *DB) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, org_id, user_id, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.OrgID, user.UserID, user.Role, user.APIKeyHash, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return model.User{}, fmt.Errorf("storage: user %q in org %s: %w", user.UserID, user.OrgID, ErrDuplicate)
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return user, nil
}

// GetUserByUserID looks a user up by the external identifier presented at
// authentication. Global, not org-scoped: this runs before the org is known.
func (db *DB) GetUserByUserID(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, user_id, role, api_key_hash, created_at, updated_at
		 FROM users WHERE user_id = $1`, userID,
	).Scan(&u.ID, &u.OrgID, &u.UserID, &u.Role, &u.APIKeyHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("storage: user %q: %w", userID, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by UUID, scoped to an org.
func (db *DB) GetUser(ctx context.Context, orgID, id uuid.UUID) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, user_id, role, api_key_hash, created_at, updated_at
		 FROM users WHERE id = $1 AND org_id = $2`, id, orgID,
	).Scan(&u.ID, &u.OrgID, &u.UserID, &u.Role, &u.APIKeyHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("storage: user %s: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// UpsertUser creates the user or, if the (org_id, user_id) pair exists,
// refreshes its role and key hash. Used for the seeded admin at startup.
func (db *DB) UpsertUser(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (id, org_id, user_id, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (org_id, user_id) DO UPDATE
		   SET role = EXCLUDED.role, api_key_hash = EXCLUDED.api_key_hash, updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at`,
		user.ID, user.OrgID, user.UserID, user.Role, user.APIKeyHash, user.CreatedAt, user.UpdatedAt,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: upsert user: %w", err)
	}
	return user, nil
}
