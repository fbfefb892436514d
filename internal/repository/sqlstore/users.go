package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/xid"

	"github.com/sakif/bot-catalog/internal/apperror"
	"github.com/sakif/bot-catalog/internal/model"
	"github.com/sakif/bot-catalog/internal/repository"
)

// compile-time check that *UserStore implements repository.UserRepository
var _ repository.UserRepository = (*UserStore)(nil)

// UserStore persists model.User rows.
type UserStore struct {
	db *DB
}

// userRow is the flat table shape; the pending verification columns are
// folded into model.PendingVerification on the way out.
type userRow struct {
	ID                   string         `db:"id"`
	Username             string         `db:"username"`
	Email                string         `db:"email"`
	PasswordHash         string         `db:"password_hash"`
	Verified             bool           `db:"verified"`
	VerificationTokenID  sql.NullString `db:"verification_token_id"`
	VerificationCodeHash sql.NullString `db:"verification_code_hash"`
	VerificationIssuedAt sql.NullTime   `db:"verification_issued_at"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

const userColumns = `id, username, email, password_hash, verified,
	verification_token_id, verification_code_hash, verification_issued_at,
	created_at, updated_at`

func (r *userRow) toModel() *model.User {
	u := &model.User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Verified:     r.Verified,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.VerificationTokenID.Valid {
		u.Pending = &model.PendingVerification{
			TokenID:  r.VerificationTokenID.String,
			CodeHash: r.VerificationCodeHash.String,
			IssuedAt: r.VerificationIssuedAt.Time,
		}
	}
	return u
}

// pendingColumns returns the three nullable pending-verification values.
func pendingColumns(p *model.PendingVerification) (sql.NullString, sql.NullString, sql.NullTime) {
	if p == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullTime{}
	}
	return nullString(p.TokenID), nullString(p.CodeHash), sql.NullTime{Time: p.IssuedAt.UTC(), Valid: !p.IssuedAt.IsZero()}
}

// Create inserts a new user, assigning ID and timestamps in place.
// A duplicate username or email yields a Conflict and nothing is written.
func (s *UserStore) Create(ctx context.Context, user *model.User) error {
	ts := now()
	user.ID = xid.New().String()
	user.CreatedAt = ts
	user.UpdatedAt = ts

	tokenID, codeHash, issuedAt := pendingColumns(user.Pending)

	_, err := s.db.conn.ExecContext(ctx, s.db.conn.Rebind(
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		user.ID,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.Verified,
		tokenID,
		codeHash,
		issuedAt,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		user.ID = ""
		if conflict, ok := userConflict(err); ok {
			return conflict
		}
		return fmt.Errorf("sqlstore: inserting user %q: %w", user.Username, err)
	}
	return nil
}

// GetByID returns the user with the given id.
func (s *UserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	return s.getOne(ctx, "id", id)
}

// FindByUsername returns the user with the given username (exact match).
func (s *UserStore) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getOne(ctx, "username", username)
}

// FindByEmail returns the user registered with the given email.
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getOne(ctx, "email", email)
}

// getOne selects by a unique column. column is always a constant from this file.
func (s *UserStore) getOne(ctx context.Context, column, value string) (*model.User, error) {
	var row userRow
	err := s.db.conn.GetContext(ctx, &row, s.db.conn.Rebind(
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`), value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", value)
		}
		return nil, fmt.Errorf("sqlstore: getting user by %s: %w", column, err)
	}
	return row.toModel(), nil
}

// Update writes every mutable column of user. Username and CreatedAt are
// never changed. A collision on email yields a Conflict.
func (s *UserStore) Update(ctx context.Context, user *model.User) error {
	user.UpdatedAt = now()
	tokenID, codeHash, issuedAt := pendingColumns(user.Pending)

	res, err := s.db.conn.ExecContext(ctx, s.db.conn.Rebind(
		`UPDATE users SET
			email = ?,
			password_hash = ?,
			verified = ?,
			verification_token_id = ?,
			verification_code_hash = ?,
			verification_issued_at = ?,
			updated_at = ?
		 WHERE id = ?`),
		user.Email,
		user.PasswordHash,
		user.Verified,
		tokenID,
		codeHash,
		issuedAt,
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		if conflict, ok := userConflict(err); ok {
			return conflict
		}
		return fmt.Errorf("sqlstore: updating user %s: %w", user.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("user", user.ID)
	}
	return nil
}

// Delete removes the user and, inside the same transaction, every bot they own.
func (s *UserStore) Delete(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var username string
		err := tx.GetContext(ctx, &username, tx.Rebind(`SELECT username FROM users WHERE id = ?`), id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperror.NotFound("user", id)
			}
			return fmt.Errorf("sqlstore: locating user %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM bots WHERE owner = ?`), username); err != nil {
			return fmt.Errorf("sqlstore: deleting bots of %q: %w", username, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE id = ?`), id); err != nil {
			return fmt.Errorf("sqlstore: deleting user %s: %w", id, err)
		}
		return nil
	})
}
