// Package repository defines the persistence contracts the services depend on.
//
// Services take these interfaces, never a concrete store, so tests can pass
// in-memory fakes and the server can pick SQLite or Postgres at startup.
//
// ERROR CONTRACT (every implementation):
//   - missing record        → *apperror.AppError wrapping apperror.ErrNotFound
//   - duplicate username    → apperror.ErrConflict with apperror.CodeUsernameTaken
//   - duplicate email       → apperror.ErrConflict with apperror.CodeEmailTaken
//   - anything else         → a wrapped driver error
package repository

import (
	"context"

	"github.com/sakif/bot-catalog/internal/model"
)

// ListOptions holds pagination parameters. A zero Limit means "no limit".
type ListOptions struct {
	Limit  int
	Offset int
}

// BotFilter narrows a catalog listing.
type BotFilter struct {
	// Search matches bot names case-insensitively as a substring.
	Search string
	// Owner, when set, keeps only bots owned by this exact username.
	Owner string
	ListOptions
}

// UserRepository stores account records. Uniqueness of username and email
// is enforced atomically by the store, not by look-before-write in callers.
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	Update(ctx context.Context, user *model.User) error
	// Delete removes the user together with every bot they own, atomically.
	Delete(ctx context.Context, id string) error
}

// BotRepository stores catalog entries. Listings are newest first.
type BotRepository interface {
	Create(ctx context.Context, bot *model.Bot) error
	GetByID(ctx context.Context, id string) (*model.Bot, error)
	List(ctx context.Context, filter BotFilter) ([]model.Bot, error)
	Delete(ctx context.Context, id string) error
}
