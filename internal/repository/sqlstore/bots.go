package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/xid"

	"github.com/sakif/bot-catalog/internal/apperror"
	"github.com/sakif/bot-catalog/internal/model"
	"github.com/sakif/bot-catalog/internal/repository"
)

// compile-time check that *BotStore implements repository.BotRepository
var _ repository.BotRepository = (*BotStore)(nil)

// BotStore persists model.Bot rows.
type BotStore struct {
	db *DB
}

const botColumns = `id, name, repository_url, logo, description, owner, created_at`

// likeEscaper escapes LIKE wildcards so a search for "50%" matches literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Create inserts bot, assigning ID and CreatedAt in place. bot.ID is honoured
// when already set so callers can derive object keys before the insert.
func (s *BotStore) Create(ctx context.Context, bot *model.Bot) error {
	if bot.ID == "" {
		bot.ID = xid.New().String()
	}
	bot.CreatedAt = now()

	_, err := s.db.conn.NamedExecContext(ctx,
		`INSERT INTO bots (`+botColumns+`)
		 VALUES (:id, :name, :repository_url, :logo, :description, :owner, :created_at)`,
		bot,
	)
	if err != nil {
		if _, dup := uniqueViolation(err); dup {
			return apperror.Conflict("duplicate_key", "bot already exists")
		}
		return fmt.Errorf("sqlstore: inserting bot %q: %w", bot.Name, err)
	}
	return nil
}

// GetByID returns one bot.
func (s *BotStore) GetByID(ctx context.Context, id string) (*model.Bot, error) {
	var bot model.Bot
	err := s.db.conn.GetContext(ctx, &bot, s.db.conn.Rebind(
		`SELECT `+botColumns+` FROM bots WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("bot", id)
		}
		return nil, fmt.Errorf("sqlstore: getting bot %s: %w", id, err)
	}
	return &bot, nil
}

// List returns bots newest first, narrowed by filter.
func (s *BotStore) List(ctx context.Context, filter repository.BotFilter) ([]model.Bot, error) {
	var (
		where []string
		args  []any
	)
	if q := strings.TrimSpace(filter.Search); q != "" {
		where = append(where, `LOWER(name) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(strings.ToLower(q))+"%")
	}
	if filter.Owner != "" {
		where = append(where, `owner = ?`)
		args = append(args, filter.Owner)
	}

	query := `SELECT ` + botColumns + ` FROM bots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}

	bots := []model.Bot{}
	if err := s.db.conn.SelectContext(ctx, &bots, s.db.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("sqlstore: listing bots: %w", err)
	}
	return bots, nil
}

// Delete removes one bot.
func (s *BotStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.conn.ExecContext(ctx, s.db.conn.Rebind(`DELETE FROM bots WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("sqlstore: deleting bot %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("bot", id)
	}
	return nil
}

