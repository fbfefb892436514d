package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/xid"

	"github.com/sakif/bot-catalog/internal/apperror"
	"github.com/sakif/bot-catalog/internal/metrics"
	"github.com/sakif/bot-catalog/internal/model"
	"github.com/sakif/bot-catalog/internal/repository"
	"github.com/sakif/bot-catalog/internal/storage"
)

// Reauthenticator confirms who is acting before a catalog write.
// *AccountService implements it.
type Reauthenticator interface {
	CurrentUser(ctx context.Context, userID string) (*model.User, error)
	Reauthenticate(ctx context.Context, userID, password string) (*model.User, error)
}

// CatalogConfig is the explicit configuration of the catalog.
type CatalogConfig struct {
	// AdminUsername names the platform administrator, who may delete any
	// bot. Empty disables the admin role.
	AdminUsername string
}

// CatalogService manages bot listings.
//
// Reads are public. Every write runs the gate below in order, and the first
// failing step decides the error:
//
//  1. input validation                     → ErrValidation
//  2. acting account exists and may act    → ErrAuth / ErrForbidden
//  3. password re-confirmation             → ErrAuth
//  4. store write                          → ErrDependency on logo upload failure
type CatalogService struct {
	bots     repository.BotRepository
	accounts Reauthenticator
	logos    storage.LogoStore
	policy   *bluemonday.Policy
	metrics  metrics.Recorder
	cfg      CatalogConfig
	logger   *slog.Logger
}

// NewCatalogService wires a CatalogService. logos and rec may be nil.
func NewCatalogService(
	bots repository.BotRepository,
	accounts Reauthenticator,
	logos storage.LogoStore,
	rec metrics.Recorder,
	cfg CatalogConfig,
	logger *slog.Logger,
) *CatalogService {
	if logos == nil {
		logos = storage.InlineStore{}
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &CatalogService{
		bots:     bots,
		accounts: accounts,
		logos:    logos,
		policy:   bluemonday.StrictPolicy(),
		metrics:  rec,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateBotInput is a request to publish a bot.
type CreateBotInput struct {
	Name            string
	RepositoryURL   string
	Logo            string
	Description     string
	ActingUserID    string
	ConfirmPassword string
}

// DeleteBotInput is a request to remove a bot.
type DeleteBotInput struct {
	ID              string
	ActingUserID    string
	ConfirmPassword string
}

// List returns bots newest first. A zero limit returns every match; larger
// limits are capped at MaxListLimit.
func (s *CatalogService) List(ctx context.Context, filter repository.BotFilter) ([]model.Bot, error) {
	if filter.Limit < 0 {
		filter.Limit = 0
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Search = strings.TrimSpace(filter.Search)
	filter.Owner = strings.TrimSpace(filter.Owner)

	bots, err := s.bots.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("service/catalog: listing bots: %w", err)
	}
	return bots, nil
}

// Get returns one bot.
func (s *CatalogService) Get(ctx context.Context, id string) (*model.Bot, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "bot id is required")
	}
	return s.bots.GetByID(ctx, id)
}

// Create publishes a bot owned by the acting user.
//
// The owner must have a verified email and must re-confirm their password.
// Inline logos go to the LogoStore under the new bot's id; if the insert then
// fails the stored object is removed again.
func (s *CatalogService) Create(ctx context.Context, in CreateBotInput) (*model.Bot, error) {
	name := strings.TrimSpace(in.Name)
	repoURL := strings.TrimSpace(in.RepositoryURL)
	logo := strings.TrimSpace(in.Logo)

	if field := missing("name", name, "repositoryUrl", repoURL, "logo", logo, "confirmPassword", in.ConfirmPassword); field != "" {
		return nil, apperror.Invalid(apperror.CodeMissingFields, field,
			"name, repositoryUrl, logo and confirmPassword are required")
	}
	if utf8.RuneCountInString(name) > MaxBotNameLength {
		return nil, apperror.ValidationFailed("name",
			fmt.Sprintf("name must be %d characters or less", MaxBotNameLength))
	}
	if err := ValidateHTTPURL(repoURL); err != nil {
		return nil, apperror.Invalid(apperror.CodeInvalidURL, "repositoryUrl", "repositoryUrl "+err.Error())
	}

	img, err := parseLogo(logo)
	if err != nil {
		return nil, err
	}

	description, err := s.plainText(in.Description)
	if err != nil {
		return nil, err
	}

	user, err := s.accounts.CurrentUser(ctx, in.ActingUserID)
	if err != nil {
		return nil, err
	}
	if !user.Verified {
		return nil, apperror.Forbidden(apperror.CodeOwnerNotVerified,
			"verify your email address before publishing bots")
	}
	if _, err := s.accounts.Reauthenticate(ctx, user.ID, in.ConfirmPassword); err != nil {
		return nil, err
	}

	bot := &model.Bot{
		ID:            xid.New().String(),
		Name:          name,
		RepositoryURL: repoURL,
		Logo:          logo,
		Description:   description,
		Owner:         user.Username,
	}

	if img != nil {
		stored, err := s.logos.Store(ctx, bot.ID, img)
		if err != nil {
			return nil, apperror.Dependency(apperror.CodeStoreUnavailable, "logo could not be stored", err)
		}
		bot.Logo = stored
	}

	if err := s.bots.Create(ctx, bot); err != nil {
		if img != nil {
			s.removeLogo(ctx, bot)
		}
		return nil, fmt.Errorf("service/catalog: creating bot: %w", err)
	}

	s.metrics.BotCreated()
	s.logger.Info("bot created",
		slog.String("id", bot.ID),
		slog.String("name", bot.Name),
		slog.String("owner", bot.Owner),
	)
	return bot, nil
}

// parseLogo accepts an http(s) URL (returned image nil) or an inline image
// data URL within storage.MaxLogoBytes.
// plainText strips markup from a description. The strict policy
// entity-escapes what it keeps, and descriptions are served as JSON text, so
// entities are decoded again before the length check.
func (s *CatalogService) plainText(raw string) (string, error) {
	description := strings.TrimSpace(raw)
	tooLong := apperror.ValidationFailed("description",
		fmt.Sprintf("description must be %d characters or less", MaxDescriptionLength))
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return "", tooLong
	}
	description = strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(description)))
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return "", tooLong
	}
	return description, nil
}

func parseLogo(logo string) (*storage.Image, error) {
	if !strings.HasPrefix(logo, "data:") {
		if err := ValidateHTTPURL(logo); err != nil {
			return nil, apperror.Invalid(apperror.CodeInvalidLogo, "logo",
				"logo must be an http(s) URL or a base64 image data URL")
		}
		return nil, nil
	}

	img, err := storage.ParseDataURL(logo)
	switch {
	case err == nil:
		return img, nil
	case errors.Is(err, storage.ErrLogoTooLarge):
		return nil, apperror.Invalid(apperror.CodeInvalidLogo, "logo",
			fmt.Sprintf("logo must be at most %d KB", storage.MaxLogoBytes/1024))
	case errors.Is(err, storage.ErrNotDataURL):
		return nil, apperror.Invalid(apperror.CodeInvalidLogo, "logo",
			"logo data URL must be a base64 png, jpeg, webp or gif image")
	default:
		return nil, apperror.Invalid(apperror.CodeInvalidLogo, "logo", "logo data is not valid base64")
	}
}

// Delete removes a bot. Only its owner or the admin may do so, and the actor
// re-confirms their password first.
func (s *CatalogService) Delete(ctx context.Context, in DeleteBotInput) error {
	id := strings.TrimSpace(in.ID)
	if field := missing("id", id, "confirmPassword", in.ConfirmPassword); field != "" {
		return apperror.Invalid(apperror.CodeMissingFields, field, "bot id and confirmPassword are required")
	}

	bot, err := s.bots.GetByID(ctx, id)
	if err != nil {
		return err
	}

	user, err := s.accounts.CurrentUser(ctx, in.ActingUserID)
	if err != nil {
		return err
	}
	byAdmin := s.isAdmin(user)
	if bot.Owner != user.Username && !byAdmin {
		return apperror.Forbidden(apperror.CodeNotAuthorized, "only the owner or an administrator can delete this bot")
	}

	if _, err := s.accounts.Reauthenticate(ctx, user.ID, in.ConfirmPassword); err != nil {
		return err
	}

	if err := s.bots.Delete(ctx, bot.ID); err != nil {
		return err
	}
	s.removeLogo(ctx, bot)

	s.metrics.BotDeleted(byAdmin && bot.Owner != user.Username)
	s.logger.Info("bot deleted",
		slog.String("id", bot.ID),
		slog.String("owner", bot.Owner),
		slog.String("by", user.Username),
	)
	return nil
}

func (s *CatalogService) isAdmin(user *model.User) bool {
	return s.cfg.AdminUsername != "" && user.Username == s.cfg.AdminUsername
}

func (s *CatalogService) removeLogo(ctx context.Context, bot *model.Bot) {
	if err := s.logos.Remove(ctx, bot.ID, bot.Logo); err != nil {
		s.logger.Warn("logo cleanup failed",
			slog.String("botID", bot.ID),
			slog.String("error", err.Error()),
		)
	}
}
