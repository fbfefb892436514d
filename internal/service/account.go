// Package service holds the business rules of the catalog: the account
// lifecycle state machine and the catalog operations gated on it.
//
//	Handler (HTTP) → AccountService → UserRepository + TokenService + Dispatcher
//	               → CatalogService → BotRepository + LogoStore
//	                                ↘ AccountService.Reauthenticate
//
// Nothing here knows about HTTP; failures are *apperror.AppError values.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/bot-catalog/internal/apperror"
	"github.com/sakif/bot-catalog/internal/auth"
	"github.com/sakif/bot-catalog/internal/mailer"
	"github.com/sakif/bot-catalog/internal/metrics"
	"github.com/sakif/bot-catalog/internal/model"
	"github.com/sakif/bot-catalog/internal/repository"
	"github.com/sakif/bot-catalog/internal/storage"
)

// AccountConfig is the explicit configuration of the account lifecycle.
type AccountConfig struct {
	// PublicBaseURL prefixes verification links, e.g. "https://bots.example.com".
	PublicBaseURL string
}

// AccountDeps are the collaborators of AccountService.
type AccountDeps struct {
	Users         repository.UserRepository
	Bots          repository.BotRepository
	Logos         storage.LogoStore
	Sessions      *auth.TokenService
	Verifications *auth.TokenService
	Passwords     *auth.PasswordService
	Mailer        mailer.Dispatcher
	Renderer      *mailer.Renderer
	Metrics       metrics.Recorder
}

// AccountService drives a user through the lifecycle:
//
//	(signup) → Unverified ──(verify link | verify code)──→ Verified
//	              │  ↑
//	              └──┘ resend / change email: new token + code, old ones die
//
// Verified is terminal except for account deletion.
type AccountService struct {
	users         repository.UserRepository
	bots          repository.BotRepository
	logos         storage.LogoStore
	sessions      *auth.TokenService
	verifications *auth.TokenService
	passwords     *auth.PasswordService
	mailer        mailer.Dispatcher
	renderer      *mailer.Renderer
	metrics       metrics.Recorder
	cfg           AccountConfig
	logger        *slog.Logger
	now           func() time.Time
}

// NewAccountService wires an AccountService. Logos and Metrics may be nil.
func NewAccountService(deps AccountDeps, cfg AccountConfig, logger *slog.Logger) *AccountService {
	s := &AccountService{
		users:         deps.Users,
		bots:          deps.Bots,
		logos:         deps.Logos,
		sessions:      deps.Sessions,
		verifications: deps.Verifications,
		passwords:     deps.Passwords,
		mailer:        deps.Mailer,
		renderer:      deps.Renderer,
		metrics:       deps.Metrics,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
	if s.logos == nil {
		s.logos = storage.InlineStore{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	return s
}

// SignupInput is the data a new account starts from.
type SignupInput struct {
	Username string
	Email    string
	Password string
}

// SignupResult reports a completed signup. EmailErr is non-nil when the
// account was created but the verification email could not be sent; the
// caller should offer ResendVerification.
type SignupResult struct {
	User     *model.User
	EmailErr error
}

// LoginResult carries the session credential issued by Login.
type LoginResult struct {
	User      *model.User
	Token     string
	ExpiresAt time.Time
}

// =========================================================================
// SIGNUP
// =========================================================================

// Signup creates an unverified account and emails its verification link and code.
//
// The token never appears in the result. Validation and conflict errors are
// returned before anything is written; the username/email UNIQUE constraints
// in the store settle races between concurrent signups.
func (s *AccountService) Signup(ctx context.Context, in SignupInput) (*SignupResult, error) {
	username := strings.TrimSpace(in.Username)
	email := normalizeEmail(in.Email)

	if field := missing("username", username, "email", email, "password", in.Password); field != "" {
		return nil, apperror.Invalid(apperror.CodeMissingFields, field, "username, email and password are required")
	}
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validateEmail("email", email); err != nil {
		return nil, err
	}
	if err := validatePassword("password", in.Password); err != nil {
		return nil, err
	}

	if err := s.ensureAvailable(ctx, username, email); err != nil {
		return nil, err
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("service/account: hashing password: %w", err)
	}

	pending, code, err := s.newPending()
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Pending:      pending,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("service/account: creating user: %w", err)
	}

	s.metrics.Signup()
	s.logger.Info("user signed up",
		slog.String("userID", user.ID),
		slog.String("username", user.Username),
	)

	return &SignupResult{
		User:     user,
		EmailErr: s.sendVerification(ctx, user, code),
	}, nil
}

// ensureAvailable gives a precise Conflict before hashing. The store's
// constraints remain the authority.
func (s *AccountService) ensureAvailable(ctx context.Context, username, email string) error {
	if _, err := s.users.FindByUsername(ctx, username); err == nil {
		return apperror.Conflict(apperror.CodeUsernameTaken, "username is already taken")
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return fmt.Errorf("service/account: checking username: %w", err)
	}

	return s.ensureEmailFree(ctx, email)
}

func (s *AccountService) ensureEmailFree(ctx context.Context, email string) error {
	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return apperror.Conflict(apperror.CodeEmailTaken, "email is already registered")
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return fmt.Errorf("service/account: checking email: %w", err)
	}
	return nil
}

// =========================================================================
// VERIFICATION
// =========================================================================

// Verify consumes a verification token from an emailed link.
//
// Expired, tampered and superseded tokens fail with ErrExpiredToken and leave
// the account untouched. Verifying an already verified account is a no-op.
func (s *AccountService) Verify(ctx context.Context, token string) (*model.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperror.Invalid(apperror.CodeMissingFields, "token", "verification token is required")
	}

	claims, err := s.verifications.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			s.metrics.VerificationRejected("expired")
			return nil, apperror.InvalidToken("verification link has expired; request a new one")
		}
		s.metrics.VerificationRejected("invalid")
		return nil, apperror.InvalidToken("verification link is invalid")
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.metrics.VerificationRejected("invalid")
			return nil, apperror.InvalidToken("verification link is invalid")
		}
		return nil, fmt.Errorf("service/account: loading user: %w", err)
	}

	if user.Verified {
		return user, nil
	}
	if user.Pending == nil || user.Pending.TokenID != claims.TokenID {
		s.metrics.VerificationRejected("superseded")
		return nil, apperror.InvalidToken("verification link has been replaced by a newer one")
	}

	return s.markVerified(ctx, user, metrics.MethodLink)
}

// VerifyCode is the out-of-band alternative to Verify: the user types the
// 6-digit code from the email. Codes expire together with their link.
//
// Only the email address is needed to call it, so every failure (unknown
// address, already verified, no code outstanding, wrong code) returns the
// same error after a bcrypt comparison.
func (s *AccountService) VerifyCode(ctx context.Context, email, code string) (*model.User, error) {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if field := missing("email", email, "code", code); field != "" {
		return nil, apperror.Invalid(apperror.CodeMissingFields, field, "email and code are required")
	}
	if !auth.LooksLikeCode(code) {
		s.metrics.VerificationRejected("invalid")
		return nil, apperror.InvalidToken("verification code is invalid")
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/account: loading user: %w", err)
	}
	if user == nil || user.Verified || user.Pending == nil || user.Pending.CodeHash == "" {
		_ = s.passwords.VerifyNothing(code)
		s.metrics.VerificationRejected("invalid")
		return nil, apperror.InvalidToken("verification code is invalid")
	}
	if s.now().After(user.Pending.ExpiresAt(s.verifications.TTL())) {
		s.metrics.VerificationRejected("expired")
		return nil, apperror.InvalidToken("verification code has expired; request a new one")
	}
	if err := s.passwords.Verify(user.Pending.CodeHash, code); err != nil {
		s.metrics.VerificationRejected("invalid")
		return nil, apperror.InvalidToken("verification code is invalid")
	}

	return s.markVerified(ctx, user, metrics.MethodCode)
}

func (s *AccountService) markVerified(ctx context.Context, user *model.User, method string) (*model.User, error) {
	user.Verified = true
	user.Pending = nil
	if err := s.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("service/account: marking user verified: %w", err)
	}

	s.metrics.Verified(method)
	s.logger.Info("email verified",
		slog.String("userID", user.ID),
		slog.String("method", method),
	)
	return user, nil
}

// ResendVerification issues a fresh token and code for an unverified account
// and emails them. Every earlier token and code stops working.
//
// The re-issue is committed before dispatch; a dispatch failure comes back as
// ErrDependency with the new pending verification already stored.
func (s *AccountService) ResendVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return apperror.Invalid(apperror.CodeMissingFields, "email", "email is required")
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.UserNotFound()
		}
		return fmt.Errorf("service/account: loading user: %w", err)
	}
	if user.Verified {
		return apperror.Conflict(apperror.CodeAlreadyVerified, "email is already verified")
	}

	code, err := s.reissue(ctx, user)
	if err != nil {
		return err
	}

	s.logger.Info("verification re-issued", slog.String("userID", user.ID))
	return s.sendVerification(ctx, user, code)
}

// ChangeEmailPreVerification moves an unverified account to a new address,
// re-issues its verification and emails the new address. Verified accounts
// keep their email.
func (s *AccountService) ChangeEmailPreVerification(ctx context.Context, oldEmail, newEmail string) error {
	oldEmail = normalizeEmail(oldEmail)
	newEmail = normalizeEmail(newEmail)
	if field := missing("oldEmail", oldEmail, "newEmail", newEmail); field != "" {
		return apperror.Invalid(apperror.CodeMissingFields, field, "oldEmail and newEmail are required")
	}
	if err := validateEmail("newEmail", newEmail); err != nil {
		return err
	}

	user, err := s.users.FindByEmail(ctx, oldEmail)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.UserNotFound()
		}
		return fmt.Errorf("service/account: loading user: %w", err)
	}
	if user.Verified {
		return apperror.Conflict(apperror.CodeAlreadyVerified, "email cannot be changed after verification")
	}
	if newEmail != oldEmail {
		if err := s.ensureEmailFree(ctx, newEmail); err != nil {
			return err
		}
	}

	user.Email = newEmail
	code, err := s.reissue(ctx, user)
	if err != nil {
		return err
	}

	s.logger.Info("email changed before verification", slog.String("userID", user.ID))
	return s.sendVerification(ctx, user, code)
}

// reissue replaces user's pending verification and persists every pending
// field change on user. It returns the plaintext code for the email.
func (s *AccountService) reissue(ctx context.Context, user *model.User) (string, error) {
	pending, code, err := s.newPending()
	if err != nil {
		return "", err
	}
	user.Pending = pending
	if err := s.users.Update(ctx, user); err != nil {
		return "", fmt.Errorf("service/account: storing verification: %w", err)
	}
	return code, nil
}

// newPending creates a pending verification with a fresh token id and code.
func (s *AccountService) newPending() (*model.PendingVerification, string, error) {
	code, err := auth.NewVerificationCode()
	if err != nil {
		return nil, "", err
	}
	codeHash, err := s.passwords.Hash(code)
	if err != nil {
		return nil, "", fmt.Errorf("service/account: hashing verification code: %w", err)
	}
	return &model.PendingVerification{
		TokenID:  uuid.NewString(),
		CodeHash: codeHash,
		IssuedAt: s.now().UTC(),
	}, code, nil
}

// sendVerification signs the link for user's pending token and emails it
// with code. The returned error is nil or an ErrDependency AppError.
func (s *AccountService) sendVerification(ctx context.Context, user *model.User, code string) error {
	token, err := s.verifications.GenerateWithID(user.ID, user.Pending.TokenID)
	if err != nil {
		return apperror.Dependency(apperror.CodeEmailDispatchFailed, "verification email could not be prepared", err)
	}

	msg, err := s.renderer.Verification(user.Email, mailer.VerificationData{
		Username:  user.Username,
		Link:      s.verificationLink(token),
		Code:      code,
		ExpiresIn: humanDuration(s.verifications.TTL()),
	})
	if err != nil {
		return apperror.Dependency(apperror.CodeEmailDispatchFailed, "verification email could not be prepared", err)
	}

	if err := s.mailer.Send(ctx, msg); err != nil {
		s.metrics.EmailFailed()
		s.logger.Error("verification email failed",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
		return apperror.Dependency(apperror.CodeEmailDispatchFailed,
			"verification email could not be sent; request a new one", err)
	}

	s.metrics.EmailSent()
	return nil
}

func (s *AccountService) verificationLink(token string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/api/auth/verify/" + url.PathEscape(token)
}

// humanDuration renders short TTLs for email copy: "15 minutes", "1 hour".
func humanDuration(d time.Duration) string {
	plural := func(n int, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	if d >= time.Hour && d%time.Hour == 0 {
		return plural(int(d/time.Hour), "hour")
	}
	return plural(int(d.Round(time.Minute)/time.Minute), "minute")
}

// =========================================================================
// LOGIN AND CREDENTIAL CHECKS
// =========================================================================

// Login authenticates by username or email plus password and issues a
// session token.
//
// An unknown identifier and a wrong password fail identically, with the same
// bcrypt work. A correct password on an unverified account fails with
// CodeEmailNotVerified instead.
func (s *AccountService) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	if field := missing("usernameOrEmail", identifier, "password", password); field != "" {
		return nil, apperror.Invalid(apperror.CodeMissingFields, field, "username or email and password are required")
	}

	var (
		user *model.User
		err  error
	)
	if strings.Contains(identifier, "@") {
		user, err = s.users.FindByEmail(ctx, normalizeEmail(identifier))
	} else {
		user, err = s.users.FindByUsername(ctx, identifier)
	}
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			return nil, fmt.Errorf("service/account: loading user: %w", err)
		}
		_ = s.passwords.VerifyNothing(password)
		return nil, s.rejectLogin(identifier)
	}

	if err := s.checkPassword(user, password); err != nil {
		return nil, s.rejectLogin(identifier)
	}

	if !user.Verified {
		s.metrics.Login(metrics.LoginUnverified)
		return nil, apperror.Forbidden(apperror.CodeEmailNotVerified,
			"email address has not been verified; check your inbox or request a new link")
	}

	token, err := s.sessions.Generate(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/account: issuing session: %w", err)
	}

	s.metrics.Login(metrics.LoginSuccess)
	s.logger.Info("user logged in", slog.String("userID", user.ID))

	return &LoginResult{
		User:      user,
		Token:     token,
		ExpiresAt: s.now().Add(s.sessions.TTL()),
	}, nil
}

func (s *AccountService) rejectLogin(identifier string) error {
	s.metrics.Login(metrics.LoginInvalidCredentials)
	s.logger.Warn("login rejected", slog.String("identifier", identifier))
	return apperror.Unauthorized(apperror.CodeInvalidCredentials, "invalid username/email or password")
}

// checkPassword compares against the stored hash. Malformed hashes are
// logged and treated as a mismatch.
func (s *AccountService) checkPassword(user *model.User, password string) error {
	err := s.passwords.Verify(user.PasswordHash, password)
	if err != nil && !errors.Is(err, auth.ErrPasswordMismatch) {
		s.logger.Error("stored password hash unusable",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// CurrentUser returns the account behind a session's user id.
func (s *AccountService) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized(apperror.CodeUnauthenticated, "account no longer exists")
		}
		return nil, fmt.Errorf("service/account: loading user: %w", err)
	}
	return user, nil
}

// Reauthenticate re-checks the acting user's password right before a
// sensitive write, independent of the session. It is the only password check
// the catalog uses, for owners and the platform admin alike.
func (s *AccountService) Reauthenticate(ctx context.Context, userID, password string) (*model.User, error) {
	if password == "" {
		return nil, apperror.Invalid(apperror.CodeMissingFields, "confirmPassword", "password confirmation is required")
	}

	user, err := s.CurrentUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkPassword(user, password); err != nil {
		s.logger.Warn("reauthentication failed", slog.String("userID", userID))
		return nil, apperror.Unauthorized(apperror.CodeInvalidCredentials, "password confirmation failed")
	}
	return user, nil
}

// ChangePassword replaces the password after confirming the current one.
// Sessions issued earlier stay valid until they expire.
func (s *AccountService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if newPassword == "" {
		return apperror.Invalid(apperror.CodeMissingFields, "newPassword", "new password is required")
	}
	if err := validatePassword("newPassword", newPassword); err != nil {
		return err
	}

	user, err := s.Reauthenticate(ctx, userID, currentPassword)
	if err != nil {
		return err
	}

	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("service/account: hashing password: %w", err)
	}
	user.PasswordHash = hash
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("service/account: storing password: %w", err)
	}

	s.logger.Info("password changed", slog.String("userID", user.ID))
	return nil
}

// DeleteAccount removes the account and every bot it owns after confirming
// the password. Stored logo objects are removed afterwards on a best-effort basis.
func (s *AccountService) DeleteAccount(ctx context.Context, userID, password string) error {
	user, err := s.Reauthenticate(ctx, userID, password)
	if err != nil {
		return err
	}

	owned, err := s.bots.List(ctx, repository.BotFilter{Owner: user.Username})
	if err != nil {
		return fmt.Errorf("service/account: listing bots of %s: %w", user.Username, err)
	}
	// The store removes the user's bots and the user in one transaction.
	if err := s.users.Delete(ctx, user.ID); err != nil {
		return fmt.Errorf("service/account: deleting user: %w", err)
	}

	for _, b := range owned {
		if err := s.logos.Remove(ctx, b.ID, b.Logo); err != nil {
			s.logger.Warn("logo cleanup failed",
				slog.String("botID", b.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("account deleted",
		slog.String("userID", user.ID),
		slog.Int("botsRemoved", len(owned)),
	)
	return nil
}
