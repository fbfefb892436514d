package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/bot-catalog/internal/apperror"
	"github.com/sakif/bot-catalog/internal/auth"
	"github.com/sakif/bot-catalog/internal/model"
	"github.com/sakif/bot-catalog/internal/service"
)

// AuthHandler exposes the account lifecycle over HTTP.
//
// HANDLER RESPONSIBILITIES:
//   - HandleSignup / HandleResend / HandleResetEmail → start or restart verification
//   - HandleVerifyLink / HandleVerify               → finish verification
//   - HandleLogin / HandleLogout                    → issue or clear the session
//   - HandleMe / HandleChangePassword / HandleDeleteAccount (authenticated)
//
// Verification tokens and codes never appear in a response body; they travel
// only by email.
type AuthHandler struct {
	accounts *service.AccountService
	cfg      AuthConfig
	logger   *slog.Logger
}

// AuthConfig tunes how the handler talks to browsers.
type AuthConfig struct {
	// VerifySuccessURL, when set, is where a clicked verification link
	// redirects after success. Empty means answer with JSON.
	VerifySuccessURL string
	// CookieSecure marks the session cookie Secure (HTTPS only).
	CookieSecure bool
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(accounts *service.AccountService, cfg AuthConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, cfg: cfg, logger: logger}
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
}

func toUserResponse(u *model.User) UserResponse {
	return UserResponse{ID: u.ID, Username: u.Username, Email: u.Email, Verified: u.Verified}
}

// SignupResponse answers a signup. EmailSent is false when the account was
// created but the verification email failed; the client should offer a resend.
type SignupResponse struct {
	Message   string       `json:"message"`
	User      UserResponse `json:"user"`
	EmailSent bool         `json:"emailSent"`
}

// LoginResponse carries the session credential.
type LoginResponse struct {
	Token     string       `json:"token"`
	Username  string       `json:"username"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      UserResponse `json:"user"`
}

// HandleSignup creates an unverified account.
//
// HTTP: POST /api/auth/signup
// REQUEST BODY: {"username": "alice", "email": "a@x.com", "password": "..."}
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.accounts.Signup(r.Context(), service.SignupInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := SignupResponse{
		Message:   "Account created. Check your email to verify your address.",
		User:      toUserResponse(res.User),
		EmailSent: res.EmailErr == nil,
	}
	if res.EmailErr != nil {
		resp.Message = "Account created, but the verification email could not be sent. Request a new one."
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleVerifyLink consumes the token from an emailed link.
//
// HTTP: GET /api/auth/verify/{token}
//
// Browsers land here, so success redirects (303) to VerifySuccessURL when
// one is configured. Failures are always JSON.
func (h *AuthHandler) HandleVerifyLink(w http.ResponseWriter, r *http.Request) {
	user, err := h.accounts.Verify(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if h.cfg.VerifySuccessURL != "" {
		http.Redirect(w, r, h.cfg.VerifySuccessURL, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Email verified. You can now log in.",
		"user":    toUserResponse(user),
	})
}

// HandleVerify accepts either the link token or the emailed code.
//
// HTTP: POST /api/auth/verify
// REQUEST BODY: {"token": "..."} or {"email": "a@x.com", "code": "123456"}
func (h *AuthHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if strings.TrimSpace(req.Token) != "" {
		user, err := h.accounts.Verify(r.Context(), req.Token)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Email verified. You can now log in.",
			"user":    toUserResponse(user),
		})
		return
	}

	// The code path is keyed by a guessable email, so the reply carries no
	// account data.
	if _, err := h.accounts.VerifyCode(r.Context(), req.Email, req.Code); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Email verified. You can now log in."})
}

// HandleResend re-issues the verification email.
//
// HTTP: POST /api/auth/resend-verification
// REQUEST BODY: {"email": "a@x.com"}
func (h *AuthHandler) HandleResend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.accounts.ResendVerification(r.Context(), req.Email); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "A new verification email has been sent."})
}

// HandleResetEmail changes the address of an unverified account.
//
// HTTP: POST /api/auth/reset-email
// REQUEST BODY: {"oldEmail": "a@x.com", "newEmail": "b@x.com"}
func (h *AuthHandler) HandleResetEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldEmail string `json:"oldEmail"`
		NewEmail string `json:"newEmail"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.accounts.ChangeEmailPreVerification(r.Context(), req.OldEmail, req.NewEmail); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Email updated. A verification email has been sent to the new address."})
}

// HandleLogin authenticates and issues a session.
//
// HTTP: POST /api/auth/login
// REQUEST BODY: {"usernameOrEmail": "alice", "password": "..."}
//
// The token is returned in the body for API clients and set as an HttpOnly
// cookie for browsers; RequireAuth accepts either.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UsernameOrEmail string `json:"usernameOrEmail"`
		Username        string `json:"username"`
		Email           string `json:"email"`
		Password        string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	identifier := req.UsernameOrEmail
	if strings.TrimSpace(identifier) == "" {
		identifier = req.Username
	}
	if strings.TrimSpace(identifier) == "" {
		identifier = req.Email
	}

	res, err := h.accounts.Login(r.Context(), identifier, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	http.SetCookie(w, h.sessionCookie(res.Token, res.ExpiresAt))
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     res.Token,
		Username:  res.User.Username,
		ExpiresAt: res.ExpiresAt,
		User:      toUserResponse(res.User),
	})
}

// HandleLogout clears the session cookie. Bearer tokens simply expire.
//
// HTTP: POST /api/auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Logged out."})
}

// HandleMe returns the authenticated account.
//
// HTTP: GET /api/auth/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	user, err := h.accounts.CurrentUser(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// HandleChangePassword replaces the password after re-confirmation.
//
// HTTP: POST /api/auth/change-password
// REQUEST BODY: {"currentPassword": "...", "newPassword": "..."}
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	userID, err := requireUserID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.accounts.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Password changed."})
}

// HandleDeleteAccount removes the account and all of its bots.
//
// HTTP: DELETE /api/auth/account
// REQUEST BODY: {"password": "..."}
func (h *AuthHandler) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	userID, err := requireUserID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.accounts.DeleteAccount(r.Context(), userID, req.Password); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Account deleted."})
}

// sessionCookie builds the HttpOnly cookie carrying the session token.
//
// SameSite=Lax keeps the cookie off cross-site POSTs; the API is also
// protected by CORS, which only allows the configured origins.
func (h *AuthHandler) sessionCookie(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// requireUserID is used by handlers mounted behind RequireAuth; a missing id
// there means the router was wired wrongly.
func requireUserID(r *http.Request) (string, error) {
	id, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return "", apperror.Unauthorized(apperror.CodeUnauthenticated, "valid authentication required")
	}
	return id, nil
}
