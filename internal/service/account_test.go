package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/bot-catalog/internal/apperror"
	"github.com/sakif/bot-catalog/internal/model"
)

// =========================================================================
// SIGNUP TESTS
// =========================================================================

func TestSignup_CreatesUnverifiedUserWithOnePendingVerification(t *testing.T) {
	env := newTestEnv(t)

	user := env.signup(t, "alice", "a@x.com")

	stored := env.users.stored(t, user.ID)
	assert.False(t, stored.Verified)
	require.NotNil(t, stored.Pending)
	assert.NotEmpty(t, stored.Pending.TokenID)
	assert.NotEmpty(t, stored.Pending.CodeHash)
	assert.NotEqual(t, testPassword, stored.PasswordHash, "password must be hashed")
	assert.Equal(t, 1, env.mail.count())

	token, code := env.mail.last(t, "a@x.com")
	claims, err := env.verifier.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, stored.Pending.TokenID, claims.TokenID)
	assert.Len(t, code, 6)
}

func TestSignup_NormalisesInput(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.accounts.Signup(context.Background(), SignupInput{
		Username: "  bob ",
		Email:    " Bob@Example.COM ",
		Password: testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", res.User.Username)
	assert.Equal(t, "bob@example.com", res.User.Email)
}

func TestSignup_Validation(t *testing.T) {
	tests := []struct {
		name  string
		in    SignupInput
		code  string
		field string
	}{
		{"blank username", SignupInput{"", "a@x.com", testPassword}, apperror.CodeMissingFields, "username"},
		{"blank email", SignupInput{"alice", "  ", testPassword}, apperror.CodeMissingFields, "email"},
		{"blank password", SignupInput{"alice", "a@x.com", ""}, apperror.CodeMissingFields, "password"},
		{"short username", SignupInput{"al", "a@x.com", testPassword}, apperror.CodeInvalidInput, "username"},
		{"bad username chars", SignupInput{"al ice", "a@x.com", testPassword}, apperror.CodeInvalidInput, "username"},
		{"bad email", SignupInput{"alice", "not-an-email", testPassword}, apperror.CodeInvalidInput, "email"},
		{"display-name email", SignupInput{"alice", "Alice <a@x.com>", testPassword}, apperror.CodeInvalidInput, "email"},
		{"short password", SignupInput{"alice", "a@x.com", "short"}, apperror.CodeInvalidInput, "password"},
		{"long password", SignupInput{"alice", "a@x.com", strings.Repeat("p", 73)}, apperror.CodeInvalidInput, "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.accounts.Signup(context.Background(), tt.in)
			requireCode(t, err, apperror.ErrValidation, tt.code)

			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)
			assert.Empty(t, env.users.users, "nothing may be stored")
			assert.Zero(t, env.mail.count())
		})
	}
}

func TestSignup_DuplicatesCreateNoRecord(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "a@x.com")

	_, err := env.accounts.Signup(context.Background(), SignupInput{"alice", "other@x.com", testPassword})
	requireCode(t, err, apperror.ErrConflict, apperror.CodeUsernameTaken)

	_, err = env.accounts.Signup(context.Background(), SignupInput{"alice2", "A@X.com", testPassword})
	requireCode(t, err, apperror.ErrConflict, apperror.CodeEmailTaken)

	assert.Len(t, env.users.users, 1)
	assert.Equal(t, 1, env.mail.count())
}

func TestSignup_ConcurrentSameUsernameOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		conflict int
	)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.accounts.Signup(context.Background(), SignupInput{
				Username: "racer",
				Email:    "racer" + string(rune('a'+i)) + "@x.com",
				Password: testPassword,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperror.CodeOf(err) == apperror.CodeUsernameTaken:
				conflict++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflict)
	assert.Len(t, env.users.users, 1)
}

func TestSignup_DispatchFailureKeepsAccount(t *testing.T) {
	env := newTestEnv(t)
	env.mail.setFail(true)

	res, err := env.accounts.Signup(context.Background(), SignupInput{"alice", "a@x.com", testPassword})
	require.NoError(t, err)
	requireCode(t, res.EmailErr, apperror.ErrDependency, apperror.CodeEmailDispatchFailed)

	stored := env.users.stored(t, res.User.ID)
	assert.False(t, stored.Verified)
	assert.NotNil(t, stored.Pending)

	// Resend is the recovery path.
	env.mail.setFail(false)
	require.NoError(t, env.accounts.ResendVerification(context.Background(), "a@x.com"))
	assert.Equal(t, 1, env.mail.count())
}

// =========================================================================
// VERIFY TESTS
// =========================================================================

func TestVerify_LinkVerifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "alice", "a@x.com")
	token, _ := env.mail.last(t, "a@x.com")

	got, err := env.accounts.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, got.Verified)

	stored := env.users.stored(t, user.ID)
	assert.True(t, stored.Verified)
	assert.Nil(t, stored.Pending)

	// A second use of the same link is a no-op, never an un-verify.
	again, err := env.accounts.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, again.Verified)
	assert.True(t, env.users.stored(t, user.ID).Verified)
}

func TestVerify_RejectsBadTokensWithoutChangingState(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "alice", "a@x.com")
	token, _ := env.mail.last(t, "a@x.com")

	expired, err := env.verifier.GenerateWithDuration(user.ID, -time.Minute)
	require.NoError(t, err)
	session, err := env.sessions.Generate(user.ID)
	require.NoError(t, err)
	unknownSubject, err := env.verifier.GenerateWithID("user-404", "jti")
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "xx"
	if tampered == token {
		tampered = token[:len(token)-2] + "yy"
	}

	for name, bad := range map[string]string{
		"tampered":        tampered,
		"expired":         expired,
		"session token":   session,
		"unknown subject": unknownSubject,
		"garbage":         "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.accounts.Verify(context.Background(), bad)
			requireCode(t, err, apperror.ErrExpiredToken, apperror.CodeInvalidOrExpiredToken)

			stored := env.users.stored(t, user.ID)
			assert.False(t, stored.Verified)
			assert.NotNil(t, stored.Pending)
		})
	}
}

func TestVerify_BlankToken(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.accounts.Verify(context.Background(), " ")
	requireCode(t, err, apperror.ErrValidation, apperror.CodeMissingFields)
}

func TestVerifyCode(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "alice", "a@x.com")
	_, code := env.mail.last(t, "a@x.com")

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err := env.accounts.VerifyCode(context.Background(), "a@x.com", wrong)
	requireCode(t, err, apperror.ErrExpiredToken, apperror.CodeInvalidOrExpiredToken)

	_, err = env.accounts.VerifyCode(context.Background(), "a@x.com", "12ab")
	requireCode(t, err, apperror.ErrExpiredToken, apperror.CodeInvalidOrExpiredToken)

	_, err = env.accounts.VerifyCode(context.Background(), "nobody@x.com", code)
	requireCode(t, err, apperror.ErrExpiredToken, apperror.CodeInvalidOrExpiredToken)
	assert.False(t, env.users.stored(t, user.ID).Verified)

	got, err := env.accounts.VerifyCode(context.Background(), " A@x.com ", code)
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.Nil(t, env.users.stored(t, user.ID).Pending)
}

func TestVerifyCode_VerifiedAccountIsIndistinguishableFromUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.verifiedUser(t, "alice")

	got, err := env.accounts.VerifyCode(context.Background(), "alice@example.com", "111111")
	requireCode(t, err, apperror.ErrExpiredToken, apperror.CodeInvalidOrExpiredToken)
	assert.Nil(t, got)

	_, unknownErr := env.accounts.VerifyCode(context.Background(), "ghost@example.com", "111111")
	assert.Equal(t, unknownErr.Error(), err.Error())
}

func TestVerifyCode_Expired(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "alice", "a@x.com")
	_, code := env.mail.last(t, "a@x.com")

	env.accounts.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, err := env.accounts.VerifyCode(context.Background(), "a@x.com", code)
	requireCode(t, err, apperror.ErrExpiredToken, apperror.CodeInvalidOrExpiredToken)
	assert.False(t, env.users.stored(t, user.ID).Verified)
}

// =========================================================================
// RESEND AND CHANGE EMAIL TESTS
// =========================================================================

func TestResendVerification_InvalidatesEarlierTokenAndCode(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "a@x.com")
	first, firstCode := env.mail.last(t, "a@x.com")

	require.NoError(t, env.accounts.ResendVerification(context.Background(), "a@x.com"))
	require.NoError(t, env.accounts.ResendVerification(context.Background(), "a@x.com"))
	latest, _ := env.mail.last(t, "a@x.com")
	require.NotEqual(t, first, latest)

	_, err := env.accounts.Verify(context.Background(), first)
	requireCode(t, err, apperror.ErrExpiredToken, apperror.CodeInvalidOrExpiredToken)
	_, err = env.accounts.VerifyCode(context.Background(), "a@x.com", firstCode)
	if err == nil {
		t.Fatal("VerifyCode() accepted a superseded code")
	}

	_, err = env.accounts.Verify(context.Background(), latest)
	require.NoError(t, err)
}

func TestResendVerification_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.verifiedUser(t, "alice")

	err := env.accounts.ResendVerification(context.Background(), "nobody@x.com")
	requireCode(t, err, apperror.ErrNotFound, apperror.CodeUserNotFound)

	err = env.accounts.ResendVerification(context.Background(), "alice@example.com")
	requireCode(t, err, apperror.ErrConflict, apperror.CodeAlreadyVerified)

	err = env.accounts.ResendVerification(context.Background(), "")
	requireCode(t, err, apperror.ErrValidation, apperror.CodeMissingFields)
}

func TestResendVerification_DispatchFailureStillReissues(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "alice", "a@x.com")
	before := env.users.stored(t, user.ID).Pending.TokenID

	env.mail.setFail(true)
	err := env.accounts.ResendVerification(context.Background(), "a@x.com")
	requireCode(t, err, apperror.ErrDependency, apperror.CodeEmailDispatchFailed)

	assert.NotEqual(t, before, env.users.stored(t, user.ID).Pending.TokenID)
}

func TestChangeEmailPreVerification(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "alice", "a@x.com")
	oldToken, _ := env.mail.last(t, "a@x.com")

	require.NoError(t, env.accounts.ChangeEmailPreVerification(context.Background(), "a@x.com", "new@x.com"))

	stored := env.users.stored(t, user.ID)
	assert.Equal(t, "new@x.com", stored.Email)
	assert.False(t, stored.Verified)

	_, err := env.accounts.Verify(context.Background(), oldToken)
	requireCode(t, err, apperror.ErrExpiredToken, apperror.CodeInvalidOrExpiredToken)

	newToken, _ := env.mail.last(t, "new@x.com")
	_, err = env.accounts.Verify(context.Background(), newToken)
	require.NoError(t, err)
}

func TestChangeEmailPreVerification_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "a@x.com")
	env.signup(t, "carol", "c@x.com")
	env.verifiedUser(t, "bob")

	tests := []struct {
		name     string
		old, new string
		kind     error
		code     string
	}{
		{"missing new", "a@x.com", "", apperror.ErrValidation, apperror.CodeMissingFields},
		{"invalid new", "a@x.com", "nope", apperror.ErrValidation, apperror.CodeInvalidInput},
		{"unknown old", "zed@x.com", "z@x.com", apperror.ErrNotFound, apperror.CodeUserNotFound},
		{"already verified", "bob@example.com", "b2@x.com", apperror.ErrConflict, apperror.CodeAlreadyVerified},
		{"taken", "a@x.com", "c@x.com", apperror.ErrConflict, apperror.CodeEmailTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.accounts.ChangeEmailPreVerification(context.Background(), tt.old, tt.new)
			requireCode(t, err, tt.kind, tt.code)
		})
	}

	u, err := env.users.FindByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

// =========================================================================
// LOGIN TESTS
// =========================================================================

func TestLogin_ByUsernameOrEmail(t *testing.T) {
	env := newTestEnv(t)
	user := env.verifiedUser(t, "alice")

	for _, id := range []string{"alice", "alice@example.com", " ALICE@example.com "} {
		res, err := env.accounts.Login(context.Background(), id, testPassword)
		require.NoError(t, err, id)
		assert.Equal(t, user.ID, res.User.ID)
		assert.True(t, res.ExpiresAt.After(time.Now()))

		claims, err := env.sessions.Validate(res.Token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, claims.Subject)
	}
}

func TestLogin_DoesNotRevealWhichHalfWasWrong(t *testing.T) {
	env := newTestEnv(t)
	env.verifiedUser(t, "alice")

	_, unknownErr := env.accounts.Login(context.Background(), "nobody", testPassword)
	_, wrongErr := env.accounts.Login(context.Background(), "alice", "wrong-password")

	requireCode(t, unknownErr, apperror.ErrAuth, apperror.CodeInvalidCredentials)
	requireCode(t, wrongErr, apperror.ErrAuth, apperror.CodeInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
}

func TestLogin_UnverifiedAccount(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "a@x.com")

	_, err := env.accounts.Login(context.Background(), "alice", testPassword)
	requireCode(t, err, apperror.ErrForbidden, apperror.CodeEmailNotVerified)

	// Wrong password on an unverified account still says nothing more.
	_, err = env.accounts.Login(context.Background(), "alice", "wrong-password")
	requireCode(t, err, apperror.ErrAuth, apperror.CodeInvalidCredentials)
}

func TestLogin_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.accounts.Login(context.Background(), "", testPassword)
	requireCode(t, err, apperror.ErrValidation, apperror.CodeMissingFields)
	_, err = env.accounts.Login(context.Background(), "alice", "")
	requireCode(t, err, apperror.ErrValidation, apperror.CodeMissingFields)
}

// =========================================================================
// REAUTHENTICATE, CHANGE PASSWORD AND DELETE ACCOUNT TESTS
// =========================================================================

func TestReauthenticate(t *testing.T) {
	env := newTestEnv(t)
	user := env.verifiedUser(t, "alice")

	got, err := env.accounts.Reauthenticate(context.Background(), user.ID, testPassword)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	_, err = env.accounts.Reauthenticate(context.Background(), user.ID, "wrong-password")
	requireCode(t, err, apperror.ErrAuth, apperror.CodeInvalidCredentials)

	_, err = env.accounts.Reauthenticate(context.Background(), user.ID, "")
	requireCode(t, err, apperror.ErrValidation, apperror.CodeMissingFields)

	_, err = env.accounts.Reauthenticate(context.Background(), "user-404", testPassword)
	requireCode(t, err, apperror.ErrAuth, apperror.CodeUnauthenticated)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	user := env.verifiedUser(t, "alice")

	err := env.accounts.ChangePassword(context.Background(), user.ID, "wrong-password", "new-password-1")
	requireCode(t, err, apperror.ErrAuth, apperror.CodeInvalidCredentials)

	err = env.accounts.ChangePassword(context.Background(), user.ID, testPassword, "short")
	requireCode(t, err, apperror.ErrValidation, apperror.CodeInvalidInput)

	require.NoError(t, env.accounts.ChangePassword(context.Background(), user.ID, testPassword, "new-password-1"))

	_, err = env.accounts.Login(context.Background(), "alice", testPassword)
	requireCode(t, err, apperror.ErrAuth, apperror.CodeInvalidCredentials)
	_, err = env.accounts.Login(context.Background(), "alice", "new-password-1")
	require.NoError(t, err)
}

func TestDeleteAccount_CascadesToBots(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verifiedUser(t, "alice")
	bob := env.verifiedUser(t, "bob")

	aliceBot := createBot(t, env, alice, "Alice Bot", pngDataURL)
	createBot(t, env, bob, "Bob Bot", "https://example.com/bob.png")

	err := env.accounts.DeleteAccount(context.Background(), alice.ID, "wrong-password")
	requireCode(t, err, apperror.ErrAuth, apperror.CodeInvalidCredentials)
	assert.Len(t, env.bots.bots, 2)

	require.NoError(t, env.accounts.DeleteAccount(context.Background(), alice.ID, testPassword))

	_, err = env.users.GetByID(context.Background(), alice.ID)
	require.ErrorIs(t, err, apperror.ErrNotFound)

	remaining, err := env.catalog.List(context.Background(), filterAll())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "bob", remaining[0].Owner)
	assert.Equal(t, []string{aliceBot.Logo}, env.logos.removed)
}

func TestDeleteAccount_StoreFailureKeepsBots(t *testing.T) {
	env := newTestEnv(t)
	alice := env.verifiedUser(t, "alice")
	bot := createBot(t, env, alice, "Alice Bot", pngDataURL)

	env.users.deleteErr = errors.New("database is locked")
	err := env.accounts.DeleteAccount(context.Background(), alice.ID, testPassword)
	require.Error(t, err)

	env.users.stored(t, alice.ID)
	_, err = env.catalog.Get(context.Background(), bot.ID)
	require.NoError(t, err, "bots must survive a failed account deletion")
	assert.True(t, env.logos.stored[bot.Logo])
	assert.Empty(t, env.logos.removed)
}

// =========================================================================
// END-TO-END
// =========================================================================

func TestSignupVerifyLoginCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.accounts.Signup(ctx, SignupInput{"alice", "a@x.com", "pw123456"})
	require.NoError(t, err)
	require.NoError(t, res.EmailErr)

	token, _ := env.mail.last(t, "a@x.com")
	_, err = env.accounts.Verify(ctx, token)
	require.NoError(t, err)

	login, err := env.accounts.Login(ctx, "alice", "pw123456")
	require.NoError(t, err)
	require.NotEmpty(t, login.Token)

	claims, err := env.sessions.Validate(login.Token)
	require.NoError(t, err)

	bot, err := env.catalog.Create(ctx, CreateBotInput{
		Name:            "Helper",
		RepositoryURL:   "https://github.com/alice/helper",
		Logo:            "https://example.com/logo.png",
		ActingUserID:    claims.Subject,
		ConfirmPassword: "pw123456",
	})
	require.NoError(t, err)

	bots, err := env.catalog.List(ctx, filterAll())
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, bot.ID, bots[0].ID)
	assert.Equal(t, "alice", bots[0].Owner)
}

// createBot publishes a bot as owner and returns it.
func createBot(t *testing.T, env *testEnv, owner *model.User, name, logo string) *model.Bot {
	t.Helper()
	bot, err := env.catalog.Create(context.Background(), CreateBotInput{
		Name:            name,
		RepositoryURL:   "https://github.com/" + owner.Username + "/bot",
		Logo:            logo,
		ActingUserID:    owner.ID,
		ConfirmPassword: testPassword,
	})
	require.NoError(t, err)
	return bot
}
