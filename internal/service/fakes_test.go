package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sakif/bot-catalog/internal/apperror"
	"github.com/sakif/bot-catalog/internal/auth"
	"github.com/sakif/bot-catalog/internal/mailer"
	"github.com/sakif/bot-catalog/internal/model"
	"github.com/sakif/bot-catalog/internal/repository"
	"github.com/sakif/bot-catalog/internal/storage"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory repository.UserRepository. It stores copies,
// so a service mutating a returned *model.User changes nothing until Update,
// and it enforces the same uniqueness rules as the SQL schema. Delete
// cascades to bots, all or nothing, like the SQL store's transaction.
type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[string]model.User
	nextID int
	bots   *fakeBotRepo

	updateErr error
	deleteErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]model.User)}
}

func (f *fakeUserRepo) clash(u *model.User) error {
	for id, other := range f.users {
		if id == u.ID {
			continue
		}
		if other.Username == u.Username {
			return apperror.Conflict(apperror.CodeUsernameTaken, "username is already taken")
		}
		if other.Email == u.Email {
			return apperror.Conflict(apperror.CodeEmailTaken, "email is already registered")
		}
	}
	return nil
}

func (f *fakeUserRepo) Create(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.clash(u); err != nil {
		return err
	}
	f.nextID++
	u.ID = fmt.Sprintf("user-%d", f.nextID)
	u.CreatedAt = time.Now().UTC()
	u.UpdatedAt = u.CreatedAt
	f.users[u.ID] = clonePending(*u)
	return nil
}

func (f *fakeUserRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	u = clonePending(u)
	return &u, nil
}

func (f *fakeUserRepo) find(match func(model.User) bool, key string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			u = clonePending(u)
			return &u, nil
		}
	}
	return nil, apperror.NotFound("user", key)
}

func (f *fakeUserRepo) FindByUsername(_ context.Context, username string) (*model.User, error) {
	return f.find(func(u model.User) bool { return u.Username == username }, username)
}

func (f *fakeUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	return f.find(func(u model.User) bool { return u.Email == email }, email)
}

func (f *fakeUserRepo) Update(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.users[u.ID]; !ok {
		return apperror.NotFound("user", u.ID)
	}
	if err := f.clash(u); err != nil {
		return err
	}
	u.UpdatedAt = time.Now().UTC()
	f.users[u.ID] = clonePending(*u)
	return nil
}

func (f *fakeUserRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	u, ok := f.users[id]
	if !ok {
		return apperror.NotFound("user", id)
	}
	if f.bots != nil {
		f.bots.mu.Lock()
		for botID, b := range f.bots.bots {
			if b.Owner == u.Username {
				delete(f.bots.bots, botID)
			}
		}
		f.bots.mu.Unlock()
	}
	delete(f.users, id)
	return nil
}

// stored returns the persisted copy of a user, bypassing the service.
func (f *fakeUserRepo) stored(t *testing.T, id string) model.User {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	require.True(t, ok, "user %s not stored", id)
	return clonePending(u)
}

func clonePending(u model.User) model.User {
	if u.Pending != nil {
		p := *u.Pending
		u.Pending = &p
	}
	return u
}

// fakeBotRepo is an in-memory repository.BotRepository.
type fakeBotRepo struct {
	mu   sync.Mutex
	bots map[string]model.Bot
	seq  int

	createErr error
}

func newFakeBotRepo() *fakeBotRepo {
	return &fakeBotRepo{bots: make(map[string]model.Bot)}
}

func (f *fakeBotRepo) Create(_ context.Context, b *model.Bot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if b.ID == "" {
		b.ID = fmt.Sprintf("bot-%d", len(f.bots)+1)
	}
	f.seq++
	// Strictly increasing timestamps keep newest-first ordering deterministic.
	b.CreatedAt = time.Unix(0, 0).Add(time.Duration(f.seq) * time.Second).UTC()
	f.bots[b.ID] = *b
	return nil
}

func (f *fakeBotRepo) GetByID(_ context.Context, id string) (*model.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return nil, apperror.NotFound("bot", id)
	}
	return &b, nil
}

func (f *fakeBotRepo) List(_ context.Context, filter repository.BotFilter) ([]model.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Bot{}
	for _, b := range f.bots {
		if filter.Owner != "" && b.Owner != filter.Owner {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(b.Name), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		out = out[min(filter.Offset, len(out)):]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeBotRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bots[id]; !ok {
		return apperror.NotFound("bot", id)
	}
	delete(f.bots, id)
	return nil
}


// recordingMailer captures every message; fail makes Send return an error.
type recordingMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	fail bool
}

func (m *recordingMailer) Send(_ context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("smtp: connection refused")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

var (
	linkPattern = regexp.MustCompile(`/api/auth/verify/(\S+)`)
	codePattern = regexp.MustCompile(`code: ([0-9]{6})`)
)

// last returns the token and code from the most recent message to addr.
func (m *recordingMailer) last(t *testing.T, addr string) (token, code string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].To != addr {
			continue
		}
		link := linkPattern.FindStringSubmatch(m.sent[i].Text)
		c := codePattern.FindStringSubmatch(m.sent[i].Text)
		require.NotNil(t, link, "no link in message")
		require.NotNil(t, c, "no code in message")
		return link[1], c[1]
	}
	t.Fatalf("no message sent to %s", addr)
	return "", ""
}

// recordingLogos is a LogoStore that remembers stored and removed objects.
type recordingLogos struct {
	mu       sync.Mutex
	stored   map[string]bool
	removed  []string
	storeErr error
}

func newRecordingLogos() *recordingLogos {
	return &recordingLogos{stored: make(map[string]bool)}
}

func (l *recordingLogos) Store(_ context.Context, botID string, img *storage.Image) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.storeErr != nil {
		return "", l.storeErr
	}
	u := "https://cdn.test/" + storage.ObjectKey(botID, img.Ext)
	l.stored[u] = true
	return u, nil
}

func (l *recordingLogos) Remove(_ context.Context, botID, logo string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !strings.HasPrefix(logo, "https://cdn.test/logos/"+botID+".") {
		return nil
	}
	if l.stored[logo] {
		delete(l.stored, logo)
		l.removed = append(l.removed, logo)
	}
	return nil
}

const (
	testSecret   = "test-secret-at-least-16-chars!!"
	testPassword = "correct-horse-battery"
	testAdmin    = "admin"
)

// testEnv bundles both services over shared fakes.
type testEnv struct {
	users    *fakeUserRepo
	bots     *fakeBotRepo
	mail     *recordingMailer
	logos    *recordingLogos
	sessions *auth.TokenService
	verifier *auth.TokenService
	accounts *AccountService
	catalog  *CatalogService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sessions, err := auth.NewTokenService(testSecret, auth.AudienceSession, auth.DefaultSessionTTL)
	require.NoError(t, err)
	verifier, err := auth.NewTokenService(testSecret, auth.AudienceVerification, auth.DefaultVerificationTTL)
	require.NoError(t, err)
	renderer, err := mailer.NewRenderer("Test Catalog")
	require.NoError(t, err)

	env := &testEnv{
		users:    newFakeUserRepo(),
		bots:     newFakeBotRepo(),
		mail:     &recordingMailer{},
		logos:    newRecordingLogos(),
		sessions: sessions,
		verifier: verifier,
	}
	env.users.bots = env.bots
	env.accounts = NewAccountService(AccountDeps{
		Users:         env.users,
		Bots:          env.bots,
		Logos:         env.logos,
		Sessions:      sessions,
		Verifications: verifier,
		// Cost 4 is the bcrypt minimum; keeps tests fast.
		Passwords: auth.NewPasswordServiceForTest(4),
		Mailer:    env.mail,
		Renderer:  renderer,
	}, AccountConfig{PublicBaseURL: "http://catalog.test"}, discardLogger())
	env.catalog = NewCatalogService(env.bots, env.accounts, env.logos, nil,
		CatalogConfig{AdminUsername: testAdmin}, discardLogger())
	return env
}

// signup creates an unverified account and returns it.
func (e *testEnv) signup(t *testing.T, username, email string) *model.User {
	t.Helper()
	res, err := e.accounts.Signup(context.Background(), SignupInput{
		Username: username,
		Email:    email,
		Password: testPassword,
	})
	require.NoError(t, err)
	require.NoError(t, res.EmailErr)
	return res.User
}

// verifiedUser creates an account and verifies it through its emailed link.
func (e *testEnv) verifiedUser(t *testing.T, username string) *model.User {
	t.Helper()
	email := username + "@example.com"
	e.signup(t, username, email)
	token, _ := e.mail.last(t, email)
	u, err := e.accounts.Verify(context.Background(), token)
	require.NoError(t, err)
	require.True(t, u.Verified)
	return u
}

// requireCode asserts err is an AppError of the given kind and code.
func requireCode(t *testing.T, err error, kind error, code string) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	require.Equal(t, code, apperror.CodeOf(err), "error: %v", err)
}
