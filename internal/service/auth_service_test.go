package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brightboard/auth-service/internal/config"
	"github.com/brightboard/auth-service/internal/models"
	"github.com/brightboard/auth-service/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memDirectory struct {
	mu    sync.Mutex
	users map[string]*models.User // keyed by ID
}

func newMemDirectory() *memDirectory {
	return &memDirectory{users: make(map[string]*models.User)}
}

func (d *memDirectory) Create(_ context.Context, user *models.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Username == user.Username {
			return repository.ErrUsernameTaken
		}
		if u.Email == user.Email {
			return repository.ErrEmailTaken
		}
	}
	copied := *user
	d.users[user.ID] = &copied
	return nil
}

func (d *memDirectory) FindByID(_ context.Context, id string) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, repository.ErrUserNotFound
}

func (d *memDirectory) FindByUsername(_ context.Context, username string) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Username == username {
			copied := *u
			return &copied, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (d *memDirectory) FindByEmail(_ context.Context, email string) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (d *memDirectory) UpdatePassword(_ context.Context, id, passwordHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

// memTokenStore mirrors the DynamoDB repository semantics: per-row atomic
// writes and a single-winner compare-and-swap on the revocation timestamp.
type memTokenStore struct {
	mu    sync.Mutex
	rows  map[string]*models.RefreshToken
	clock *testClock
}

func newMemTokenStore(clock *testClock) *memTokenStore {
	return &memTokenStore{rows: make(map[string]*models.RefreshToken), clock: clock}
}

func (s *memTokenStore) Create(_ context.Context, userID, token string, validity time.Duration) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	rt := &models.RefreshToken{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(validity),
	}
	s.rows[token] = rt
	copied := *rt
	return &copied, nil
}

func (s *memTokenStore) FindByToken(_ context.Context, token string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.rows[token]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	copied := *rt
	return &copied, nil
}

func (s *memTokenStore) Revoke(_ context.Context, token, replacedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.rows[token]
	if !ok {
		return repository.ErrTokenNotFound
	}
	if rt.RevokedAt != nil {
		return repository.ErrTokenRevoked
	}
	now := s.clock.Now()
	rt.RevokedAt = &now
	rt.ReplacedByToken = replacedBy
	return nil
}

func (s *memTokenStore) PurgeExpired(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for token, rt := range s.rows {
		if rt.UserID == userID && !rt.ExpiresAt.After(now) {
			delete(s.rows, token)
		}
	}
	return nil
}

func newTestAuthService(t *testing.T) (*AuthService, *memDirectory, *memTokenStore, *testClock) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := &config.JWTConfig{
		SecretKey:     "0123456789abcdef0123456789abcdef",
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: 7 * 24 * time.Hour,
	}

	jwtService, err := NewJWTService(cfg, logger)
	require.NoError(t, err)

	clock := newTestClock()
	jwtService.now = clock.Now

	dir := newMemDirectory()
	store := newMemTokenStore(clock)

	svc := NewAuthService(dir, store, jwtService, cfg, logger)
	svc.now = clock.Now

	return svc, dir, store, clock
}

func registerAlice(t *testing.T, svc *AuthService) (*models.User, *models.TokenPair) {
	t.Helper()
	user, pair, err := svc.Register(context.Background(), RegisterParams{
		Username:  "alice",
		Email:     "alice@example.com",
		Password:  "pw123!secret",
		FirstName: "Alice",
		LastName:  "Nguyen",
	})
	require.NoError(t, err)
	return user, pair
}

func TestRegisterIssuesActiveRefreshToken(t *testing.T) {
	svc, _, store, clock := newTestAuthService(t)

	user, pair := registerAlice(t, svc)

	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, []string{models.DefaultRole}, user.Roles)
	assert.Contains(t, user.AvatarURL, "ui-avatars.com")

	rt, err := store.FindByToken(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, rt.IsActive(clock.Now()))
	assert.Equal(t, rt.CreatedAt.Add(7*24*time.Hour), rt.ExpiresAt)
	assert.Equal(t, user.ID, rt.UserID)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)

	registerAlice(t, svc)

	_, _, err := svc.Register(context.Background(), RegisterParams{
		Username: "alice",
		Email:    "other@example.com",
		Password: "pw123!secret",
	})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, _, err = svc.Register(context.Background(), RegisterParams{
		Username: "alice2",
		Email:    "alice@example.com",
		Password: "pw123!secret",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRefreshRotatesExactlyOnce(t *testing.T) {
	svc, _, store, _ := newTestAuthService(t)
	ctx := context.Background()

	user, pair := registerAlice(t, svc)
	r1 := pair.RefreshToken

	refreshedUser, pair2, err := svc.Refresh(ctx, r1)
	require.NoError(t, err)
	assert.Equal(t, user.ID, refreshedUser.ID)
	require.NotEqual(t, r1, pair2.RefreshToken)

	// The old row is Rotated: revoked and chained to its successor.
	old, err := store.FindByToken(ctx, r1)
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)
	assert.Equal(t, pair2.RefreshToken, old.ReplacedByToken)

	// Replaying the consumed token fails.
	_, _, err = svc.Refresh(ctx, r1)
	assert.ErrorIs(t, err, ErrTokenNotActive)

	// The successor is live.
	_, _, err = svc.Refresh(ctx, pair2.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	svc, _, store, _ := newTestAuthService(t)
	ctx := context.Background()

	_, pair := registerAlice(t, svc)

	const callers = 8
	results := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)

	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			_, _, err := svc.Refresh(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	start.Done()

	var wins, losses int
	for i := 0; i < callers; i++ {
		err := <-results
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrTokenNotActive)
			losses++
		}
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, losses)

	old, err := store.FindByToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)
	require.NotEmpty(t, old.ReplacedByToken)

	// Only the winner's successor row exists.
	succ, err := store.FindByToken(ctx, old.ReplacedByToken)
	require.NoError(t, err)
	assert.Nil(t, succ.RevokedAt)
}

func TestRefreshExpiredTokenFails(t *testing.T) {
	svc, _, store, clock := newTestAuthService(t)
	ctx := context.Background()

	_, pair := registerAlice(t, svc)

	clock.Advance(7*24*time.Hour + time.Minute)

	_, _, err := svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenNotActive)

	// Expiry alone makes it inactive; it was never revoked.
	rt, err := store.FindByToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Nil(t, rt.RevokedAt)
}

func TestRefreshUnknownTokenFails(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)

	_, _, err := svc.Refresh(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrTokenNotActive)
}

func TestLoginPurgesOnlyOwnExpiredTokens(t *testing.T) {
	svc, _, store, clock := newTestAuthService(t)
	ctx := context.Background()

	alice, _ := registerAlice(t, svc)
	bob, _, err := svc.Register(ctx, RegisterParams{
		Username: "bob",
		Email:    "bob@example.com",
		Password: "pw123!secret",
	})
	require.NoError(t, err)

	// Plant short-lived tokens for both users, then let them expire.
	_, err = store.Create(ctx, alice.ID, "alice-stale", time.Minute)
	require.NoError(t, err)
	_, err = store.Create(ctx, bob.ID, "bob-stale", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, _, err = svc.Login(ctx, "alice", "pw123!secret")
	require.NoError(t, err)

	_, err = store.FindByToken(ctx, "alice-stale")
	assert.ErrorIs(t, err, repository.ErrTokenNotFound)

	// Bob's expired token is untouched by Alice's login.
	_, err = store.FindByToken(ctx, "bob-stale")
	assert.NoError(t, err)
}

func TestLoginMismatchesCollapse(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)
	ctx := context.Background()

	registerAlice(t, svc)

	_, _, errUnknown := svc.Login(ctx, "nonexistent", "x")
	_, _, errWrongPw := svc.Login(ctx, "alice", "wrongpw")

	require.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	require.ErrorIs(t, errWrongPw, ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrongPw.Error())
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, _, store, _ := newTestAuthService(t)
	ctx := context.Background()

	_, pair := registerAlice(t, svc)

	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))

	// Orphan-Revoked: revoked with no successor.
	rt, err := store.FindByToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, rt.RevokedAt)
	assert.Empty(t, rt.ReplacedByToken)

	// Second logout and unknown tokens are not errors.
	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))
	require.NoError(t, svc.Logout(ctx, "no-such-token"))

	_, _, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenNotActive)
}

func TestOpaqueTokenEntropy(t *testing.T) {
	a, err := newOpaqueToken()
	require.NoError(t, err)
	b, err := newOpaqueToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	// 64 bytes of randomness, base64url without padding.
	assert.Len(t, a, 86)
}

func TestRefreshAfterPasswordResetStillWorks(t *testing.T) {
	// Resetting a password does not revoke outstanding refresh tokens; the
	// flows are independent by design.
	svc, dir, _, _ := newTestAuthService(t)
	ctx := context.Background()

	user, pair := registerAlice(t, svc)

	require.NoError(t, dir.UpdatePassword(ctx, user.ID, "some-new-hash"))

	_, _, err := svc.Refresh(ctx, pair.RefreshToken)
	assert.NoError(t, err)
}
