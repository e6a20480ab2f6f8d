package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/brightboard/auth-service/internal/config"
	"github.com/brightboard/auth-service/internal/models"
	"github.com/brightboard/auth-service/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// opaqueTokenBytes is the amount of randomness behind each refresh token.
// 64 bytes, base64url-encoded. Not a tunable.
const opaqueTokenBytes = 64

// AuthService implements the rotation protocol: registration, credential
// login, and refresh-token rotation with single-winner revocation.
type AuthService struct {
	users         repository.UserDirectory
	tokens        repository.TokenStore
	jwt           *JWTService
	refreshExpiry time.Duration
	logger        *logrus.Logger
	now           func() time.Time
}

func NewAuthService(
	users repository.UserDirectory,
	tokens repository.TokenStore,
	jwtService *JWTService,
	cfg *config.JWTConfig,
	logger *logrus.Logger,
) *AuthService {
	return &AuthService{
		users:         users,
		tokens:        tokens,
		jwt:           jwtService,
		refreshExpiry: cfg.RefreshExpiry,
		logger:        logger,
		now:           time.Now,
	}
}

type RegisterParams struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates the identity with the default role and issues the first
// token pair. Duplicate username or email surfaces as a validation failure.
func (s *AuthService) Register(ctx context.Context, p RegisterParams) (*models.User, *models.TokenPair, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     p.Username,
		Email:        p.Email,
		PasswordHash: string(hash),
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		AvatarURL:    avatarURL(p.FirstName, p.LastName),
		Roles:        []string{models.DefaultRole},
	}

	if err := s.users.Create(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrUsernameTaken):
			return nil, nil, ErrUsernameTaken
		case errors.Is(err, repository.ErrEmailTaken):
			return nil, nil, ErrEmailTaken
		}
		return nil, nil, err
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	s.logger.WithField("user_id", user.ID).Info("User registered")
	return user, pair, nil
}

// Login verifies the credential pair and issues a fresh token pair. Expired
// tokens belonging to this user (and only this user) are purged on the way.
func (s *AuthService) Login(ctx context.Context, username, password string) (*models.User, *models.TokenPair, error) {
	user, err := s.verifyCredentials(ctx, username, password)
	if err != nil {
		return nil, nil, err
	}

	if err := s.tokens.PurgeExpired(ctx, user.ID); err != nil {
		// Cleanup is opportunistic; a failed purge must not block the login.
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("Failed to purge expired tokens")
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	return user, pair, nil
}

// Refresh rotates an active refresh token: the presented token is claimed
// atomically (exactly one concurrent caller wins), its successor is recorded
// on the old row, and a new pair is issued for the same user.
func (s *AuthService) Refresh(ctx context.Context, presented string) (*models.User, *models.TokenPair, error) {
	rt, err := s.tokens.FindByToken(ctx, presented)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return nil, nil, ErrTokenNotActive
		}
		return nil, nil, err
	}

	if !rt.IsActive(s.now()) {
		return nil, nil, ErrTokenNotActive
	}

	successor, err := newOpaqueToken()
	if err != nil {
		return nil, nil, err
	}

	// Single atomic claim. The successor row is only written after the old
	// token is ours, so a losing racer leaves no state behind.
	if err := s.tokens.Revoke(ctx, presented, successor); err != nil {
		if errors.Is(err, repository.ErrTokenRevoked) {
			return nil, nil, ErrTokenNotActive
		}
		return nil, nil, err
	}

	if _, err := s.tokens.Create(ctx, rt.UserID, successor, s.refreshExpiry); err != nil {
		return nil, nil, err
	}

	user, err := s.users.FindByID(ctx, rt.UserID)
	if err != nil {
		return nil, nil, err
	}

	access, err := s.jwt.Issue(user)
	if err != nil {
		return nil, nil, err
	}

	return user, &models.TokenPair{
		AccessToken:  access,
		RefreshToken: successor,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.jwt.AccessExpiry().Seconds()),
	}, nil
}

// Logout revokes the presented refresh token with no successor. Idempotent:
// an already-dead or unknown token is not an error.
func (s *AuthService) Logout(ctx context.Context, presented string) error {
	err := s.tokens.Revoke(ctx, presented, "")
	if err != nil && !errors.Is(err, repository.ErrTokenRevoked) && !errors.Is(err, repository.ErrTokenNotFound) {
		return err
	}
	return nil
}

func (s *AuthService) verifyCredentials(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

func (s *AuthService) issuePair(ctx context.Context, user *models.User) (*models.TokenPair, error) {
	access, err := s.jwt.Issue(user)
	if err != nil {
		return nil, err
	}

	opaque, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}

	if _, err := s.tokens.Create(ctx, user.ID, opaque, s.refreshExpiry); err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:  access,
		RefreshToken: opaque,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.jwt.AccessExpiry().Seconds()),
	}, nil
}

func newOpaqueToken() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func avatarURL(firstName, lastName string) string {
	name := firstName + " " + lastName
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(name)
}
