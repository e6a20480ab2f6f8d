package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/brightboard/auth-service/internal/config"
	"github.com/brightboard/auth-service/internal/notify"
	"github.com/brightboard/auth-service/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const resetCredentialBytes = 32

// ResetService issues and redeems single-use password-reset credentials.
// Independent of the refresh-token chain: confirming a reset does not touch
// any outstanding refresh tokens.
type ResetService struct {
	client *redis.Client
	users  repository.UserDirectory
	mailer notify.Mailer
	expiry time.Duration
	logger *logrus.Logger
}

func NewResetService(
	client *redis.Client,
	users repository.UserDirectory,
	mailer notify.Mailer,
	cfg *config.ResetConfig,
	logger *logrus.Logger,
) *ResetService {
	return &ResetService{
		client: client,
		users:  users,
		mailer: mailer,
		expiry: cfg.Expiry,
		logger: logger,
	}
}

func resetKey(email string) string {
	return "pwreset:" + email
}

// Request mints a credential for the account behind email and dispatches it.
// The credential hash is committed before dispatch, so a dispatch failure is
// surfaced to this call only and does not invalidate the stored credential.
func (s *ResetService) Request(ctx context.Context, email string) error {
	if _, err := s.users.FindByEmail(ctx, email); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrEmailNotFound
		}
		return err
	}

	buf := make([]byte, resetCredentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("failed to generate reset credential: %w", err)
	}
	credential := base64.RawURLEncoding.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash reset credential: %w", err)
	}

	if err := s.client.Set(ctx, resetKey(email), string(hash), s.expiry).Err(); err != nil {
		s.logger.WithError(err).Error("Failed to store reset credential")
		return fmt.Errorf("failed to store reset credential: %w", err)
	}

	if err := s.mailer.SendPasswordReset(ctx, email, credential); err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	return nil
}

// Confirm redeems the credential exactly once and replaces the password.
// GETDEL claims the stored hash atomically, so two racing confirms cannot
// both redeem; a wrong credential also consumes the claim.
func (s *ResetService) Confirm(ctx context.Context, email, credential, newPassword string) error {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrResetInvalid
		}
		return err
	}

	hash, err := s.client.GetDel(ctx, resetKey(email)).Result()
	if err == redis.Nil {
		return ErrResetInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to claim reset credential: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)); err != nil {
		return ErrResetInvalid
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash new password: %w", err)
	}

	if err := s.users.UpdatePassword(ctx, user.ID, string(newHash)); err != nil {
		return err
	}

	s.logger.WithField("user_id", user.ID).Info("Password reset completed")
	return nil
}
