package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/brightboard/auth-service/internal/models"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already taken")
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenRevoked is returned by Revoke when the token was already claimed
	// by another writer. Exactly one Revoke call per token can ever succeed.
	ErrTokenRevoked = errors.New("refresh token already revoked")
)

// DynamoAPI is the slice of the DynamoDB client the repositories use.
// *dynamodb.Client satisfies it; tests substitute a fake.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// UserDirectory is the slice of the platform user directory this service
// consumes: lookups, account creation and password replacement.
type UserDirectory interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// TokenStore persists refresh tokens and their rotation chain. All writes are
// atomic per token row; Revoke is a single-winner compare-and-swap on the
// revocation timestamp.
type TokenStore interface {
	Create(ctx context.Context, userID, token string, validity time.Duration) (*models.RefreshToken, error)
	FindByToken(ctx context.Context, token string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, token, replacedBy string) error
	PurgeExpired(ctx context.Context, userID string) error
}
