package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/brightboard/auth-service/internal/models"
	"github.com/sirupsen/logrus"
)

// UserRepository keeps user rows under USER#<id> plus one marker row per
// username and per email. The markers are written with attribute_not_exists
// conditions, which is what makes both fields unique without a transaction.
type UserRepository struct {
	client    DynamoAPI
	tableName string
	logger    *logrus.Logger
}

func NewUserRepository(client DynamoAPI, tableName string, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func usernamePK(username string) string {
	return "USERNAME#" + username
}

func emailPK(email string) string {
	return "EMAIL#" + email
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	if err := r.putMarker(ctx, usernamePK(user.Username), user.ID); err != nil {
		if errors.Is(err, errMarkerExists) {
			return ErrUsernameTaken
		}
		return err
	}

	if err := r.putMarker(ctx, emailPK(user.Email), user.ID); err != nil {
		// Roll the username marker back so the name can be retried.
		r.deleteRow(ctx, usernamePK(user.Username))
		if errors.Is(err, errMarkerExists) {
			return ErrEmailTaken
		}
		return err
	}

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal user for DynamoDB")
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: user.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: user.GetSK()}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})

	if err != nil {
		// Orphaned markers would report the username and email as taken
		// forever with no user row behind them.
		r.deleteRow(ctx, usernamePK(user.Username))
		r.deleteRow(ctx, emailPK(user.Email))
		r.logger.WithError(err).Error("Failed to create user in DynamoDB")
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	u := &models.User{ID: id}
	return r.getUser(ctx, u.GetPK())
}

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	id, err := r.getMarker(ctx, usernamePK(username))
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	id, err := r.getMarker(ctx, emailPK(email))
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	u := &models.User{ID: id}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: u.GetPK()},
			"SK": &types.AttributeValueMemberS{Value: u.GetSK()},
		},
		UpdateExpression:    aws.String("SET password_hash = :hash, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":hash":       &types.AttributeValueMemberS{Value: passwordHash},
			":updated_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})

	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrUserNotFound
		}
		r.logger.WithError(err).Error("Failed to update password in DynamoDB")
		return fmt.Errorf("failed to update password: %w", err)
	}

	return nil
}

var errMarkerExists = errors.New("marker row exists")

func (r *UserRepository) putMarker(ctx context.Context, pk, userID string) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"PK":      &types.AttributeValueMemberS{Value: pk},
			"SK":      &types.AttributeValueMemberS{Value: "METADATA"},
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})

	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return errMarkerExists
		}
		return fmt.Errorf("failed to write marker row: %w", err)
	}

	return nil
}

func (r *UserRepository) getMarker(ctx context.Context, pk string) (string, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})

	if err != nil {
		return "", fmt.Errorf("failed to get marker row: %w", err)
	}

	if result.Item == nil {
		return "", ErrUserNotFound
	}

	idAttr, ok := result.Item["user_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("marker row %s has no user_id", pk)
	}

	return idAttr.Value, nil
}

func (r *UserRepository) getUser(ctx context.Context, pk string) (*models.User, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if result.Item == nil {
		return nil, ErrUserNotFound
	}

	var user models.User
	if err := attributevalue.UnmarshalMap(result.Item, &user); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &user, nil
}

func (r *UserRepository) deleteRow(ctx context.Context, pk string) {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})
	if err != nil {
		r.logger.WithError(err).WithField("pk", pk).Warn("Failed to roll back marker row")
	}
}
