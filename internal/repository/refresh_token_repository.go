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

type RefreshTokenRepository struct {
	client    DynamoAPI
	tableName string
	logger    *logrus.Logger
}

func NewRefreshTokenRepository(client DynamoAPI, tableName string, logger *logrus.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func tokenPK(token string) string {
	return "REFRESH_TOKEN#" + token
}

// Create persists a new active token row. The opaque token value is minted by
// the caller; the row carries a numeric TTL so DynamoDB can reap it eventually
// even if the owner never logs in again.
func (r *RefreshTokenRepository) Create(ctx context.Context, userID, token string, validity time.Duration) (*models.RefreshToken, error) {
	now := time.Now().UTC()
	rt := &models.RefreshToken{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(validity),
	}

	item := map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: tokenPK(token)},
		"SK":          &types.AttributeValueMemberS{Value: "METADATA"},
		"user_id":     &types.AttributeValueMemberS{Value: userID},
		"created_at":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		"expires_at":  &types.AttributeValueMemberS{Value: rt.ExpiresAt.Format(time.RFC3339Nano)},
		"expires_ttl": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rt.ExpiresAt.Unix())},
	}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token in DynamoDB")
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return rt, nil
}

func (r *RefreshTokenRepository) FindByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: tokenPK(token)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		ConsistentRead: aws.Bool(true),
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if result.Item == nil {
		return nil, ErrTokenNotFound
	}

	var row struct {
		UserID          string     `dynamodbav:"user_id"`
		CreatedAt       time.Time  `dynamodbav:"created_at"`
		ExpiresAt       time.Time  `dynamodbav:"expires_at"`
		RevokedAt       *time.Time `dynamodbav:"revoked_at"`
		ReplacedByToken string     `dynamodbav:"replaced_by_token"`
	}
	if err := attributevalue.UnmarshalMap(result.Item, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	return &models.RefreshToken{
		Token:           token,
		UserID:          row.UserID,
		CreatedAt:       row.CreatedAt,
		ExpiresAt:       row.ExpiresAt,
		RevokedAt:       row.RevokedAt,
		ReplacedByToken: row.ReplacedByToken,
	}, nil
}

// Revoke claims the token: sets revoked_at (and the successor pointer when
// rotating) only if revoked_at has never been set. Two racing calls produce
// exactly one winner; the loser gets ErrTokenRevoked.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, token, replacedBy string) error {
	update := "SET revoked_at = :now"
	values := map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	if replacedBy != "" {
		update += ", replaced_by_token = :succ"
		values[":succ"] = &types.AttributeValueMemberS{Value: replacedBy}
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: tokenPK(token)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_exists(PK) AND attribute_not_exists(revoked_at)"),
		ExpressionAttributeValues: values,
	})

	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrTokenRevoked
		}
		r.logger.WithError(err).Error("Failed to revoke refresh token")
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	return nil
}

// PurgeExpired deletes every token row belonging to userID whose expiry has
// passed, revoked or not. Scoped cleanup only; there is no global sweep.
func (r *RefreshTokenRepository) PurgeExpired(ctx context.Context, userID string) error {
	now := time.Now().UTC().Unix()

	var startKey map[string]types.AttributeValue
	for {
		result, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(r.tableName),
			FilterExpression: aws.String("begins_with(PK, :pk_prefix) AND user_id = :user_id AND expires_ttl <= :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk_prefix": &types.AttributeValueMemberS{Value: "REFRESH_TOKEN#"},
				":user_id":   &types.AttributeValueMemberS{Value: userID},
				":now":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now)},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    startKey,
		})

		if err != nil {
			return fmt.Errorf("failed to scan expired tokens: %w", err)
		}

		for _, item := range result.Items {
			_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(r.tableName),
				Key: map[string]types.AttributeValue{
					"PK": item["PK"],
					"SK": item["SK"],
				},
			})
			if err != nil {
				return fmt.Errorf("failed to delete expired token: %w", err)
			}
		}

		if len(result.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = result.LastEvaluatedKey
	}
}
