// Package session provides leases that keep sweeps from overlapping across
// replicas, backed by a DynamoDB table with a TTL attribute.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/drivesync/internal/model"
)

const DefaultTTL = 5 * time.Minute

// DynamoClient is the subset of *dynamodb.Client used by LockManager.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// LockManager stores leases in DynamoDB keyed by "name" with "expires_at" as TTL.
type LockManager struct {
	client    DynamoClient
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// NewLockManager creates a LockManager. A ttl of zero uses DefaultTTL.
func NewLockManager(client DynamoClient, tableName string, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LockManager{client: client, tableName: tableName, ttl: ttl, now: time.Now}
}

func (m *LockManager) key(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: name},
	}
}

func unixValue(t int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t, 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (m *LockManager) AcquireLock(ctx context.Context, name, holder string) (*model.SyncLease, error) {
	now := m.now().Unix()
	lease := model.SyncLease{
		Name:      name,
		Holder:    holder,
		ExpiresAt: now + int64(m.ttl.Seconds()),
	}
	item, err := attributevalue.MarshalMap(lease)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %w", err)
	}

	_, err = m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(m.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#n) OR expires_at < :now OR holder = :holder"),
		ExpressionAttributeNames: map[string]string{
			"#n": "name",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":    unixValue(now),
			":holder": &types.AttributeValueMemberS{Value: holder},
		},
	})
	if isConditionFailed(err) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return &lease, nil
}

func (m *LockManager) Heartbeat(ctx context.Context, name, holder string) (*model.SyncLease, error) {
	expiresAt := m.now().Unix() + int64(m.ttl.Seconds())
	out, err := m.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(m.tableName),
		Key:                 m.key(name),
		UpdateExpression:    aws.String("SET expires_at = :expires_at"),
		ConditionExpression: aws.String("holder = :holder"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires_at": unixValue(expiresAt),
			":holder":     &types.AttributeValueMemberS{Value: holder},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return nil, ErrNotHolder
	}
	if err != nil {
		return nil, fmt.Errorf("failed to renew lease %s: %w", name, err)
	}

	var lease model.SyncLease
	if err := attributevalue.UnmarshalMap(out.Attributes, &lease); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	return &lease, nil
}

func (m *LockManager) ReleaseLock(ctx context.Context, name, holder string) error {
	_, err := m.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(m.tableName),
		Key:                 m.key(name),
		ConditionExpression: aws.String("holder = :holder"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":holder": &types.AttributeValueMemberS{Value: holder},
		},
	})
	if isConditionFailed(err) {
		return ErrNotHolder
	}
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

func (m *LockManager) GetLockStatus(ctx context.Context, name string) (*model.SyncLease, error) {
	out, err := m.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(m.tableName),
		Key:            m.key(name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", name, err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var lease model.SyncLease
	if err := attributevalue.UnmarshalMap(out.Item, &lease); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	// DynamoDB TTL deletion is lazy.
	if lease.ExpiresAt < m.now().Unix() {
		return nil, nil
	}
	return &lease, nil
}
