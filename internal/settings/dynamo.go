package settings

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/drivesync/internal/metrics"
)

// DynamoClient is the subset of *dynamodb.Client used by Dynamo.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type settingItem struct {
	Key       string    `dynamodbav:"setting_key"`
	Value     string    `dynamodbav:"value"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

// Dynamo stores settings in a DynamoDB table keyed by "setting_key".
type Dynamo struct {
	client    DynamoClient
	tableName string
}

func NewDynamo(client DynamoClient, tableName string) *Dynamo {
	return &Dynamo{client: client, tableName: tableName}
}

func (d *Dynamo) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"setting_key": &types.AttributeValueMemberS{Value: key},
	}
}

func (d *Dynamo) Get(ctx context.Context, key string) ([]byte, error) {
	defer metrics.ObserveStoreLatency("dynamodb", "settings.get", time.Now())
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var item settingItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal setting %q: %w", key, err)
	}
	return []byte(item.Value), nil
}

func (d *Dynamo) Put(ctx context.Context, key string, value []byte) error {
	defer metrics.ObserveStoreLatency("dynamodb", "settings.put", time.Now())
	item, err := attributevalue.MarshalMap(settingItem{Key: key, Value: string(value), UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal setting %q: %w", key, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save setting %q: %w", key, err)
	}
	return nil
}

func (d *Dynamo) Delete(ctx context.Context, key string) error {
	defer metrics.ObserveStoreLatency("dynamodb", "settings.delete", time.Now())
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.key(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete setting %q: %w", key, err)
	}
	return nil
}
