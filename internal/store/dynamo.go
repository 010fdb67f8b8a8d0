package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/drivesync/internal/model"
)

// DynamoClient is the subset of *dynamodb.Client used by Dynamo.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Dynamo keeps files keyed by "id" and users keyed by "permission_id".
// Keying users by permission id lets CreateUser enforce uniqueness with a
// conditional put.
type Dynamo struct {
	client     DynamoClient
	filesTable string
	usersTable string
}

func NewDynamo(client DynamoClient, filesTable, usersTable string) *Dynamo {
	return &Dynamo{client: client, filesTable: filesTable, usersTable: usersTable}
}

func (d *Dynamo) UpsertFile(ctx context.Context, f *model.CanonicalFile) error {
	defer observeDB("dynamodb", "files.upsert")()
	item, err := attributevalue.MarshalMap(f)
	if err != nil {
		return fmt.Errorf("failed to marshal file %s: %w", f.ID, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.filesTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", f.ID, err)
	}
	return nil
}

func (d *Dynamo) GetFile(ctx context.Context, id string) (*model.CanonicalFile, error) {
	defer observeDB("dynamodb", "files.get")()
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.filesTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get file %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var f model.CanonicalFile
	if err := attributevalue.UnmarshalMap(out.Item, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file %s: %w", id, err)
	}
	return &f, nil
}

func (d *Dynamo) FindUserByPermissionID(ctx context.Context, permissionID string) (*model.User, error) {
	defer observeDB("dynamodb", "users.find")()
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.usersTable),
		Key: map[string]types.AttributeValue{
			"permission_id": &types.AttributeValueMemberS{Value: permissionID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find user %s: %w", permissionID, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var u model.User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user %s: %w", permissionID, err)
	}
	return &u, nil
}

func (d *Dynamo) CreateUser(ctx context.Context, u *model.User) error {
	defer observeDB("dynamodb", "users.create")()
	return d.putUser(ctx, u, "attribute_not_exists(permission_id)", ErrConflict)
}

func (d *Dynamo) UpdateUser(ctx context.Context, u *model.User) error {
	defer observeDB("dynamodb", "users.update")()
	return d.putUser(ctx, u, "attribute_exists(permission_id)", ErrNotFound)
}

func (d *Dynamo) putUser(ctx context.Context, u *model.User, condition string, onFailed error) error {
	item, err := attributevalue.MarshalMap(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", u.PermissionID, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.usersTable),
		Item:                item,
		ConditionExpression: aws.String(condition),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return onFailed
	}
	if err != nil {
		return fmt.Errorf("failed to save user %s: %w", u.PermissionID, err)
	}
	return nil
}
