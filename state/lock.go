package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gurre/sitestack/aws"
)

// ErrLocked is returned when another run holds the state lock.
var ErrLocked = errors.New("state is locked")

// LockInfo describes a lock holder. It is stored as the lock item.
type LockInfo struct {
	LockID    string    `dynamodbav:"LockID"`    // Identifies the locked state, normally its URI
	RunID     string    `dynamodbav:"RunID"`     // Run holding the lock
	Who       string    `dynamodbav:"Who"`       // user@host of the holder
	Operation string    `dynamodbav:"Operation"` // apply or destroy
	Created   time.Time `dynamodbav:"Created"`   // When the lock was taken
}

// LockError carries the current holder of a lock that could not be acquired.
type LockError struct {
	Holder LockInfo
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%s: held by run %s (%s, %s since %s)",
		ErrLocked, e.Holder.RunID, e.Holder.Who, e.Holder.Operation, e.Holder.Created.Format(time.RFC3339))
}

func (e *LockError) Unwrap() error { return ErrLocked }

// Locker serialises runs against the same state.
type Locker interface {
	Lock(ctx context.Context, info LockInfo) error
	Unlock(ctx context.Context, info LockInfo) error
}

// NopLocker is used when no lock table is configured.
type NopLocker struct{}

func (NopLocker) Lock(ctx context.Context, info LockInfo) error   { return nil }
func (NopLocker) Unlock(ctx context.Context, info LockInfo) error { return nil }

// DynamoDBLocker implements Locker with a conditional write to a table whose
// partition key is the string attribute LockID.
// Example:
//
//	locker := state.NewDynamoDBLocker(ddbClient, "sitestack-locks")
//	if err := locker.Lock(ctx, info); errors.Is(err, state.ErrLocked) {
//	    log.Fatal(err)
//	}
//	defer locker.Unlock(ctx, info)
type DynamoDBLocker struct {
	client aws.DynamoDBClient
	table  string
}

// NewDynamoDBLocker creates a new DynamoDBLocker instance
func NewDynamoDBLocker(client aws.DynamoDBClient, table string) *DynamoDBLocker {
	return &DynamoDBLocker{client: client, table: table}
}

// Lock writes the lock item unless one already exists. When it does, the
// returned *LockError names the holder.
func (l *DynamoDBLocker) Lock(ctx context.Context, info LockInfo) error {
	item, err := attributevalue.MarshalMap(info)
	if err != nil {
		return fmt.Errorf("failed to encode lock: %w", err)
	}

	cond := "attribute_not_exists(LockID)"
	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &l.table,
		Item:                item,
		ConditionExpression: &cond,
	})
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	holder, herr := l.holder(ctx, info.LockID)
	if herr != nil {
		return fmt.Errorf("%w: holder unknown: %v", ErrLocked, herr)
	}
	return &LockError{Holder: holder}
}

// Unlock deletes the lock item if it is still held by info.RunID.
func (l *DynamoDBLocker) Unlock(ctx context.Context, info LockInfo) error {
	cond := "RunID = :run"
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &l.table,
		Key: map[string]types.AttributeValue{
			"LockID": &types.AttributeValueMemberS{Value: info.LockID},
		},
		ConditionExpression: &cond,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":run": &types.AttributeValueMemberS{Value: info.RunID},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("lock %s is not held by run %s", info.LockID, info.RunID)
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (l *DynamoDBLocker) holder(ctx context.Context, lockID string) (LockInfo, error) {
	consistent := true
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &l.table,
		Key: map[string]types.AttributeValue{
			"LockID": &types.AttributeValueMemberS{Value: lockID},
		},
		ConsistentRead: &consistent,
	})
	if err != nil {
		return LockInfo{}, err
	}
	var info LockInfo
	if err := attributevalue.UnmarshalMap(out.Item, &info); err != nil {
		return LockInfo{}, err
	}
	return info, nil
}
