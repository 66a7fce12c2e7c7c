package adapter

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
	smithy "github.com/aws/smithy-go"

	wlerrors "github.com/mirkobrombin/go-warmlock/v1/errors"
	"github.com/mirkobrombin/go-warmlock/v1/lock"
)

const (
	dynamoKeyAttr        = "key"
	dynamoExpiryAttr     = "expiry"
	dynamoEntryPrefix    = "entry#"
	dynamoLockPrefix     = "lock#"
	defaultDynamoTimeout = 5 * time.Second
)

const (
	acquireCondition = "attribute_not_exists(#e) OR #e < :now"
	releaseCondition = "#e = :held"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
// *dynamodb.Client satisfies it.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// dynamoItem is the shape of both entries and locks. A lock stores its
// deadline in the expiry attribute, so one condition expression serves both.
// Partition keys carry an "entry#" or "lock#" prefix so both kinds can share
// a table without colliding.
type dynamoItem struct {
	Key    string `dynamodbav:"key"`
	Value  string `dynamodbav:"value,omitempty"`
	Expiry int64  `dynamodbav:"expiry"`
	Holder string `dynamodbav:"holder,omitempty"`
}

// DynamoStore implements Store on a DynamoDB table whose partition key is a
// string attribute named "key".
type DynamoStore struct {
	client     DynamoAPI
	table      string
	lockTable  string
	consistent bool
	timeout    time.Duration
}

// DynamoOption configures a DynamoStore.
type DynamoOption func(*dynamoStoreOptions)

type dynamoStoreOptions struct {
	lockTable  string
	consistent bool
	timeout    time.Duration
}

// WithDynamoLockTable stores locks in a separate table. By default entries
// and locks share one table.
func WithDynamoLockTable(name string) DynamoOption {
	return func(o *dynamoStoreOptions) {
		o.lockTable = name
	}
}

// WithConsistentRead makes ReadEntry use strongly consistent reads.
func WithConsistentRead(enabled bool) DynamoOption {
	return func(o *dynamoStoreOptions) {
		o.consistent = enabled
	}
}

// WithDynamoTimeout sets the operation timeout for DynamoDB calls.
func WithDynamoTimeout(d time.Duration) DynamoOption {
	return func(o *dynamoStoreOptions) {
		o.timeout = d
	}
}

// NewDynamoStore returns a DynamoStore using table for entries.
func NewDynamoStore(client DynamoAPI, table string, opts ...DynamoOption) (*DynamoStore, error) {
	if table == "" {
		return nil, fmt.Errorf("dynamodb: table is required")
	}
	o := dynamoStoreOptions{timeout: defaultDynamoTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lockTable == "" {
		o.lockTable = table
	}
	return &DynamoStore{
		client:     client,
		table:      table,
		lockTable:  o.lockTable,
		consistent: o.consistent,
		timeout:    o.timeout,
	}, nil
}

func translateDynamoErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wlerrors.ErrTimeout
	}
	return fmt.Errorf("dynamodb: %s: %w", op, err)
}

func isConditionalCheckFailed(err error) (*types.ConditionalCheckFailedException, bool) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ccf, true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException" {
		return nil, true
	}
	return nil, false
}

func entryID(key string) string {
	return dynamoEntryPrefix + key
}

func lockID(lockKey string) string {
	return dynamoLockPrefix + lockKey
}

func dynamoKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{dynamoKeyAttr: &types.AttributeValueMemberS{Value: key}}
}

func dynamoNumber(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// ReadEntry implements Store.ReadEntry.
func (s *DynamoStore) ReadEntry(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, translateDynamoErr("get", err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, err := s.client.GetItem(cctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            dynamoKey(entryID(key)),
		ConsistentRead: aws.Bool(s.consistent),
	})
	if err != nil {
		return Entry{}, false, translateDynamoErr("get", err)
	}
	if len(out.Item) == 0 {
		return Entry{}, false, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return Entry{}, false, fmt.Errorf("dynamodb: decode entry %q: %w", key, err)
	}
	return Entry{Key: key, Value: item.Value, Expiry: item.Expiry}, true, nil
}

// TryAcquireLock implements Store.TryAcquireLock.
func (s *DynamoStore) TryAcquireLock(ctx context.Context, lockKey string, heldUntil, now int64) (Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return Acquisition{}, translateDynamoErr("acquire", err)
	}
	holder := lock.NewHolder()
	item, err := attributevalue.MarshalMap(dynamoItem{Key: lockID(lockKey), Expiry: heldUntil, Holder: holder})
	if err != nil {
		return Acquisition{}, fmt.Errorf("dynamodb: encode lock %q: %w", lockKey, err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.client.PutItem(cctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(s.lockTable),
		Item:                                item,
		ConditionExpression:                 aws.String(acquireCondition),
		ExpressionAttributeNames:            map[string]string{"#e": dynamoExpiryAttr},
		ExpressionAttributeValues:           map[string]types.AttributeValue{":now": dynamoNumber(now)},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return Acquired(heldUntil, holder), nil
	}
	ccf, failed := isConditionalCheckFailed(err)
	if !failed {
		return Acquisition{}, translateDynamoErr("acquire", err)
	}
	if ccf == nil || len(ccf.Item) == 0 {
		return ContendedUnknown(), nil
	}
	var prior dynamoItem
	if err := attributevalue.UnmarshalMap(ccf.Item, &prior); err != nil {
		return Acquisition{}, fmt.Errorf("dynamodb: decode lock %q: %w", lockKey, err)
	}
	return Contended(prior.Expiry, prior.Holder), nil
}

// ReleaseLock implements Store.ReleaseLock.
func (s *DynamoStore) ReleaseLock(ctx context.Context, lockKey string, heldUntil int64) error {
	if err := ctx.Err(); err != nil {
		return translateDynamoErr("release", err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.client.DeleteItem(cctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.lockTable),
		Key:                       dynamoKey(lockID(lockKey)),
		ConditionExpression:       aws.String(releaseCondition),
		ExpressionAttributeNames:  map[string]string{"#e": dynamoExpiryAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":held": dynamoNumber(heldUntil)},
	})
	if err == nil {
		return nil
	}
	if _, failed := isConditionalCheckFailed(err); failed {
		return nil
	}
	return translateDynamoErr("release", err)
}

// WriteEntry implements Store.WriteEntry.
func (s *DynamoStore) WriteEntry(ctx context.Context, key, value string, expiry int64) error {
	if err := ctx.Err(); err != nil {
		return translateDynamoErr("put", err)
	}
	item, err := attributevalue.MarshalMap(dynamoItem{Key: entryID(key), Value: value, Expiry: expiry})
	if err != nil {
		return fmt.Errorf("dynamodb: encode entry %q: %w", key, err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.client.PutItem(cctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return translateDynamoErr("put", err)
	}
	return nil
}
