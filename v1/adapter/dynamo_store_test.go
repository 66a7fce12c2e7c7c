package adapter_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mirkobrombin/go-warmlock/v1/adapter"
	"github.com/mirkobrombin/go-warmlock/v1/adapter/storetest"
)

// fakeDynamo is an in-process stand-in for DynamoDB that understands the two
// condition expressions DynamoStore issues.
type fakeDynamo struct {
	mu         sync.Mutex
	tables     map[string]map[string]map[string]types.AttributeValue
	consistent []bool
	err        error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: make(map[string]map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]map[string]types.AttributeValue)
		f.tables[name] = t
	}
	return t
}

func attrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(item map[string]types.AttributeValue, name string) (int64, bool) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	return n, err == nil
}

func conditionFailed(old map[string]types.AttributeValue, ret types.ReturnValuesOnConditionCheckFailure) error {
	e := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if ret == types.ReturnValuesOnConditionCheckFailureAllOld {
		e.Item = old
	}
	return e
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.consistent = append(f.consistent, aws.ToBool(in.ConsistentRead))
	item := f.table(aws.ToString(in.TableName))[attrS(in.Key, "key")]
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := f.table(aws.ToString(in.TableName))
	key := attrS(in.Item, "key")
	old, exists := t[key]
	switch cond := aws.ToString(in.ConditionExpression); cond {
	case "":
	case "attribute_not_exists(#e) OR #e < :now":
		now, _ := attrN(in.ExpressionAttributeValues, ":now")
		if cur, ok := attrN(old, "expiry"); exists && ok && cur >= now {
			return nil, conditionFailed(old, in.ReturnValuesOnConditionCheckFailure)
		}
	default:
		return nil, errors.New("fake dynamo: unsupported condition " + cond)
	}
	t[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := f.table(aws.ToString(in.TableName))
	key := attrS(in.Key, "key")
	old, exists := t[key]
	switch cond := aws.ToString(in.ConditionExpression); cond {
	case "":
	case "#e = :held":
		held, _ := attrN(in.ExpressionAttributeValues, ":held")
		if cur, ok := attrN(old, "expiry"); !exists || !ok || cur != held {
			return nil, conditionFailed(old, in.ReturnValuesOnConditionCheckFailure)
		}
	default:
		return nil, errors.New("fake dynamo: unsupported condition " + cond)
	}
	delete(t, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) adapter.Store {
		s, err := adapter.NewDynamoStore(newFakeDynamo(), "warmlock")
		if err != nil {
			t.Fatalf("NewDynamoStore: %v", err)
		}
		return s
	})
}

func TestDynamoStoreSeparateLockTable(t *testing.T) {
	fake := newFakeDynamo()
	s, err := adapter.NewDynamoStore(fake, "entries", adapter.WithDynamoLockTable("locks"))
	if err != nil {
		t.Fatalf("NewDynamoStore: %v", err)
	}
	ctx := context.Background()
	if _, err := s.TryAcquireLock(ctx, "token:initial", 20, 10); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.WriteEntry(ctx, "token", "v", 30); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if _, ok := fake.tables["locks"]["lock#token:initial"]; !ok {
		t.Fatal("expected lock in locks table")
	}
	if _, ok := fake.tables["entries"]["entry#token"]; !ok {
		t.Fatal("expected entry in entries table")
	}
	if _, ok := fake.tables["entries"]["lock#token:initial"]; ok {
		t.Fatal("lock leaked into entries table")
	}
}

func TestDynamoStoreConsistentRead(t *testing.T) {
	fake := newFakeDynamo()
	eventual, _ := adapter.NewDynamoStore(fake, "t")
	strong, _ := adapter.NewDynamoStore(fake, "t", adapter.WithConsistentRead(true))
	ctx := context.Background()
	_, _, _ = eventual.ReadEntry(ctx, "k")
	_, _, _ = strong.ReadEntry(ctx, "k")
	if len(fake.consistent) != 2 || fake.consistent[0] || !fake.consistent[1] {
		t.Fatalf("unexpected consistent read flags %v", fake.consistent)
	}
}

func TestDynamoStoreRequiresTable(t *testing.T) {
	if _, err := adapter.NewDynamoStore(newFakeDynamo(), ""); err == nil {
		t.Fatal("expected error for empty table")
	}
}

func TestDynamoStoreWrapsClientErrors(t *testing.T) {
	fake := newFakeDynamo()
	boom := errors.New("throttled")
	fake.err = boom
	s, _ := adapter.NewDynamoStore(fake, "t")
	ctx := context.Background()
	if _, _, err := s.ReadEntry(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
	if _, err := s.TryAcquireLock(ctx, "k:initial", 2, 1); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
	if err := s.ReleaseLock(ctx, "k:initial", 2); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
}
