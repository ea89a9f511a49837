package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/decred/slog"
	"github.com/google/uuid"

	"community-wager-backend/internal/config"
)

// DynamoOrderIndex is the local secondary index over (pk, ord).
const DynamoOrderIndex = "ord-index"

// dynamoItem is one document. pk is the parent collection and sk the
// document key; log entries live under pk "log#<path>".
type dynamoItem struct {
	PK      string  `dynamodbav:"pk"`
	SK      string  `dynamodbav:"sk"`
	Value   []byte  `dynamodbav:"val"`
	Order   float64 `dynamodbav:"ord"`
	Version int64   `dynamodbav:"ver"`
}

// DynamoStore implements DocumentStore on a single DynamoDB table with
// conditional writes on a version attribute for compare-and-update.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
	log    slog.Logger
}

func NewDynamoStore(ctx context.Context, cfg *config.Config, log slog.Logger) (*DynamoStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	})

	return &DynamoStore{client: client, table: cfg.DynamoTable, log: log}, nil
}

func (s *DynamoStore) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *DynamoStore) getItem(ctx context.Context, path string) (*dynamoItem, error) {
	parent, key := splitPath(path)

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(parent, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", path, err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return &item, nil
}

func (s *DynamoStore) Get(ctx context.Context, path string) ([]byte, error) {
	item, err := s.getItem(ctx, path)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	return item.Value, nil
}

func (s *DynamoStore) Set(ctx context.Context, path string, value []byte, order float64) error {
	parent, key := splitPath(path)

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(parent, key),
		UpdateExpression: aws.String("SET val = :val, ord = :ord ADD ver :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":val": &types.AttributeValueMemberB{Value: value},
			":ord": &types.AttributeValueMemberN{Value: strconv.FormatFloat(order, 'f', -1, 64)},
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

func (s *DynamoStore) Update(ctx context.Context, path string, order float64, fn UpdateFunc) error {
	parent, key := splitPath(path)

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		item, err := s.getItem(ctx, path)
		if err != nil {
			return err
		}

		var current []byte
		next := dynamoItem{PK: parent, SK: key, Order: order, Version: 1}
		cond := "attribute_not_exists(pk)"
		values := map[string]types.AttributeValue{}
		if item != nil {
			current = item.Value
			next.Order = item.Order
			next.Version = item.Version + 1
			cond = "ver = :ver"
			values[":ver"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(item.Version, 10)}
		}

		value, err := fn(current)
		if err != nil {
			return err
		}
		if value == nil {
			return nil
		}
		next.Value = value

		av, err := attributevalue.MarshalMap(next)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", path, err)
		}

		input := &dynamodb.PutItemInput{
			TableName:           aws.String(s.table),
			Item:                av,
			ConditionExpression: aws.String(cond),
		}
		if len(values) > 0 {
			input.ExpressionAttributeValues = values
		}

		_, err = s.client.PutItem(ctx, input)
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			s.log.Tracef("Update of %s lost a race (attempt %d), retrying", path, attempt+1)
			if err := sleepCtx(ctx, retryBackoff(attempt)); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to put %s: %w", path, err)
		}
		return nil
	}

	return fmt.Errorf("update %s: %w", path, ErrConflict)
}

// Children pages through the order index. DynamoDB has no offset, so the
// first offset items are read and dropped.
func (s *DynamoStore) Children(ctx context.Context, parent string, offset, limit int64, newestFirst bool) ([]Document, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(DynamoOrderIndex),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: parent},
		},
		ScanIndexForward: aws.Bool(!newestFirst),
	}

	docs := []Document{}
	var seen int64
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", parent, err)
		}

		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", parent, err)
		}

		for _, item := range items {
			seen++
			if seen <= offset {
				continue
			}
			docs = append(docs, Document{
				Path:  parent + "/" + item.SK,
				Key:   item.SK,
				Value: item.Value,
				Order: item.Order,
			})
			if limit > 0 && int64(len(docs)) >= limit {
				return docs, nil
			}
		}
	}

	return docs, nil
}

func (s *DynamoStore) CountChildren(ctx context.Context, parent string) (int64, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: parent},
		},
		Select: types.SelectCount,
	}

	var total int64
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count %s: %w", parent, err)
		}
		total += int64(page.Count)
	}
	return total, nil
}

func (s *DynamoStore) Delete(ctx context.Context, path string) error {
	parent, key := splitPath(path)

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(parent, key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (s *DynamoStore) Append(ctx context.Context, path string, value []byte) error {
	now := time.Now().UTC()
	item := dynamoItem{
		PK:      "log#" + path,
		SK:      fmt.Sprintf("%020d#%s", now.UnixNano(), uuid.NewString()),
		Value:   value,
		Order:   float64(now.UnixNano()),
		Version: 1,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}

func (s *DynamoStore) ReadLog(ctx context.Context, path string, limit int64) ([][]byte, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "log#" + path},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var out [][]byte
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read log %s: %w", path, err)
		}

		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log %s: %w", path, err)
		}
		for _, item := range items {
			out = append(out, item.Value)
			if limit > 0 && int64(len(out)) >= limit {
				slices.Reverse(out)
				return out, nil
			}
		}
	}

	slices.Reverse(out)
	return out, nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	return err
}

func (s *DynamoStore) Close() error {
	return nil
}

// EnsureTable creates the document table with its order index when it does
// not exist yet. Used by cmd/migrate and local setups.
func (s *DynamoStore) EnsureTable(ctx context.Context) error {
	if err := s.Ping(ctx); err == nil {
		return nil
	}

	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("ord"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		LocalSecondaryIndexes: []types.LocalSecondaryIndex{
			{
				IndexName: aws.String(DynamoOrderIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("ord"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, 2*time.Minute)
}
