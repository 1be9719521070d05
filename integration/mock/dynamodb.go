package mock

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// LockKey is the partition key attribute of mocked tables.
const LockKey = "LockID"

// DynamoDBClient is a mock implementation of aws.DynamoDBClient covering
// single-key tables and the two condition expressions the state lock uses:
// attribute_not_exists(<key>) and <attr> = :value.
type DynamoDBClient struct {
	a *Account
}

// DynamoDB returns the DynamoDB client of the account.
func (a *Account) DynamoDB() *DynamoDBClient {
	return &DynamoDBClient{a: a}
}

// AddTable creates an empty table.
func (a *Account) AddTable(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tables[name]; !ok {
		a.tables[name] = make(map[string]map[string]any)
	}
}

// TableItems returns the number of items in a table.
func (a *Account) TableItems(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tables[name])
}

func keyOf(item map[string]types.AttributeValue) string {
	if v, ok := item[LockKey].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// table returns the table or ResourceNotFoundException. Callers hold a.mu.
func (c *DynamoDBClient) table(name *string) (map[string]map[string]any, error) {
	t, ok := c.a.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	return t, nil
}

// conditionHolds evaluates the supported condition expressions against the
// current item, which is nil when absent.
func conditionHolds(expr *string, values map[string]types.AttributeValue, current map[string]any) bool {
	if expr == nil {
		return true
	}
	e := strings.TrimSpace(*expr)
	if strings.HasPrefix(e, "attribute_not_exists(") {
		return current == nil
	}
	if attr, placeholder, ok := strings.Cut(e, "="); ok {
		attr = strings.TrimSpace(attr)
		placeholder = strings.TrimSpace(placeholder)
		if current == nil {
			return false
		}
		want, ok := values[placeholder].(*types.AttributeValueMemberS)
		if !ok {
			return false
		}
		got, ok := current[attr].(*types.AttributeValueMemberS)
		return ok && got.Value == want.Value
	}
	return false
}

func (c *DynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := c.a.begin(ctx, "dynamodb:PutItem"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	t, err := c.table(params.TableName)
	if err != nil {
		return nil, err
	}
	key := keyOf(params.Item)
	if key == "" {
		return nil, apiError("ValidationException", "missing key attribute %s", LockKey)
	}
	if !conditionHolds(params.ConditionExpression, params.ExpressionAttributeValues, t[key]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	item := make(map[string]any, len(params.Item))
	for k, v := range params.Item {
		item[k] = v
	}
	t[key] = item
	c.a.mutated("dynamodb:PutItem")
	return &dynamodb.PutItemOutput{}, nil
}

func (c *DynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if err := c.a.begin(ctx, "dynamodb:GetItem"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	t, err := c.table(params.TableName)
	if err != nil {
		return nil, err
	}
	current := t[keyOf(params.Key)]
	if current == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	item := make(map[string]types.AttributeValue, len(current))
	for k, v := range current {
		item[k] = v.(types.AttributeValue)
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (c *DynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if err := c.a.begin(ctx, "dynamodb:DeleteItem"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	t, err := c.table(params.TableName)
	if err != nil {
		return nil, err
	}
	key := keyOf(params.Key)
	if !conditionHolds(params.ConditionExpression, params.ExpressionAttributeValues, t[key]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(t, key)
	c.a.mutated("dynamodb:DeleteItem")
	return &dynamodb.DeleteItemOutput{}, nil
}
