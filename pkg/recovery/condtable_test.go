package recovery

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// condTable is an in-memory table keyed by the "id" attribute that
// evaluates the applier's version marker condition like the real
// service, so end-to-end tests exercise genuine last-writer-wins
// semantics. It doubles as the verification Counter.
type condTable struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newCondTable() *condTable {
	return &condTable{items: map[string]map[string]types.AttributeValue{}}
}

func (c *condTable) itemKey(attrs map[string]types.AttributeValue) string {
	if id, ok := attrs["id"].(*types.AttributeValueMemberS); ok {
		return "id=S:" + id.Value + ";"
	}
	return ""
}

func (c *condTable) allows(existing map[string]types.AttributeValue, values map[string]types.AttributeValue) bool {
	storedAt, ok := existing["_dr_at"].(*types.AttributeValueMemberN)
	if !ok {
		return true
	}
	newAt := values[":at"].(*types.AttributeValueMemberN).Value
	stored, err := strconv.ParseFloat(storedAt.Value, 64)
	if err != nil {
		return false
	}
	incoming, err := strconv.ParseFloat(newAt, 64)
	if err != nil {
		return false
	}
	if stored != incoming {
		return stored < incoming
	}
	storedSeq, ok := existing["_dr_seq"].(*types.AttributeValueMemberS)
	if !ok {
		return true
	}
	return storedSeq.Value < values[":seq"].(*types.AttributeValueMemberS).Value
}

func (c *condTable) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.itemKey(params.Item)
	if existing, ok := c.items[k]; ok && !c.allows(existing, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	stored := make(map[string]types.AttributeValue, len(params.Item))
	for name, av := range params.Item {
		stored[name] = av
	}
	c.items[k] = stored
	return &dynamodb.PutItemOutput{}, nil
}

func (c *condTable) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.itemKey(params.Key)
	existing, ok := c.items[k]
	if strings.HasPrefix(aws.ToString(params.ConditionExpression), "attribute_exists(") {
		if !ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
		if _, present := existing[params.ExpressionAttributeNames["#pk"]]; !present {
			return nil, &types.ConditionalCheckFailedException{}
		}
		if !c.allows(existing, params.ExpressionAttributeValues) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	} else if ok && !c.allows(existing, params.ExpressionAttributeValues) {
		// A marker-only condition evaluates against the empty item when
		// the key is absent, so such a delete succeeds as a no-op.
		return nil, &types.ConditionalCheckFailedException{}
	}
	delete(c.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (c *condTable) Count(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.items)), nil
}

func (c *condTable) snapshotItems() map[string]map[string]types.AttributeValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]types.AttributeValue, len(c.items))
	for k, item := range c.items {
		out[k] = item
	}
	return out
}
