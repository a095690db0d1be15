package recovery

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/retry"
)

// Counter measures the recovered table for verification.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// ScanAPI is the slice of the table client the counter needs.
type ScanAPI interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// TableCounter counts items with a paged COUNT scan. The table metadata
// item count lags by hours, which is useless right after a restore.
type TableCounter struct {
	api   ScanAPI
	table string
	retry retry.Policy
}

var _ Counter = (*TableCounter)(nil)

// NewTableCounter builds a counter over the named table.
func NewTableCounter(api ScanAPI, table string) (*TableCounter, error) {
	if api == nil {
		return nil, errors.New("recovery: scan api is nil")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("recovery: table is empty")
	}
	return &TableCounter{api: api, table: table, retry: retry.ForDynamoDB()}, nil
}

func (c *TableCounter) Count(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var total int64
	var startKey map[string]types.AttributeValue
	for {
		var out *dynamodb.ScanOutput
		err := c.retry.Do(ctx, "dynamodb.Scan", retry.DynamoDBClassifier, func(ctx context.Context) error {
			var callErr error
			out, callErr = c.api.Scan(ctx, &dynamodb.ScanInput{
				TableName:         aws.String(c.table),
				Select:            types.SelectCount,
				ExclusiveStartKey: startKey,
			})
			return callErr
		})
		if err != nil {
			return 0, err
		}

		total += int64(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
