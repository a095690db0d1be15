package recovery

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeScanAPI struct {
	pages []int32
	calls int
	seen  []*dynamodb.ScanInput
}

func (f *fakeScanAPI) Scan(_ context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.seen = append(f.seen, params)
	i := f.calls
	f.calls++

	out := &dynamodb.ScanOutput{Count: f.pages[i]}
	if i < len(f.pages)-1 {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: "page-" + aws.ToString(params.TableName)},
		}
	}
	return out, nil
}

func TestTableCounterSumsPages(t *testing.T) {
	api := &fakeScanAPI{pages: []int32{1000, 1000, 137}}
	counter, err := NewTableCounter(api, "orders-dr")
	require.NoError(t, err)

	total, err := counter.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2137), total)
	require.Equal(t, 3, api.calls)

	require.Equal(t, types.SelectCount, api.seen[0].Select)
	require.Nil(t, api.seen[0].ExclusiveStartKey)
	require.NotNil(t, api.seen[1].ExclusiveStartKey)
}

func TestTableCounterSinglePage(t *testing.T) {
	api := &fakeScanAPI{pages: []int32{42}}
	counter, err := NewTableCounter(api, "orders-dr")
	require.NoError(t, err)

	total, err := counter.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), total)
}

func TestNewTableCounterValidates(t *testing.T) {
	_, err := NewTableCounter(nil, "orders-dr")
	require.Error(t, err)
	_, err = NewTableCounter(&fakeScanAPI{}, "  ")
	require.Error(t, err)
}
