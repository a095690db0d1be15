package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeImportAPI struct {
	importStatus   types.ImportStatus
	failureCode    string
	failureMessage string
	imports        []dynamodb.ImportTableInput
}

func (f *fakeImportAPI) ImportTable(_ context.Context, params *dynamodb.ImportTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.ImportTableOutput, error) {
	f.imports = append(f.imports, *params)
	return &dynamodb.ImportTableOutput{ImportTableDescription: &types.ImportTableDescription{
		ImportArn: aws.String("arn:aws:dynamodb:us-west-2:123456789012:table/orders-dr/import/0189-restore"),
	}}, nil
}

func (f *fakeImportAPI) DescribeImport(_ context.Context, params *dynamodb.DescribeImportInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeImportOutput, error) {
	return &dynamodb.DescribeImportOutput{ImportTableDescription: &types.ImportTableDescription{
		ImportArn:      params.ImportArn,
		ImportStatus:   f.importStatus,
		FailureCode:    aws.String(f.failureCode),
		FailureMessage: aws.String(f.failureMessage),
	}}, nil
}

type fakeSchemaAPI struct{}

func (fakeSchemaAPI) DescribeTable(_ context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableArn: aws.String("arn:aws:dynamodb:us-east-1:123456789012:table/" + *params.TableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
	}}, nil
}

func TestRequestRestore(t *testing.T) {
	target := &fakeImportAPI{}
	restorer, err := NewImportRestorer(fakeSchemaAPI{}, target, zap.NewNop())
	require.NoError(t, err)

	manifest := manifestFixture("orders", "full_backup_20260314_080000", time.Now().UTC(), StatusComplete)
	manifest.ExportARN = "arn:aws:dynamodb:us-east-1:123456789012:table/orders/export/01890000000000-abcdefgh"
	manifest.Prefix = "full-backups/orders/20260314_080000/"

	importARN, err := restorer.RequestRestore(context.Background(), manifest, "orders-dr")
	require.NoError(t, err)
	require.NotEmpty(t, importARN)

	require.Len(t, target.imports, 1)
	input := target.imports[0]
	require.Equal(t, "dr-backups", *input.S3BucketSource.S3Bucket)
	require.Equal(t,
		"full-backups/orders/20260314_080000/AWSDynamoDB/01890000000000-abcdefgh/data/",
		*input.S3BucketSource.S3KeyPrefix)
	require.Equal(t, types.InputFormatDynamodbJson, input.InputFormat)
	require.Equal(t, types.InputCompressionTypeGzip, input.InputCompressionType)
	require.Equal(t, "orders-dr", *input.TableCreationParameters.TableName)
	require.Equal(t, types.BillingModePayPerRequest, input.TableCreationParameters.BillingMode)
	require.Len(t, input.TableCreationParameters.KeySchema, 1)
}

func TestRequestRestoreRejectsBadARN(t *testing.T) {
	restorer, err := NewImportRestorer(fakeSchemaAPI{}, &fakeImportAPI{}, zap.NewNop())
	require.NoError(t, err)

	manifest := manifestFixture("orders", "full_backup_x", time.Now().UTC(), StatusComplete)
	manifest.ExportARN = "not-an-arn"
	_, err = restorer.RequestRestore(context.Background(), manifest, "orders-dr")
	require.Error(t, err)
}

func TestRestoreStatusMapping(t *testing.T) {
	cases := []struct {
		imported types.ImportStatus
		want     Status
	}{
		{types.ImportStatusInProgress, StatusPending},
		{types.ImportStatusCompleted, StatusComplete},
		{types.ImportStatusFailed, StatusFailed},
		{types.ImportStatusCancelled, StatusFailed},
		{types.ImportStatusCancelling, StatusFailed},
	}
	for _, tc := range cases {
		target := &fakeImportAPI{importStatus: tc.imported}
		restorer, err := NewImportRestorer(fakeSchemaAPI{}, target, zap.NewNop())
		require.NoError(t, err)

		info, err := restorer.Status(context.Background(), "arn:aws:dynamodb:us-west-2:123456789012:table/orders-dr/import/0189")
		require.NoError(t, err)
		require.Equal(t, tc.want, info.Status, "import status %s", tc.imported)
	}
}

func TestRestoreStatusCarriesFailureDetail(t *testing.T) {
	target := &fakeImportAPI{
		importStatus:   types.ImportStatusFailed,
		failureCode:    "S3NoSuchBucket",
		failureMessage: "The specified bucket does not exist",
	}
	restorer, err := NewImportRestorer(fakeSchemaAPI{}, target, zap.NewNop())
	require.NoError(t, err)

	info, err := restorer.Status(context.Background(), "arn:aws:dynamodb:us-west-2:123456789012:table/orders-dr/import/0189")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, info.Status)
	require.Contains(t, info.Detail, "S3NoSuchBucket")
	require.Contains(t, info.Detail, "does not exist")
}

func TestExportIDFromARN(t *testing.T) {
	id, err := exportIDFromARN("arn:aws:dynamodb:us-east-1:1:table/orders/export/abc123")
	require.NoError(t, err)
	require.Equal(t, "abc123", id)

	_, err = exportIDFromARN("no-slashes")
	require.Error(t, err)
	_, err = exportIDFromARN("trailing/")
	require.Error(t, err)
}
