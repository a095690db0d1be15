package retry

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"
)

// CodeClassifier builds a Classifier that retries only the named AWS
// error codes. Errors that are not AWS API errors (connection resets,
// client-side timeouts) are treated as retryable, except context
// cancellation, which is always fatal.
func CodeClassifier(codes ...string) Classifier {
	retryable := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		retryable[code] = struct{}{}
	}

	return func(err error) Class {
		if err == nil {
			return Fatal
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Fatal
		}

		var api smithy.APIError
		if errors.As(err, &api) {
			if _, ok := retryable[api.ErrorCode()]; ok {
				return Retryable
			}
			return Fatal
		}
		return Retryable
	}
}

// DynamoDBClassifier covers the throttling surface of table reads and writes.
var DynamoDBClassifier = CodeClassifier(
	"ProvisionedThroughputExceededException",
	"ThrottlingException",
	"RequestLimitExceeded",
	"InternalServerError",
)

// S3Classifier covers transient object store failures.
var S3Classifier = CodeClassifier(
	"RequestTimeout",
	"ServiceUnavailable",
	"SlowDown",
	"InternalError",
)

// ImportExportClassifier covers table import/export requests, which are
// additionally subject to account-level concurrency limits.
var ImportExportClassifier = CodeClassifier(
	"LimitExceededException",
	"ThrottlingException",
	"InternalServerError",
)
