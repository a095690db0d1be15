// Package notify publishes terminal recovery states to an operations
// topic. Notification is best-effort: a publish failure is logged by
// the caller and never fails the recovery itself.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Event is the payload published when a recovery reaches a terminal state.
type Event struct {
	TableName    string `json:"table_name"`
	Region       string `json:"region"`
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	AppliedCount int64  `json:"applied_count"`
	Detail       string `json:"detail,omitempty"`
}

// Notifier delivers recovery events.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// SNSAPI is the slice of the topic client the notifier needs.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes events to one topic.
type SNSNotifier struct {
	api      SNSAPI
	topicARN string
	subject  string
}

var _ Notifier = (*SNSNotifier)(nil)

// NewSNSNotifier builds a notifier for the given topic.
func NewSNSNotifier(api SNSAPI, topicARN, subject string) (*SNSNotifier, error) {
	if api == nil {
		return nil, errors.New("notify: sns api is nil")
	}
	topicARN = strings.TrimSpace(topicARN)
	if topicARN == "" {
		return nil, errors.New("notify: topic arn is empty")
	}
	if strings.TrimSpace(subject) == "" {
		subject = "DynamoDB disaster recovery"
	}
	return &SNSNotifier{api: api, topicARN: topicARN, subject: subject}, nil
}

func (n *SNSNotifier) Publish(ctx context.Context, event Event) error {
	if n == nil || n.api == nil {
		return errors.New("notify: notifier is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	_, err = n.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(fmt.Sprintf("%s: %s %s", n.subject, event.TableName, event.Status)),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publishing recovery notification: %w", err)
	}
	return nil
}

// Environment variables consulted by FromEnv, in priority order.
var (
	topicEnvVars   = []string{"DR_NOTIFICATIONS_TOPIC_ARN", "SNS_NOTIFICATIONS_TOPIC_ARN"}
	subjectEnvVars = []string{"DR_NOTIFICATIONS_SUBJECT"}
)

// FromEnv builds a notifier from the environment. When no topic is
// configured it returns (nil, nil): notification is simply off.
func FromEnv(ctx context.Context) (Notifier, error) {
	topicARN := firstEnvValue(topicEnvVars...)
	if topicARN == "" {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return NewSNSNotifier(sns.NewFromConfig(cfg), topicARN, firstEnvValue(subjectEnvVars...))
}

func firstEnvValue(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}
