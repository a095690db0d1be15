package changes

import (
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

func TestToAttributeValueScalars(t *testing.T) {
	s, err := ToAttributeValue(events.NewStringAttribute("x"))
	require.NoError(t, err)
	require.Equal(t, &types.AttributeValueMemberS{Value: "x"}, s)

	n, err := ToAttributeValue(events.NewNumberAttribute("42.5"))
	require.NoError(t, err)
	require.Equal(t, &types.AttributeValueMemberN{Value: "42.5"}, n)

	b, err := ToAttributeValue(events.NewBooleanAttribute(true))
	require.NoError(t, err)
	require.Equal(t, &types.AttributeValueMemberBOOL{Value: true}, b)

	null, err := ToAttributeValue(events.NewNullAttribute())
	require.NoError(t, err)
	require.Equal(t, &types.AttributeValueMemberNULL{Value: true}, null)
}

func TestToAttributeValueSets(t *testing.T) {
	ss, err := ToAttributeValue(events.NewStringSetAttribute([]string{"a", "b"}))
	require.NoError(t, err)
	require.Equal(t, &types.AttributeValueMemberSS{Value: []string{"a", "b"}}, ss)

	ns, err := ToAttributeValue(events.NewNumberSetAttribute([]string{"1", "2"}))
	require.NoError(t, err)
	require.Equal(t, &types.AttributeValueMemberNS{Value: []string{"1", "2"}}, ns)
}

func TestToAttributeValueNested(t *testing.T) {
	av := events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
		"tags": events.NewListAttribute([]events.DynamoDBAttributeValue{
			events.NewStringAttribute("alpha"),
			events.NewNumberAttribute("7"),
		}),
	})

	converted, err := ToAttributeValue(av)
	require.NoError(t, err)

	m, ok := converted.(*types.AttributeValueMemberM)
	require.True(t, ok)
	list, ok := m.Value["tags"].(*types.AttributeValueMemberL)
	require.True(t, ok)
	require.Len(t, list.Value, 2)
	require.Equal(t, &types.AttributeValueMemberS{Value: "alpha"}, list.Value[0])
	require.Equal(t, &types.AttributeValueMemberN{Value: "7"}, list.Value[1])
}

func TestToAttributeValueMap(t *testing.T) {
	out, err := ToAttributeValueMap(map[string]events.DynamoDBAttributeValue{
		"id":   events.NewStringAttribute("a"),
		"size": events.NewNumberAttribute("3"),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, &types.AttributeValueMemberS{Value: "a"}, out["id"])
	require.Equal(t, &types.AttributeValueMemberN{Value: "3"}, out["size"])
}
