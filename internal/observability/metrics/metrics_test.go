package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsUnknownKeys(t *testing.T) {
	filtered := FilterAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("subscription_id", "1234567890"),
		attribute.String("outcome", "applied"),
	)

	require.Len(t, filtered, 2)
	for _, attr := range filtered {
		require.NotEqual(t, attribute.Key("subscription_id"), attr.Key)
	}
}
