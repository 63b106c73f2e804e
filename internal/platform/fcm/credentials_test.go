package fcm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessToken_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty credential", func(t *testing.T) {
		_, err := AccessToken(ctx, "   ")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not configured")
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		_, err := AccessToken(ctx, "{not json")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid service account JSON")
	})

	t.Run("JSON without key material", func(t *testing.T) {
		_, err := AccessToken(ctx, `{"type":"service_account"}`)
		require.Error(t, err)
	})
}
