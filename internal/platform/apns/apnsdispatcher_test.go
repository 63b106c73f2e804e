package apns

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

type mockAPNSClient struct {
	mock.Mock
}

func (m *mockAPNSClient) PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(ctx, n)
	res, _ := args.Get(0).(*apns2.Response)
	return res, args.Error(1)
}

func newTestDispatcher(client APNSClient) *Dispatcher {
	return &Dispatcher{
		client: client,
		topic:  "com.example.app",
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestAPNSDispatcher_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("Success returns the apns id", func(t *testing.T) {
		client := new(mockAPNSClient)
		var captured *apns2.Notification
		client.On("PushWithContext", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { captured = args.Get(1).(*apns2.Notification) }).
			Return(&apns2.Response{StatusCode: http.StatusOK, ApnsID: "apns-123"}, nil)

		d := newTestDispatcher(client)
		res := d.Send(ctx, "device-token", push.Message{Title: "Hi", Body: "There"})

		require.True(t, res.Success)
		assert.Equal(t, "apns-123", res.MessageID)
		assert.Equal(t, "com.example.app", captured.Topic)
		assert.Equal(t, "device-token", captured.DeviceToken)
	})

	t.Run("Silent message is content-available", func(t *testing.T) {
		client := new(mockAPNSClient)
		var captured *apns2.Notification
		client.On("PushWithContext", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { captured = args.Get(1).(*apns2.Notification) }).
			Return(&apns2.Response{StatusCode: http.StatusOK, ApnsID: "id"}, nil)

		d := newTestDispatcher(client)
		res := d.Send(ctx, "device-token", push.Message{Data: map[string]any{"type": "ping"}})

		require.True(t, res.Success)
		built, ok := captured.Payload.(*payload.Payload)
		require.True(t, ok)
		marshaled, err := built.MarshalJSON()
		require.NoError(t, err)
		assert.Contains(t, string(marshaled), `"content-available":1`)
		assert.NotContains(t, string(marshaled), `"alert"`)
	})

	t.Run("Unregistered reason is token-invalid", func(t *testing.T) {
		for _, reason := range []string{
			apns2.ReasonBadDeviceToken,
			apns2.ReasonUnregistered,
			apns2.ReasonDeviceTokenNotForTopic,
		} {
			client := new(mockAPNSClient)
			client.On("PushWithContext", mock.Anything, mock.Anything).
				Return(&apns2.Response{StatusCode: http.StatusGone, Reason: reason}, nil)

			d := newTestDispatcher(client)
			res := d.Send(ctx, "dead-token", push.Message{Title: "Hi"})

			assert.Equal(t, push.KindTokenInvalid, res.Kind, reason)
			assert.Equal(t, reason, res.Code)
		}
	})

	t.Run("Other rejections are transport failures", func(t *testing.T) {
		client := new(mockAPNSClient)
		client.On("PushWithContext", mock.Anything, mock.Anything).
			Return(&apns2.Response{StatusCode: http.StatusForbidden, Reason: apns2.ReasonExpiredProviderToken}, nil)

		d := newTestDispatcher(client)
		res := d.Send(ctx, "token", push.Message{Title: "Hi"})

		assert.Equal(t, push.KindTransport, res.Kind)
	})

	t.Run("Transport error folds into the result", func(t *testing.T) {
		client := new(mockAPNSClient)
		client.On("PushWithContext", mock.Anything, mock.Anything).Return(nil, assert.AnError)

		d := newTestDispatcher(client)
		res := d.Send(ctx, "token", push.Message{Title: "Hi"})

		assert.False(t, res.Success)
		assert.Equal(t, push.KindTransport, res.Kind)
	})

	t.Run("Bad P8 key fails construction", func(t *testing.T) {
		_, err := NewDispatcher(Config{P8KeyContent: "not-a-key"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
		require.Error(t, err)
	})
}
