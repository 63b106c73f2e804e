package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-relay/internal/fanout"
	"github.com/tinywideclouds/go-push-relay/internal/pipeline"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Typed Mocks ---

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendToUser(ctx context.Context, user urn.URN, msg push.Message, ref *fanout.Reference) (fanout.Summary, error) {
	args := m.Called(ctx, user, msg, ref)
	return args.Get(0).(fanout.Summary), args.Error(1)
}

type mockSettings struct {
	mock.Mock
}

func (m *mockSettings) Load(ctx context.Context) (push.Settings, error) {
	args := m.Called(ctx)
	return args.Get(0).(push.Settings), args.Error(1)
}

func forwardingSettings() push.Settings {
	return push.Settings{Enabled: true, AutoForward: true, ForwardSystem: true, ForwardEmail: true}
}

func TestProcessor_AutoForward(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	testURN, _ := urn.Parse("urn:sm:user:test-processor")

	t.Run("Forwards a system notification", func(t *testing.T) {
		sender := new(mockSender)
		settings := new(mockSettings)
		settings.On("Load", mock.Anything).Return(forwardingSettings(), nil)

		var sentMsg push.Message
		var sentRef *fanout.Reference
		sender.On("SendToUser", mock.Anything, testURN, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				sentMsg = args.Get(2).(push.Message)
				sentRef, _ = args.Get(3).(*fanout.Reference)
			}).
			Return(fanout.Summary{Success: 1}, nil)

		processor := pipeline.NewProcessor(sender, settings, logger)
		err := processor(ctx, messagepipeline.Message{}, &push.NotificationEvent{
			ID:           "nlog-1",
			ForUser:      testURN.String(),
			Subject:      "Task assigned",
			DocumentType: "ToDo",
			DocumentName: "T-0001",
			Kind:         "Assignment",
		})

		require.NoError(t, err)
		sender.AssertExpectations(t)
		assert.Equal(t, "Task assigned", sentMsg.Title)
		assert.Equal(t, "Task assigned", sentMsg.Body)
		assert.Equal(t, "nlog-1", sentMsg.Data["notification_log"])
		assert.Equal(t, "frappe_notification", sentMsg.Data["notification_type"])
		assert.Equal(t, "Assignment", sentMsg.Data["type"])
		require.NotNil(t, sentRef)
		assert.Equal(t, "ToDo", sentRef.Doctype)
	})

	t.Run("Strips HTML and caps email content", func(t *testing.T) {
		sender := new(mockSender)
		settings := new(mockSettings)
		settings.On("Load", mock.Anything).Return(forwardingSettings(), nil)

		var sentMsg push.Message
		sender.On("SendToUser", mock.Anything, testURN, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { sentMsg = args.Get(2).(push.Message) }).
			Return(fanout.Summary{Success: 1}, nil)

		longBody := "<div><b>Hello</b> world. "
		for i := 0; i < 30; i++ {
			longBody += "Lorem ipsum dolor sit amet. "
		}
		longBody += "</div>"

		processor := pipeline.NewProcessor(sender, settings, logger)
		err := processor(ctx, messagepipeline.Message{}, &push.NotificationEvent{
			ID:           "nlog-2",
			ForUser:      testURN.String(),
			Subject:      "Mail",
			EmailContent: longBody,
		})

		require.NoError(t, err)
		assert.NotContains(t, sentMsg.Body, "<")
		assert.NotContains(t, sentMsg.Body, ">")
		assert.LessOrEqual(t, len([]rune(sentMsg.Body)), 200)
		assert.Contains(t, sentMsg.Body, "Hello world")
	})

	t.Run("Drops when auto-forward is off", func(t *testing.T) {
		sender := new(mockSender)
		settings := new(mockSettings)
		st := forwardingSettings()
		st.AutoForward = false
		settings.On("Load", mock.Anything).Return(st, nil)

		processor := pipeline.NewProcessor(sender, settings, logger)
		err := processor(ctx, messagepipeline.Message{}, &push.NotificationEvent{
			ID: "nlog-3", ForUser: testURN.String(), Subject: "x",
		})

		require.NoError(t, err)
		sender.AssertNotCalled(t, "SendToUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Drops email notifications when email forwarding is off", func(t *testing.T) {
		sender := new(mockSender)
		settings := new(mockSettings)
		st := forwardingSettings()
		st.ForwardEmail = false
		settings.On("Load", mock.Anything).Return(st, nil)

		processor := pipeline.NewProcessor(sender, settings, logger)
		err := processor(ctx, messagepipeline.Message{}, &push.NotificationEvent{
			ID: "nlog-4", ForUser: testURN.String(), Subject: "x", EmailContent: "<p>mail</p>",
		})

		require.NoError(t, err)
		sender.AssertNotCalled(t, "SendToUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Honors the per-rule opt-out", func(t *testing.T) {
		sender := new(mockSender)
		settings := new(mockSettings)
		settings.On("Load", mock.Anything).Return(forwardingSettings(), nil)

		processor := pipeline.NewProcessor(sender, settings, logger)
		err := processor(ctx, messagepipeline.Message{}, &push.NotificationEvent{
			ID: "nlog-5", ForUser: testURN.String(), Subject: "x",
			Rule: "rule-7", PushDisabled: true,
		})

		require.NoError(t, err)
		sender.AssertNotCalled(t, "SendToUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Drops unparseable recipients without retry", func(t *testing.T) {
		sender := new(mockSender)
		settings := new(mockSettings)
		settings.On("Load", mock.Anything).Return(forwardingSettings(), nil)

		processor := pipeline.NewProcessor(sender, settings, logger)
		err := processor(ctx, messagepipeline.Message{}, &push.NotificationEvent{
			ID: "nlog-6", ForUser: "not-a-urn", Subject: "x",
		})

		// Nil error so the message is acked, not redelivered forever.
		require.NoError(t, err)
		sender.AssertNotCalled(t, "SendToUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Fan-out failure is retryable", func(t *testing.T) {
		sender := new(mockSender)
		settings := new(mockSettings)
		settings.On("Load", mock.Anything).Return(forwardingSettings(), nil)
		sender.On("SendToUser", mock.Anything, testURN, mock.Anything, mock.Anything).
			Return(fanout.Summary{}, assert.AnError)

		processor := pipeline.NewProcessor(sender, settings, logger)
		err := processor(ctx, messagepipeline.Message{}, &push.NotificationEvent{
			ID: "nlog-7", ForUser: testURN.String(), Subject: "x",
		})

		require.Error(t, err)
	})
}
