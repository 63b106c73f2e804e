package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-relay/internal/fanout"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// maxForwardBodyLen caps the notification body built from event content.
const maxForwardBodyLen = 200

var htmlTagPattern = regexp.MustCompile(`<[^<]+?>`)

// Sender is the fan-out entry point the processor forwards into.
type Sender interface {
	SendToUser(ctx context.Context, user urn.URN, msg push.Message, ref *fanout.Reference) (fanout.Summary, error)
}

// NewProcessor creates the auto-forward logic. Each event is checked against
// the settings toggles, reshaped into a Message and handed to the fan-out.
// Events that the toggles exclude are dropped, not retried.
func NewProcessor(
	sender Sender,
	settings push.SettingsSource,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[push.NotificationEvent] {

	return func(ctx context.Context, original messagepipeline.Message, event *push.NotificationEvent) error {
		procLogger := logger.With(
			"recipient", event.ForUser,
			"pubsub_msg_id", original.ID,
		)

		st, err := settings.Load(ctx)
		if err != nil {
			procLogger.Error("Failed to load settings", "err", err)
			return err // Retryable
		}

		if reason, forward := shouldForward(st, *event); !forward {
			procLogger.Info("Dropping notification event", "reason", reason)
			return nil
		}

		user, err := urn.Parse(event.ForUser)
		if err != nil {
			// A bad recipient will never parse on retry.
			procLogger.Warn("Dropping event with unparseable recipient", "err", err)
			return nil
		}

		msg := buildMessage(st, *event)
		var ref *fanout.Reference
		if event.DocumentType != "" && event.DocumentName != "" {
			ref = &fanout.Reference{Doctype: event.DocumentType, Name: event.DocumentName}
		}

		summary, err := sender.SendToUser(ctx, user, msg, ref)
		if err != nil {
			procLogger.Error("Fan-out failed", "err", err)
			return err // Retryable
		}

		procLogger.Info("Notification event forwarded",
			"success", summary.Success,
			"failed", summary.Failed,
		)
		return nil
	}
}

// shouldForward applies the settings toggles and the host's per-rule opt-out.
// An event with email content is an email notification; one without, but
// addressed to a user, is a system notification.
func shouldForward(st push.Settings, ev push.NotificationEvent) (string, bool) {
	if !st.Enabled || !st.AutoForward {
		return "auto-forward disabled", false
	}
	if ev.PushDisabled {
		return "push disabled for rule " + ev.Rule, false
	}
	if ev.EmailContent != "" {
		if !st.ForwardEmail {
			return "email forwarding disabled", false
		}
		return "", true
	}
	if !st.ForwardSystem {
		return "system forwarding disabled", false
	}
	return "", true
}

// buildMessage reshapes the event into push content: subject becomes the
// title (with configured fallback), the body is the stripped email content
// or the subject itself, capped for lock-screen display.
func buildMessage(st push.Settings, ev push.NotificationEvent) push.Message {
	title := ev.Subject
	if title == "" {
		title = st.DefaultTitle
	}
	if title == "" {
		title = "Notification"
	}

	body := ev.EmailContent
	if body == "" {
		body = ev.Subject
	}
	body = truncateRunes(stripHTML(body), maxForwardBodyLen)

	kind := ev.Kind
	if kind == "" {
		kind = "notification"
	}

	return push.Message{
		Title: title,
		Body:  body,
		Data: map[string]any{
			"notification_log":  ev.ID,
			"notification_type": "frappe_notification",
			"type":              kind,
		},
	}
}

func stripHTML(s string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(s, ""))
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
