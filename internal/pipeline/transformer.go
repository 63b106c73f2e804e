// Package pipeline contains the message processing components that turn host
// notification-log events into push dispatches.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// NotificationEventTransformer is a dataflow Transformer that safely
// unmarshals a raw message payload into a structured push.NotificationEvent.
func NotificationEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*push.NotificationEvent, bool, error) {
	var event push.NotificationEvent

	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		// Malformed payloads are skipped so the StreamingService can handle
		// the Nack/DLQ logic.
		return nil, true, fmt.Errorf("failed to unmarshal notification event from message %s: %w", msg.ID, err)
	}
	if event.ForUser == "" {
		return nil, true, fmt.Errorf("notification event %s has no recipient", msg.ID)
	}

	return &event, false, nil
}
