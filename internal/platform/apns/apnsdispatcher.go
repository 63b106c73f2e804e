// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type Dispatcher struct {
	client APNSClient
	topic  string // the app bundle id
	logger *slog.Logger
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file.
	P8KeyContent string
}

// NewDispatcher creates a configured APNs dispatcher. It parses the P8 key
// immediately to fail fast on startup if credentials are bad.
func NewDispatcher(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	return &Dispatcher{
		client: apns2.NewTokenClient(tokenSource),
		topic:  cfg.BundleID,
		logger: logger.With("component", "APNSDispatcher"),
	}, nil
}

// Send dispatches one message to one APNs device token. Dead-token reasons
// map to the token-invalid classification; everything else is a plain
// transport failure.
func (d *Dispatcher) Send(ctx context.Context, deviceToken string, msg push.Message) push.Result {
	builder := payload.NewPayload()
	if msg.Silent() {
		builder.ContentAvailable()
	} else {
		builder.AlertTitle(msg.Title).AlertBody(msg.Body).Sound("default")
	}
	for k, v := range msg.Data {
		builder.Custom(k, v)
	}

	n := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       d.topic,
		Payload:     builder,
	}

	res, err := d.client.PushWithContext(ctx, n)
	if err != nil {
		d.logger.Error("APNs transport failed", "err", err)
		return push.Failure(push.KindTransport, "", err.Error())
	}

	if res.Sent() {
		return push.Sent(res.ApnsID)
	}

	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return push.Failure(push.KindTokenInvalid, res.Reason, "device token is no longer valid")
	default:
		// The token might be fine while our configuration is wrong, so
		// these never count as invalid tokens.
		d.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		return push.Failure(push.KindTransport, res.Reason, res.Reason)
	}
}
