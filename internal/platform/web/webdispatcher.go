// Package web sends to browser push subscriptions over the VAPID protocol.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
	"github.com/tinywideclouds/go-push-relay/pushrelay/config"
)

type Dispatcher struct {
	subscriber string
	privateKey string
	publicKey  string
	logger     *slog.Logger
	httpClient *http.Client
}

func NewDispatcher(cfg config.VapidConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		logger:     logger.With("component", "WebPushDispatcher"),
		httpClient: &http.Client{},
	}
}

// Send pushes one message to one subscription. A 410/404 from the push
// service means the subscription is dead and is classified accordingly so
// the lifecycle manager can disable the device record.
func (d *Dispatcher) Send(ctx context.Context, sub push.WebSubscription, msg push.Message) push.Result {
	payload, err := json.Marshal(map[string]any{
		"notification": map[string]string{
			"title": msg.Title,
			"body":  msg.Body,
		},
		"data": msg.Data,
	})
	if err != nil {
		return push.Failure(push.KindTransport, "", "payload encoding failed: "+err.Error())
	}

	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, s, &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             60,
		HTTPClient:      d.httpClient,
	})
	if err != nil {
		d.logger.Error("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
		return push.Failure(push.KindTransport, "", err.Error())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return push.Sent(resp.Header.Get("Location"))
	case http.StatusGone, http.StatusNotFound:
		// Subscription expired or unsubscribed.
		return push.Failure(push.KindTokenInvalid, strconv.Itoa(resp.StatusCode), "subscription is no longer valid")
	default:
		d.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
		return push.Failure(push.KindTransport, strconv.Itoa(resp.StatusCode), "push service rejected the request")
	}
}
