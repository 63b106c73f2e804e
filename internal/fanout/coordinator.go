// Package fanout resolves a user to their enabled devices, dispatches to
// each through the platform door for that device, and applies the token
// lifecycle rules to the outcomes.
package fanout

import (
	"context"
	"log/slog"
	"strings"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-relay/internal/audit"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// notConfiguredMessage is returned whenever the settings record disables the
// relay. No network call happens in that case.
const notConfiguredMessage = "push relay not configured"

// Auditor records one dispatch attempt. Nil-safe via the noopAuditor.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, audit.Entry) {}

// Reference links a notification to a host-application document. The deep
// link derived from it lands in the data payload.
type Reference struct {
	Doctype string `json:"doctype"`
	Name    string `json:"name"`
}

// Summary is the per-user fan-out outcome.
type Summary struct {
	Success int    `json:"success_count"`
	Failed  int    `json:"failure_count"`
	Message string `json:"message,omitempty"`
}

// BatchSummary folds per-user summaries for multi-user sends.
type BatchSummary struct {
	TotalSuccess int                `json:"total_success"`
	TotalFailed  int                `json:"total_failed"`
	ByUser       map[string]Summary `json:"by_user"`
}

// Validity is the liveness-check verdict for one device.
type Validity struct {
	Valid    bool   `json:"valid"`
	Disabled bool   `json:"disabled"`
	Message  string `json:"message,omitempty"`
}

// Coordinator is the dispatch hub. Every platform door is optional except
// FCM; devices on a platform with no door fail with a config result.
type Coordinator struct {
	settings push.SettingsSource
	store    push.DeviceStore
	fcm      push.Dispatcher
	topics   push.TopicDispatcher
	web      push.WebDispatcher
	apns     push.Dispatcher
	auditor  Auditor
	baseURL  string
	logger   *slog.Logger
}

type Option func(*Coordinator)

// WithWebDispatcher enables the browser push door.
func WithWebDispatcher(d push.WebDispatcher) Option {
	return func(c *Coordinator) { c.web = d }
}

// WithAPNSDispatcher enables the APNs door.
func WithAPNSDispatcher(d push.Dispatcher) Option {
	return func(c *Coordinator) { c.apns = d }
}

// WithAuditor wires the audit trail.
func WithAuditor(a Auditor) Option {
	return func(c *Coordinator) { c.auditor = a }
}

// WithHostBaseURL sets the base for derived document deep links.
func WithHostBaseURL(base string) Option {
	return func(c *Coordinator) { c.baseURL = strings.TrimRight(base, "/") }
}

func NewCoordinator(
	settings push.SettingsSource,
	store push.DeviceStore,
	fcm push.Dispatcher,
	topics push.TopicDispatcher,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		settings: settings,
		store:    store,
		fcm:      fcm,
		topics:   topics,
		auditor:  noopAuditor{},
		logger:   logger.With("component", "fanout"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendToUser dispatches the message to every enabled device of one user.
// Zero devices is a success with zero counts; nothing is dispatched.
func (c *Coordinator) SendToUser(ctx context.Context, user urn.URN, msg push.Message, ref *Reference) (Summary, error) {
	st, err := c.settings.Load(ctx)
	if err != nil {
		return Summary{}, err
	}
	if !st.Enabled {
		return Summary{Message: notConfiguredMessage}, nil
	}
	return c.fanOut(ctx, st, user, msg, ref)
}

// SendToUsers is the per-user fold of SendToUser with one settings snapshot
// for the whole batch. A store failure for one user is recorded in that
// user's summary and does not abort the rest.
func (c *Coordinator) SendToUsers(ctx context.Context, users []urn.URN, msg push.Message, ref *Reference) (BatchSummary, error) {
	st, err := c.settings.Load(ctx)
	if err != nil {
		return BatchSummary{}, err
	}
	batch := BatchSummary{ByUser: make(map[string]Summary, len(users))}
	if !st.Enabled {
		for _, u := range users {
			batch.ByUser[u.String()] = Summary{Message: notConfiguredMessage}
		}
		return batch, nil
	}

	for _, u := range users {
		sum, err := c.fanOut(ctx, st, u, msg, ref)
		if err != nil {
			sum = Summary{Message: err.Error()}
		}
		batch.ByUser[u.String()] = sum
		batch.TotalSuccess += sum.Success
		batch.TotalFailed += sum.Failed
	}
	return batch, nil
}

// NotifyAll targets every user owning at least one enabled device, minus the
// exclusions.
func (c *Coordinator) NotifyAll(ctx context.Context, msg push.Message, ref *Reference, exclude []urn.URN) (BatchSummary, error) {
	users, err := c.store.UsersWithDevices(ctx)
	if err != nil {
		return BatchSummary{}, err
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, u := range exclude {
		excluded[u.String()] = struct{}{}
	}

	targets := users[:0]
	for _, u := range users {
		if _, skip := excluded[u.String()]; !skip {
			targets = append(targets, u)
		}
	}
	return c.SendToUsers(ctx, targets, msg, ref)
}

// SendToTopic broadcasts to an FCM topic. Topic results never classify token
// invalidity, so no lifecycle action and no audit entry follow.
func (c *Coordinator) SendToTopic(ctx context.Context, topic string, msg push.Message) (push.Result, error) {
	st, err := c.settings.Load(ctx)
	if err != nil {
		return push.Result{}, err
	}
	if !st.Enabled {
		return push.Failure(push.KindConfig, "", notConfiguredMessage), nil
	}
	return c.topics.SendToTopic(ctx, topic, msg), nil
}

// CheckDevice sends a silent data-only ping to the token's device and
// reports the verdict. A token-invalid outcome disables the device records
// as a side effect; a transport failure leaves the verdict unknown.
func (c *Coordinator) CheckDevice(ctx context.Context, token string) (Validity, error) {
	dev, err := c.store.DeviceByToken(ctx, token)
	if err != nil {
		return Validity{}, err
	}
	if dev == nil {
		return Validity{Message: "unknown device"}, nil
	}

	st, err := c.settings.Load(ctx)
	if err != nil {
		return Validity{}, err
	}
	if !st.Enabled {
		return Validity{Message: notConfiguredMessage}, nil
	}

	ping := push.Message{Data: map[string]any{"type": "ping", "silent": "true"}}
	res := c.dispatch(ctx, *dev, ping)

	switch {
	case res.Success:
		if err := c.store.Touch(ctx, dev.Token, time.Now().UTC()); err != nil {
			c.logger.Warn("Failed to touch device after ping", "token_preview", preview(dev.Token), "error", err)
		}
		return Validity{Valid: true}, nil
	case res.Kind == push.KindTokenInvalid:
		c.disableToken(ctx, dev.Token)
		return Validity{Disabled: true, Message: res.Error}, nil
	default:
		return Validity{Message: res.Error}, nil
	}
}

// fanOut runs the sequential dispatch loop for one user under an already
// loaded settings snapshot.
func (c *Coordinator) fanOut(ctx context.Context, st push.Settings, user urn.URN, msg push.Message, ref *Reference) (Summary, error) {
	devices, err := c.store.EnabledDevices(ctx, user)
	if err != nil {
		return Summary{}, err
	}
	if len(devices) == 0 {
		return Summary{}, nil
	}

	msg = c.enrich(msg, ref)

	var sum Summary
	for _, dev := range devices {
		res := c.dispatch(ctx, dev, msg)

		if res.Success {
			sum.Success++
			if err := c.store.RecordDelivery(ctx, dev.Token, time.Now().UTC()); err != nil {
				c.logger.Warn("Failed to record delivery", "token_preview", preview(dev.Token), "error", err)
			}
		} else {
			sum.Failed++
			if res.Kind == push.KindTokenInvalid {
				c.disableToken(ctx, dev.Token)
			}
		}

		if st.LogNotifications {
			entry := audit.Entry{
				User:     user.String(),
				Token:    dev.Token,
				DeviceID: dev.EffectiveDeviceID(),
				Msg:      msg,
				Result:   res,
			}
			if ref != nil {
				entry.RefDoctype = ref.Doctype
				entry.RefName = ref.Name
			}
			c.auditor.Record(ctx, entry)
		}
	}
	return sum, nil
}

// dispatch routes one message to the door matching the device platform.
func (c *Coordinator) dispatch(ctx context.Context, dev push.Device, msg push.Message) push.Result {
	switch dev.Platform {
	case push.PlatformWeb:
		if c.web == nil {
			return push.Failure(push.KindConfig, "", "web push not configured")
		}
		if dev.WebSubscription == nil {
			return push.Failure(push.KindConfig, "", "device has no web subscription")
		}
		return c.web.Send(ctx, *dev.WebSubscription, msg)
	case push.PlatformAPNS:
		if c.apns == nil {
			return push.Failure(push.KindConfig, "", "apns not configured")
		}
		return c.apns.Send(ctx, dev.Token, msg)
	default:
		return c.fcm.Send(ctx, dev.Token, msg)
	}
}

// enrich attaches the document reference and a derived deep link to the data
// payload. An already present url key wins over the derived one.
func (c *Coordinator) enrich(msg push.Message, ref *Reference) push.Message {
	if ref == nil || ref.Doctype == "" || ref.Name == "" {
		return msg
	}

	data := make(map[string]any, len(msg.Data)+3)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["doctype"] = ref.Doctype
	data["name"] = ref.Name
	if _, present := data["url"]; !present && c.baseURL != "" {
		data["url"] = c.baseURL + "/app/" + scrub(ref.Doctype) + "/" + ref.Name
	}
	msg.Data = data
	return msg
}

func (c *Coordinator) disableToken(ctx context.Context, token string) {
	n, err := c.store.DisableByToken(ctx, token)
	if err != nil {
		c.logger.Error("Failed to disable invalid token", "token_preview", preview(token), "error", err)
		return
	}
	c.logger.Info("Disabled devices for invalid token", "token_preview", preview(token), "count", n)
}

// scrub turns a document type into its URL path segment.
func scrub(doctype string) string {
	s := strings.ToLower(doctype)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

func preview(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
