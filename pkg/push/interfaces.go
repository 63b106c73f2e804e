package push

import (
	"context"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Dispatcher sends one message to one token and reports the normalized
// outcome. Implementations never return errors; every failure is folded
// into the Result.
type Dispatcher interface {
	Send(ctx context.Context, token string, msg Message) Result
}

// TopicDispatcher broadcasts to a named topic. Topic results carry no
// token-invalidity classification.
type TopicDispatcher interface {
	SendToTopic(ctx context.Context, topic string, msg Message) Result
}

// WebDispatcher sends to a browser push subscription.
type WebDispatcher interface {
	Send(ctx context.Context, sub WebSubscription, msg Message) Result
}

// DeviceStore is the device registry contract. It supports the equality
// lookups the fan-out and lifecycle paths need, plus bulk disablement by
// token across all users.
type DeviceStore interface {
	// Register creates or updates a device per the (user, token) /
	// (user, device id) matching rules. It returns the stored device and
	// whether a new record was created.
	Register(ctx context.Context, dev Device) (Device, bool, error)

	// Unregister deletes the caller's devices matching the device id or
	// token selector and returns how many were removed.
	Unregister(ctx context.Context, user urn.URN, deviceID, token string) (int, error)

	// Devices returns every device owned by the user.
	Devices(ctx context.Context, user urn.URN) ([]Device, error)

	// EnabledDevices returns the user's dispatchable devices.
	EnabledDevices(ctx context.Context, user urn.URN) ([]Device, error)

	// DeviceByToken resolves a token to its device, or nil when unknown.
	DeviceByToken(ctx context.Context, token string) (*Device, error)

	// UsersWithDevices returns the deduplicated set of users owning at
	// least one enabled device.
	UsersWithDevices(ctx context.Context) ([]urn.URN, error)

	// DisableByToken sets enabled=false on every device sharing the token,
	// across all users. Idempotent.
	DisableByToken(ctx context.Context, token string) (int, error)

	// RecordDelivery bumps the notification counter and last-used
	// timestamp for the token's device.
	RecordDelivery(ctx context.Context, token string, at time.Time) error

	// Touch updates only the last-used timestamp.
	Touch(ctx context.Context, token string, at time.Time) error
}

// SettingsSource reads the singleton settings record. Load returns a fresh
// view on every call; callers hold the snapshot for at most one dispatch.
type SettingsSource interface {
	Load(ctx context.Context) (Settings, error)
}

// AuditSink persists audit records. Write failures are the caller's problem
// to swallow; sinks just report them.
type AuditSink interface {
	Write(ctx context.Context, rec AuditRecord) error
}
