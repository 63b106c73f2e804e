// Package push contains the public domain model and contracts for the
// push relay service.
package push

import (
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Device platforms.
const (
	PlatformFCM  = "fcm"
	PlatformWeb  = "web"
	PlatformAPNS = "apns"
)

// DefaultChannelID is the Android notification channel used when the
// settings record does not name one.
const DefaultChannelID = "frappe_fcm_notifications"

// deviceIDPrefixLen is how many leading token characters form a derived
// device identifier when the client did not supply one.
const deviceIDPrefixLen = 16

// WebSubscription is a browser push subscription (VAPID). Keys are kept in
// their base64url wire encoding.
type WebSubscription struct {
	Endpoint string `json:"endpoint" firestore:"endpoint"`
	P256dh   string `json:"p256dh" firestore:"p256dh"`
	Auth     string `json:"auth" firestore:"auth"`
}

// Device is one registered push endpoint for a user.
//
// Uniqueness: at most one Device per (user, token) and per (user, device id).
// A token refresh for a known device id overwrites the token in place.
// For web devices the subscription endpoint doubles as the token.
type Device struct {
	User              urn.URN
	Token             string
	DeviceID          string
	Platform          string
	Enabled           bool
	DeviceName        string
	DeviceModel       string
	OSVersion         string
	AppVersion        string
	WebSubscription   *WebSubscription
	CreatedOn         time.Time
	LastUsed          time.Time
	NotificationCount int64
}

// EffectiveDeviceID returns the client-supplied device id, or one derived
// from the token's leading characters when none was given.
func (d Device) EffectiveDeviceID() string {
	if d.DeviceID != "" {
		return d.DeviceID
	}
	if len(d.Token) > deviceIDPrefixLen {
		return d.Token[:deviceIDPrefixLen]
	}
	return d.Token
}

// Message is the transport-agnostic notification content handed to a
// dispatcher. An empty Title and Body makes it a silent data-only message.
type Message struct {
	Title    string
	Body     string
	Data     map[string]any
	ImageURL string
}

// Silent reports whether the message carries no visible notification.
func (m Message) Silent() bool {
	return m.Title == "" && m.Body == ""
}

// Settings is the singleton transport configuration read from the settings
// store. The service-account credential wins over the legacy server key when
// both are present.
type Settings struct {
	Enabled            bool
	ProjectID          string
	ServiceAccountJSON string
	ServerKey          string
	ChannelID          string
	LogNotifications   bool
	AutoForward        bool
	ForwardSystem      bool
	ForwardEmail       bool
	DefaultTitle       string
}

// HasServiceAccount reports whether the v1 transport can be used.
func (s Settings) HasServiceAccount() bool {
	return s.ServiceAccountJSON != ""
}

// HasServerKey reports whether the legacy transport can be used.
func (s Settings) HasServerKey() bool {
	return s.ServerKey != ""
}

// Channel returns the Android notification channel id, falling back to the
// default when the settings record leaves it blank.
func (s Settings) Channel() string {
	if s.ChannelID != "" {
		return s.ChannelID
	}
	return DefaultChannelID
}

// Audit statuses.
const (
	AuditStatusSent   = "Sent"
	AuditStatusFailed = "Failed"
)

// AuditRecord is the persisted trace of one dispatch attempt. Tokens are
// never stored whole; only a short preview survives.
type AuditRecord struct {
	RecipientUser    string
	DeviceID         string
	TokenPreview     string
	Title            string
	Body             string
	DataPayload      string
	Response         string
	Status           string
	ErrorMessage     string
	Kind             string
	ReferenceDoctype string
	ReferenceName    string
	SentAt           time.Time
}

// NotificationEvent is the host application's notification-log event as it
// arrives over the message bus. Rule is advisory only; the host signals a
// per-rule opt-out explicitly through PushDisabled.
type NotificationEvent struct {
	ID           string `json:"id"`
	ForUser      string `json:"for_user"`
	Subject      string `json:"subject"`
	EmailContent string `json:"email_content,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	DocumentName string `json:"document_name,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Rule         string `json:"rule,omitempty"`
	PushDisabled bool   `json:"push_disabled,omitempty"`
}
