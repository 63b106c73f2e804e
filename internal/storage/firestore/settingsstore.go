package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

const (
	settingsCollection = "settings"
	settingsDocID      = "push_relay"
)

// SettingsStore implements push.SettingsSource over the singleton settings
// document. Every Load reads fresh; a dispatch never works from a stale
// snapshot older than its own call.
type SettingsStore struct {
	client *firestore.Client
}

func NewSettingsStore(client *firestore.Client) *SettingsStore {
	return &SettingsStore{client: client}
}

type settingsRecord struct {
	Enabled            bool   `firestore:"enabled"`
	ProjectID          string `firestore:"project_id"`
	ServiceAccountJSON string `firestore:"service_account_json"`
	ServerKey          string `firestore:"server_key"`
	ChannelID          string `firestore:"channel_id"`
	LogNotifications   bool   `firestore:"log_notifications"`
	AutoForward        bool   `firestore:"auto_forward"`
	ForwardSystem      bool   `firestore:"forward_system"`
	ForwardEmail       bool   `firestore:"forward_email"`
	DefaultTitle       string `firestore:"default_title"`
}

// Load returns the current settings. A missing document reads as the zero
// value, which downstream components surface as "not configured".
func (s *SettingsStore) Load(ctx context.Context) (push.Settings, error) {
	snap, err := s.client.Collection(settingsCollection).Doc(settingsDocID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return push.Settings{}, nil
	}
	if err != nil {
		return push.Settings{}, fmt.Errorf("settings read failed: %w", err)
	}

	var rec settingsRecord
	if err := snap.DataTo(&rec); err != nil {
		return push.Settings{}, fmt.Errorf("settings decode failed: %w", err)
	}

	return push.Settings{
		Enabled:            rec.Enabled,
		ProjectID:          rec.ProjectID,
		ServiceAccountJSON: rec.ServiceAccountJSON,
		ServerKey:          rec.ServerKey,
		ChannelID:          rec.ChannelID,
		LogNotifications:   rec.LogNotifications,
		AutoForward:        rec.AutoForward,
		ForwardSystem:      rec.ForwardSystem,
		ForwardEmail:       rec.ForwardEmail,
		DefaultTitle:       rec.DefaultTitle,
	}, nil
}

// Save writes the singleton record. Used by provisioning and tests.
func (s *SettingsStore) Save(ctx context.Context, st push.Settings) error {
	rec := settingsRecord{
		Enabled:            st.Enabled,
		ProjectID:          st.ProjectID,
		ServiceAccountJSON: st.ServiceAccountJSON,
		ServerKey:          st.ServerKey,
		ChannelID:          st.ChannelID,
		LogNotifications:   st.LogNotifications,
		AutoForward:        st.AutoForward,
		ForwardSystem:      st.ForwardSystem,
		ForwardEmail:       st.ForwardEmail,
		DefaultTitle:       st.DefaultTitle,
	}
	if _, err := s.client.Collection(settingsCollection).Doc(settingsDocID).Set(ctx, rec); err != nil {
		return fmt.Errorf("settings write failed: %w", err)
	}
	return nil
}
