// Package firestore backs the device registry, settings singleton, and
// audit log with Google Cloud Firestore.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

const devicesCollection = "devices"

// DeviceStore implements push.DeviceStore using Firestore.
//
// Devices live in one flat collection so the lifecycle manager can disable
// by token across all users with a single query. The document id is a hash
// of (user, device id), which makes the per-device uniqueness structural.
type DeviceStore struct {
	client *firestore.Client
}

func NewDeviceStore(client *firestore.Client) *DeviceStore {
	return &DeviceStore{client: client}
}

// deviceRecord is the internal DB representation.
type deviceRecord struct {
	User              string                `firestore:"user"`
	Token             string                `firestore:"token"`
	DeviceID          string                `firestore:"device_id"`
	Platform          string                `firestore:"platform"`
	Enabled           bool                  `firestore:"enabled"`
	DeviceName        string                `firestore:"device_name,omitempty"`
	DeviceModel       string                `firestore:"device_model,omitempty"`
	OSVersion         string                `firestore:"os_version,omitempty"`
	AppVersion        string                `firestore:"app_version,omitempty"`
	WebSubscription   *push.WebSubscription `firestore:"web_subscription,omitempty"`
	CreatedOn         time.Time             `firestore:"created_on"`
	LastUsed          time.Time             `firestore:"last_used"`
	NotificationCount int64                 `firestore:"notification_count"`
}

func (r deviceRecord) toDevice() (push.Device, error) {
	user, err := urn.Parse(r.User)
	if err != nil {
		return push.Device{}, fmt.Errorf("corrupt device record owner %q: %w", r.User, err)
	}
	return push.Device{
		User:              user,
		Token:             r.Token,
		DeviceID:          r.DeviceID,
		Platform:          r.Platform,
		Enabled:           r.Enabled,
		DeviceName:        r.DeviceName,
		DeviceModel:       r.DeviceModel,
		OSVersion:         r.OSVersion,
		AppVersion:        r.AppVersion,
		WebSubscription:   r.WebSubscription,
		CreatedOn:         r.CreatedOn,
		LastUsed:          r.LastUsed,
		NotificationCount: r.NotificationCount,
	}, nil
}

// Register applies the upsert rules: an existing (user, token) row is
// touched in place; an existing (user, device id) row gets its token
// overwritten (token refresh); otherwise a new record is created.
func (s *DeviceStore) Register(ctx context.Context, dev push.Device) (push.Device, bool, error) {
	now := time.Now().UTC()
	deviceID := dev.EffectiveDeviceID()
	if dev.Platform == "" {
		dev.Platform = push.PlatformFCM
	}

	// 1. Same (user, token): refresh metadata and timestamps.
	existing, err := s.queryOne(ctx, s.devices().
		Where("user", "==", dev.User.String()).
		Where("token", "==", dev.Token))
	if err != nil {
		return push.Device{}, false, err
	}
	if existing != nil {
		return s.refresh(ctx, existing, dev, existing.record.Token, now)
	}

	// 2. Same (user, device id): same physical device with a rotated
	// token. Overwrite the token field rather than creating a new row.
	ref := s.devices().Doc(deviceDocID(dev.User, deviceID))
	snap, err := ref.Get(ctx)
	if err == nil {
		var rec deviceRecord
		if derr := snap.DataTo(&rec); derr != nil {
			return push.Device{}, false, fmt.Errorf("firestore decode failed: %w", derr)
		}
		return s.refresh(ctx, &foundDevice{ref: ref, record: rec}, dev, dev.Token, now)
	}
	if status.Code(err) != codes.NotFound {
		return push.Device{}, false, fmt.Errorf("firestore lookup failed: %w", err)
	}

	// 3. New device.
	rec := deviceRecord{
		User:              dev.User.String(),
		Token:             dev.Token,
		DeviceID:          deviceID,
		Platform:          dev.Platform,
		Enabled:           true,
		DeviceName:        dev.DeviceName,
		DeviceModel:       dev.DeviceModel,
		OSVersion:         dev.OSVersion,
		AppVersion:        dev.AppVersion,
		WebSubscription:   dev.WebSubscription,
		CreatedOn:         now,
		LastUsed:          now,
		NotificationCount: 0,
	}
	if _, err := ref.Set(ctx, rec); err != nil {
		return push.Device{}, false, fmt.Errorf("firestore create failed: %w", err)
	}
	created, err := rec.toDevice()
	return created, true, err
}

// refresh updates an existing record during registration. Empty metadata
// fields keep their stored values; registering always re-enables the device.
func (s *DeviceStore) refresh(ctx context.Context, found *foundDevice, dev push.Device, token string, now time.Time) (push.Device, bool, error) {
	rec := found.record
	rec.Token = token
	rec.Enabled = true
	rec.LastUsed = now
	if dev.DeviceName != "" {
		rec.DeviceName = dev.DeviceName
	}
	if dev.DeviceModel != "" {
		rec.DeviceModel = dev.DeviceModel
	}
	if dev.OSVersion != "" {
		rec.OSVersion = dev.OSVersion
	}
	if dev.AppVersion != "" {
		rec.AppVersion = dev.AppVersion
	}
	if dev.WebSubscription != nil {
		rec.WebSubscription = dev.WebSubscription
	}

	if _, err := found.ref.Set(ctx, rec); err != nil {
		return push.Device{}, false, fmt.Errorf("firestore update failed: %w", err)
	}
	updated, err := rec.toDevice()
	return updated, false, err
}

// Unregister deletes the caller's devices matching either selector.
func (s *DeviceStore) Unregister(ctx context.Context, user urn.URN, deviceID, token string) (int, error) {
	q := s.devices().Where("user", "==", user.String())
	switch {
	case deviceID != "":
		q = q.Where("device_id", "==", deviceID)
	case token != "":
		q = q.Where("token", "==", token)
	default:
		return 0, fmt.Errorf("device id or token required")
	}

	refs, err := s.collectRefs(ctx, q)
	if err != nil {
		return 0, err
	}
	for _, ref := range refs {
		if _, err := ref.Delete(ctx); err != nil {
			return 0, fmt.Errorf("firestore delete failed: %w", err)
		}
	}
	return len(refs), nil
}

func (s *DeviceStore) Devices(ctx context.Context, user urn.URN) ([]push.Device, error) {
	return s.queryDevices(ctx, s.devices().Where("user", "==", user.String()))
}

func (s *DeviceStore) EnabledDevices(ctx context.Context, user urn.URN) ([]push.Device, error) {
	return s.queryDevices(ctx, s.devices().
		Where("user", "==", user.String()).
		Where("enabled", "==", true))
}

func (s *DeviceStore) DeviceByToken(ctx context.Context, token string) (*push.Device, error) {
	found, err := s.queryOne(ctx, s.devices().Where("token", "==", token))
	if err != nil || found == nil {
		return nil, err
	}
	dev, err := found.record.toDevice()
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// UsersWithDevices returns the deduplicated owners of enabled devices.
func (s *DeviceStore) UsersWithDevices(ctx context.Context) ([]urn.URN, error) {
	iter := s.devices().Where("enabled", "==", true).Documents(ctx)
	defer iter.Stop()

	seen := make(map[string]struct{})
	var users []urn.URN
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		var rec deviceRecord
		if err := doc.DataTo(&rec); err != nil {
			continue
		}
		if _, ok := seen[rec.User]; ok {
			continue
		}
		seen[rec.User] = struct{}{}
		user, err := urn.Parse(rec.User)
		if err != nil {
			continue
		}
		users = append(users, user)
	}
	return users, nil
}

// DisableByToken disables every device sharing the token, across all
// users. A token belongs to one installation, so this is usually one row.
func (s *DeviceStore) DisableByToken(ctx context.Context, token string) (int, error) {
	refs, err := s.collectRefs(ctx, s.devices().Where("token", "==", token))
	if err != nil {
		return 0, err
	}
	for _, ref := range refs {
		if _, err := ref.Update(ctx, []firestore.Update{
			{Path: "enabled", Value: false},
		}); err != nil {
			return 0, fmt.Errorf("firestore disable failed: %w", err)
		}
	}
	return len(refs), nil
}

// RecordDelivery bumps the notification counter and touches last-used.
func (s *DeviceStore) RecordDelivery(ctx context.Context, token string, at time.Time) error {
	refs, err := s.collectRefs(ctx, s.devices().Where("token", "==", token))
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if _, err := ref.Update(ctx, []firestore.Update{
			{Path: "notification_count", Value: firestore.Increment(1)},
			{Path: "last_used", Value: at},
		}); err != nil {
			return fmt.Errorf("firestore delivery update failed: %w", err)
		}
	}
	return nil
}

func (s *DeviceStore) Touch(ctx context.Context, token string, at time.Time) error {
	refs, err := s.collectRefs(ctx, s.devices().Where("token", "==", token))
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if _, err := ref.Update(ctx, []firestore.Update{
			{Path: "last_used", Value: at},
		}); err != nil {
			return fmt.Errorf("firestore touch failed: %w", err)
		}
	}
	return nil
}

// --- Helpers ---

type foundDevice struct {
	ref    *firestore.DocumentRef
	record deviceRecord
}

func (s *DeviceStore) devices() *firestore.CollectionRef {
	return s.client.Collection(devicesCollection)
}

func (s *DeviceStore) queryOne(ctx context.Context, q firestore.Query) (*foundDevice, error) {
	iter := q.Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("firestore query failed: %w", err)
	}
	var rec deviceRecord
	if err := doc.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("firestore decode failed: %w", err)
	}
	return &foundDevice{ref: doc.Ref, record: rec}, nil
}

func (s *DeviceStore) queryDevices(ctx context.Context, q firestore.Query) ([]push.Device, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var devices []push.Device
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		var rec deviceRecord
		if err := doc.DataTo(&rec); err != nil {
			// Corrupt rows are skipped rather than failing the fan-out.
			continue
		}
		dev, err := rec.toDevice()
		if err != nil {
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func (s *DeviceStore) collectRefs(ctx context.Context, q firestore.Query) ([]*firestore.DocumentRef, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var refs []*firestore.DocumentRef
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		refs = append(refs, doc.Ref)
	}
	return refs, nil
}

func deviceDocID(user urn.URN, deviceID string) string {
	sum := sha256.Sum256([]byte(user.String() + "#" + deviceID))
	return hex.EncodeToString(sum[:])
}
