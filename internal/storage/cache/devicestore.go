// Package cache decorates the device registry with a read-aside Redis
// layer for the fan-out hot path.
package cache

import (
	"context"
	"fmt"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// cachedDevice is the wire form of an enabled device in the cache entry.
// The owner is kept as a string because urn.URN round-trips through its
// textual form.
type cachedDevice struct {
	User            string                `json:"user"`
	Token           string                `json:"token"`
	DeviceID        string                `json:"device_id"`
	Platform        string                `json:"platform"`
	WebSubscription *push.WebSubscription `json:"web_subscription,omitempty"`
}

// CachedDeviceStore is a decorator that adds read-aside caching of the
// enabled-device set to any push.DeviceStore. Every write path invalidates
// the owner's entry so a disablement takes effect immediately.
type CachedDeviceStore struct {
	realStore push.DeviceStore
	cache     CacheClient
	ttl       time.Duration
}

func NewCachedDeviceStore(realStore push.DeviceStore, cache CacheClient, ttl time.Duration) *CachedDeviceStore {
	return &CachedDeviceStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATH (read-aside) ---

// EnabledDevices serves the fan-out lookup from cache when possible. Only
// the fields the dispatch path needs are cached; counters and timestamps
// stay authoritative in the real store.
func (s *CachedDeviceStore) EnabledDevices(ctx context.Context, user urn.URN) ([]push.Device, error) {
	key := s.cacheKey(user)

	var cached []cachedDevice
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		devices := make([]push.Device, 0, len(cached))
		for _, c := range cached {
			devices = append(devices, push.Device{
				User:            user,
				Token:           c.Token,
				DeviceID:        c.DeviceID,
				Platform:        c.Platform,
				Enabled:         true,
				WebSubscription: c.WebSubscription,
			})
		}
		return devices, nil
	}

	fresh, err := s.realStore.EnabledDevices(ctx, user)
	if err != nil {
		return nil, err
	}

	entry := make([]cachedDevice, 0, len(fresh))
	for _, d := range fresh {
		entry = append(entry, cachedDevice{
			User:            d.User.String(),
			Token:           d.Token,
			DeviceID:        d.DeviceID,
			Platform:        d.Platform,
			WebSubscription: d.WebSubscription,
		})
	}
	// Caching is an optimization, not a transaction. If Redis is down we
	// just serve from the real store.
	_ = s.cache.Set(ctx, key, entry, s.ttl)

	return fresh, nil
}

// --- WRITE PATHS (invalidate-on-write) ---

func (s *CachedDeviceStore) Register(ctx context.Context, dev push.Device) (push.Device, bool, error) {
	stored, created, err := s.realStore.Register(ctx, dev)
	if err != nil {
		return stored, created, err
	}
	return stored, created, s.invalidate(ctx, dev.User)
}

func (s *CachedDeviceStore) Unregister(ctx context.Context, user urn.URN, deviceID, token string) (int, error) {
	n, err := s.realStore.Unregister(ctx, user, deviceID, token)
	if err != nil {
		return n, err
	}
	return n, s.invalidate(ctx, user)
}

// DisableByToken must clear the owner's cache entry even though the write
// succeeds, otherwise a dead token keeps receiving dispatches until the TTL
// expires.
func (s *CachedDeviceStore) DisableByToken(ctx context.Context, token string) (int, error) {
	dev, err := s.realStore.DeviceByToken(ctx, token)
	if err != nil {
		return 0, err
	}

	n, err := s.realStore.DisableByToken(ctx, token)
	if err != nil {
		return n, err
	}

	if dev != nil {
		return n, s.invalidate(ctx, dev.User)
	}
	return n, nil
}

// --- PASS-THROUGH PATHS ---

func (s *CachedDeviceStore) Devices(ctx context.Context, user urn.URN) ([]push.Device, error) {
	return s.realStore.Devices(ctx, user)
}

func (s *CachedDeviceStore) DeviceByToken(ctx context.Context, token string) (*push.Device, error) {
	return s.realStore.DeviceByToken(ctx, token)
}

func (s *CachedDeviceStore) UsersWithDevices(ctx context.Context) ([]urn.URN, error) {
	return s.realStore.UsersWithDevices(ctx)
}

// RecordDelivery and Touch change no token set, so the cache entry stays.
func (s *CachedDeviceStore) RecordDelivery(ctx context.Context, token string, at time.Time) error {
	return s.realStore.RecordDelivery(ctx, token, at)
}

func (s *CachedDeviceStore) Touch(ctx context.Context, token string, at time.Time) error {
	return s.realStore.Touch(ctx, token, at)
}

// --- Helpers ---

func (s *CachedDeviceStore) invalidate(ctx context.Context, user urn.URN) error {
	// Delete the key; the next EnabledDevices is forced back to the real
	// store. This keeps "disable notifications" immediate.
	return s.cache.Del(ctx, s.cacheKey(user))
}

func (s *CachedDeviceStore) cacheKey(user urn.URN) string {
	return fmt.Sprintf("pushrelay:devices:%s", user.String())
}
