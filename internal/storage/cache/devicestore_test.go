package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-relay/internal/storage/cache"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// --- Mocks ---
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest interface{}) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}
func (m *MockCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}
func (m *MockCache) Del(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type MockRealStore struct {
	mock.Mock
}

func (m *MockRealStore) Register(ctx context.Context, dev push.Device) (push.Device, bool, error) {
	args := m.Called(ctx, dev)
	return args.Get(0).(push.Device), args.Bool(1), args.Error(2)
}
func (m *MockRealStore) Unregister(ctx context.Context, user urn.URN, deviceID, token string) (int, error) {
	args := m.Called(ctx, user, deviceID, token)
	return args.Int(0), args.Error(1)
}
func (m *MockRealStore) EnabledDevices(ctx context.Context, user urn.URN) ([]push.Device, error) {
	args := m.Called(ctx, user)
	return args.Get(0).([]push.Device), args.Error(1)
}
func (m *MockRealStore) DeviceByToken(ctx context.Context, token string) (*push.Device, error) {
	args := m.Called(ctx, token)
	dev, _ := args.Get(0).(*push.Device)
	return dev, args.Error(1)
}
func (m *MockRealStore) DisableByToken(ctx context.Context, token string) (int, error) {
	args := m.Called(ctx, token)
	return args.Int(0), args.Error(1)
}

// (Stub other methods as needed)
func (m *MockRealStore) Devices(context.Context, urn.URN) ([]push.Device, error) { return nil, nil }
func (m *MockRealStore) UsersWithDevices(context.Context) ([]urn.URN, error)     { return nil, nil }
func (m *MockRealStore) RecordDelivery(context.Context, string, time.Time) error { return nil }
func (m *MockRealStore) Touch(context.Context, string, time.Time) error          { return nil }

func TestCachedStore_ImmediateInvalidation(t *testing.T) {
	ctx := context.Background()
	mockCache := new(MockCache)
	mockDB := new(MockRealStore)

	store := cache.NewCachedDeviceStore(mockDB, mockCache, 1*time.Hour)
	userURN, _ := urn.Parse("urn:sm:user:annoyed-user")
	cacheKey := "pushrelay:devices:urn:sm:user:annoyed-user"

	t.Run("Unregister invalidates cache immediately", func(t *testing.T) {
		// 1. Expect DB call
		mockDB.On("Unregister", ctx, userURN, "", "dead-token").Return(1, nil)

		// 2. Expect Cache DELETE (Crucial!)
		mockCache.On("Del", ctx, cacheKey).Return(nil)

		n, err := store.Unregister(ctx, userURN, "", "dead-token")

		require.NoError(t, err)
		assert.Equal(t, 1, n)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Subsequent read hits DB (Cache Miss)", func(t *testing.T) {
		// 1. Expect Cache Miss (simulating the delete worked)
		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(assert.AnError) // Error implies miss

		// 2. Expect DB Read (Source of Truth)
		// Return empty set (user disabled notifications)
		mockDB.On("EnabledDevices", ctx, userURN).Return([]push.Device{}, nil)

		// 3. Expect Cache SET (Refilling with empty state)
		mockCache.On("Set", ctx, cacheKey, mock.Anything, mock.Anything).Return(nil)

		devices, err := store.EnabledDevices(ctx, userURN)

		require.NoError(t, err)
		require.Empty(t, devices)
		mockDB.AssertExpectations(t)
	})

	t.Run("DisableByToken resolves owner before invalidating", func(t *testing.T) {
		owner := push.Device{User: userURN, Token: "stale-token"}
		mockDB.On("DeviceByToken", ctx, "stale-token").Return(&owner, nil)
		mockDB.On("DisableByToken", ctx, "stale-token").Return(1, nil)
		mockCache.On("Del", ctx, cacheKey).Return(nil)

		n, err := store.DisableByToken(ctx, "stale-token")

		require.NoError(t, err)
		assert.Equal(t, 1, n)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})
}
