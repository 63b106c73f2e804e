// Package api is the authenticated HTTP surface. Caller identity always
// comes from the verified request context, never from the request body.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-relay/internal/fanout"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// DeviceChecker pings one token for liveness.
type DeviceChecker interface {
	CheckDevice(ctx context.Context, token string) (fanout.Validity, error)
}

type DeviceAPI struct {
	Store   push.DeviceStore
	Checker DeviceChecker
	Logger  *slog.Logger
}

func NewDeviceAPI(store push.DeviceStore, checker DeviceChecker, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		Store:   store,
		Checker: checker,
		Logger:  logger,
	}
}

type RegisterRequest struct {
	Token           string                `json:"token"`
	DeviceID        string                `json:"device_id,omitempty"`
	Platform        string                `json:"platform,omitempty"`
	DeviceName      string                `json:"device_name,omitempty"`
	DeviceModel     string                `json:"device_model,omitempty"`
	OSVersion       string                `json:"os_version,omitempty"`
	AppVersion      string                `json:"app_version,omitempty"`
	WebSubscription *push.WebSubscription `json:"web_subscription,omitempty"`
}

type RegisterResponse struct {
	DeviceID string `json:"device_id"`
	Created  bool   `json:"created"`
}

func (api *DeviceAPI) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := callerURN(w, r)
	if !ok {
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	platform := req.Platform
	if platform == "" {
		platform = push.PlatformFCM
	}
	if platform == push.PlatformWeb && req.WebSubscription == nil {
		response.WriteJSONError(w, http.StatusBadRequest, "web devices require a subscription")
		return
	}

	dev := push.Device{
		User:            userURN,
		Token:           req.Token,
		DeviceID:        req.DeviceID,
		Platform:        platform,
		DeviceName:      req.DeviceName,
		DeviceModel:     req.DeviceModel,
		OSVersion:       req.OSVersion,
		AppVersion:      req.AppVersion,
		WebSubscription: req.WebSubscription,
	}

	stored, created, err := api.Store.Register(ctx, dev)
	if err != nil {
		api.Logger.Error("failed to register device", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Device registered", "user", userURN, "device_id", stored.EffectiveDeviceID(), "created", created)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, RegisterResponse{DeviceID: stored.EffectiveDeviceID(), Created: created})
}

type UnregisterRequest struct {
	DeviceID string `json:"device_id,omitempty"`
	Token    string `json:"token,omitempty"`
}

type UnregisterResponse struct {
	Removed int `json:"removed"`
}

func (api *DeviceAPI) Unregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := callerURN(w, r)
	if !ok {
		return
	}

	var req UnregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceID == "" && req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "device_id or token required")
		return
	}

	removed, err := api.Store.Unregister(ctx, userURN, req.DeviceID, req.Token)
	if err != nil {
		// Idempotency is preferred for unregister; log and report zero.
		api.Logger.Warn("failed to unregister device", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Device unregistered", "user", userURN, "removed", removed)

	writeJSON(w, http.StatusOK, UnregisterResponse{Removed: removed})
}

// DeviceView is the owner-facing wire shape of a registered device. The raw
// token is not echoed back.
type DeviceView struct {
	DeviceID          string    `json:"device_id"`
	Platform          string    `json:"platform"`
	Enabled           bool      `json:"enabled"`
	DeviceName        string    `json:"device_name,omitempty"`
	DeviceModel       string    `json:"device_model,omitempty"`
	OSVersion         string    `json:"os_version,omitempty"`
	AppVersion        string    `json:"app_version,omitempty"`
	CreatedOn         time.Time `json:"created_on"`
	LastUsed          time.Time `json:"last_used"`
	NotificationCount int64     `json:"notification_count"`
}

func (api *DeviceAPI) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := callerURN(w, r)
	if !ok {
		return
	}

	devices, err := api.Store.Devices(ctx, userURN)
	if err != nil {
		api.Logger.Error("failed to list devices", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, DeviceView{
			DeviceID:          d.EffectiveDeviceID(),
			Platform:          d.Platform,
			Enabled:           d.Enabled,
			DeviceName:        d.DeviceName,
			DeviceModel:       d.DeviceModel,
			OSVersion:         d.OSVersion,
			AppVersion:        d.AppVersion,
			CreatedOn:         d.CreatedOn,
			LastUsed:          d.LastUsed,
			NotificationCount: d.NotificationCount,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type CheckRequest struct {
	Token string `json:"token"`
}

func (api *DeviceAPI) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := callerURN(w, r); !ok {
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	verdict, err := api.Checker.CheckDevice(ctx, req.Token)
	if err != nil {
		api.Logger.Error("device check failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "check failed")
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// --- shared helpers ---

func callerURN(w http.ResponseWriter, r *http.Request) (urn.URN, bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return urn.URN{}, false
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid identity")
		return urn.URN{}, false
	}
	return userURN, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
