// Package fcm implements the FCM transport dispatcher: credential exchange,
// payload construction, and normalization of the v1 and legacy API response
// shapes into one result contract.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// DefaultBaseURL is the production FCM API origin.
const DefaultBaseURL = "https://fcm.googleapis.com"

// requestTimeout bounds every outbound call. A timeout is a generic
// transport failure, never a token-invalidity signal.
const requestTimeout = 30 * time.Second

// Legacy API error strings that mean the token is permanently dead.
const (
	legacyErrInvalidRegistration = "InvalidRegistration"
	legacyErrNotRegistered       = "NotRegistered"
)

// unregisteredCode is the v1 API's single token-invalidity signal.
const unregisteredCode = "UNREGISTERED"

// Dispatcher picks the v1 or legacy transport per the settings snapshot,
// performs the outbound call, and always returns a push.Result; no error
// crosses its boundary.
type Dispatcher struct {
	settings push.SettingsSource
	logger   *slog.Logger

	// BaseURL is the FCM API origin. Tests point it at a local server.
	BaseURL string
	// Exchange derives a bearer token for the v1 transport. Tests stub it.
	Exchange AccessTokenFunc
	// Client performs the outbound calls.
	Client *http.Client
}

// NewDispatcher creates a dispatcher reading credentials from the given
// settings source on every call.
func NewDispatcher(settings push.SettingsSource, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		settings: settings,
		logger:   logger.With("component", "FCMDispatcher"),
		BaseURL:  DefaultBaseURL,
		Exchange: AccessToken,
		Client:   &http.Client{Timeout: requestTimeout},
	}
}

// Send dispatches one message to one device token.
func (d *Dispatcher) Send(ctx context.Context, token string, msg push.Message) push.Result {
	st, fail := d.loadSettings(ctx)
	if fail != nil {
		return *fail
	}

	switch {
	case st.HasServiceAccount():
		return d.sendV1(ctx, st, "token", token, msg, true)
	case st.HasServerKey():
		return d.sendLegacy(ctx, st, token, msg, true)
	default:
		return push.Failure(push.KindConfig, "", "no FCM credentials configured")
	}
}

// SendToTopic broadcasts to a named topic. Topics are not single tokens, so
// no invalidity classification applies to the outcome.
func (d *Dispatcher) SendToTopic(ctx context.Context, topic string, msg push.Message) push.Result {
	st, fail := d.loadSettings(ctx)
	if fail != nil {
		return *fail
	}

	switch {
	case st.HasServiceAccount():
		return d.sendV1(ctx, st, "topic", topic, msg, false)
	case st.HasServerKey():
		return d.sendLegacy(ctx, st, "/topics/"+topic, msg, false)
	default:
		return push.Failure(push.KindConfig, "", "no FCM credentials configured")
	}
}

// loadSettings returns the snapshot, or a non-nil config-failure result when
// the feature is off or the store is unreachable.
func (d *Dispatcher) loadSettings(ctx context.Context) (push.Settings, *push.Result) {
	st, err := d.settings.Load(ctx)
	if err != nil {
		d.logger.Error("Settings load failed", "err", err)
		fail := push.Failure(push.KindConfig, "", "settings unavailable: "+err.Error())
		return push.Settings{}, &fail
	}
	if !st.Enabled {
		fail := push.Failure(push.KindConfig, "", "push relay not configured")
		return push.Settings{}, &fail
	}
	return st, nil
}

// --- HTTP v1 transport ---

// v1ErrorEnvelope mirrors the nested error shape of the v1 API.
type v1ErrorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func (d *Dispatcher) sendV1(ctx context.Context, st push.Settings, targetKey, target string, msg push.Message, classifyInvalid bool) push.Result {
	if st.ProjectID == "" {
		return push.Failure(push.KindConfig, "", "FCM project ID not configured")
	}

	bearer, err := d.Exchange(ctx, st.ServiceAccountJSON)
	if err != nil {
		d.logger.Error("FCM access token exchange failed", "err", err)
		return push.Failure(push.KindAuth, "", "authentication failed: "+err.Error())
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", d.BaseURL, st.ProjectID)
	payload := map[string]any{
		"message": buildV1Message(targetKey, target, msg, st.Channel()),
	}

	status, raw, fail := d.post(ctx, url, "Bearer "+bearer, payload)
	if fail != nil {
		return *fail
	}

	d.logger.Debug("FCM v1 response", "status", status)

	if status == http.StatusOK {
		var ok struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &ok); err != nil {
			return push.Failure(push.KindTransport, "", "unexpected v1 response: "+err.Error())
		}
		return push.Sent(ok.Name)
	}

	return d.classifyV1Error(status, raw, classifyInvalid)
}

func (d *Dispatcher) classifyV1Error(status int, raw []byte, classifyInvalid bool) push.Result {
	var env v1ErrorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Message == "" {
		// Non-JSON error body: report the raw text with the HTTP status
		// as the code.
		text := strings.TrimSpace(string(raw))
		return push.Failure(push.KindTransport, strconv.Itoa(status), text)
	}

	fcmCode := ""
	if len(env.Error.Details) > 0 {
		fcmCode = env.Error.Details[0].ErrorCode
	}

	invalid := fcmCode == unregisteredCode || strings.Contains(env.Error.Status, unregisteredCode)

	help := ""
	switch status {
	case http.StatusNotFound:
		if invalid {
			help = " Token is UNREGISTERED - device has been disabled."
		} else {
			help = " Possible cause: Firebase Cloud Messaging API not enabled for this project."
		}
	case http.StatusForbidden:
		help = " Permission denied. Check the service account has FCM permissions."
	}

	code := fcmCode
	if code == "" {
		code = env.Error.Status
	}
	if code == "" {
		code = strconv.Itoa(env.Error.Code)
	}

	kind := push.KindTransport
	if classifyInvalid && invalid {
		kind = push.KindTokenInvalid
	}

	d.logger.Warn("FCM v1 send failed",
		"status", status,
		"fcm_error_code", fcmCode,
		"api_status", env.Error.Status,
	)

	return push.Failure(kind, code, env.Error.Message+help)
}

// --- Legacy transport ---

// legacyResponse mirrors the top-level shape of the legacy send API.
type legacyResponse struct {
	Success int `json:"success"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (d *Dispatcher) sendLegacy(ctx context.Context, st push.Settings, to string, msg push.Message, classifyInvalid bool) push.Result {
	url := d.BaseURL + "/fcm/send"
	payload := buildLegacyPayload(to, msg)

	status, raw, fail := d.post(ctx, url, "key="+st.ServerKey, payload)
	if fail != nil {
		return *fail
	}

	d.logger.Debug("FCM legacy response", "status", status)

	// The legacy endpoint can answer with an empty body or HTML; each is a
	// distinct failure mode.
	if strings.TrimSpace(string(raw)) == "" {
		return push.Failure(push.KindTransport, strconv.Itoa(status), "empty response from FCM")
	}

	var parsed legacyResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return push.Failure(push.KindTransport, strconv.Itoa(status), "invalid JSON response: "+err.Error())
	}

	if parsed.Success == 1 {
		id := ""
		if len(parsed.Results) > 0 {
			id = parsed.Results[0].MessageID
		}
		return push.Sent(id)
	}

	errStr := "Unknown error"
	if len(parsed.Results) > 0 && parsed.Results[0].Error != "" {
		errStr = parsed.Results[0].Error
	}

	kind := push.KindTransport
	if classifyInvalid && (errStr == legacyErrInvalidRegistration || errStr == legacyErrNotRegistered) {
		kind = push.KindTokenInvalid
	}

	d.logger.Warn("FCM legacy send failed", "error", errStr)
	return push.Failure(kind, errStr, errStr)
}

// post performs one outbound call. Network failures come back as a non-nil
// generic transport result carrying the error text.
func (d *Dispatcher) post(ctx context.Context, url, authorization string, payload any) (int, []byte, *push.Result) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, failure(push.KindTransport, "", "payload encoding failed: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, failure(push.KindTransport, "", err.Error())
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		d.logger.Error("FCM request failed", "url", url, "err", err)
		return 0, nil, failure(push.KindTransport, "", err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, failure(push.KindTransport, "", "response read failed: "+err.Error())
	}

	return resp.StatusCode, raw, nil
}

func failure(kind push.ErrorKind, code, message string) *push.Result {
	res := push.Failure(kind, code, message)
	return &res
}
