package api

import (
	"context"
	"encoding/json"
	"net/http"

	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-relay/internal/fanout"
	"github.com/tinywideclouds/go-push-relay/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// Sender is the fan-out surface the send handlers drive.
type Sender interface {
	SendToUser(ctx context.Context, user urn.URN, msg push.Message, ref *fanout.Reference) (fanout.Summary, error)
	SendToUsers(ctx context.Context, users []urn.URN, msg push.Message, ref *fanout.Reference) (fanout.BatchSummary, error)
	SendToTopic(ctx context.Context, topic string, msg push.Message) (push.Result, error)
	NotifyAll(ctx context.Context, msg push.Message, ref *fanout.Reference, exclude []urn.URN) (fanout.BatchSummary, error)
}

type SendAPI struct {
	Sender   Sender
	Settings push.SettingsSource
	Exchange fcm.AccessTokenFunc
	Logger   *slog.Logger
}

func NewSendAPI(sender Sender, settings push.SettingsSource, logger *slog.Logger) *SendAPI {
	return &SendAPI{
		Sender:   sender,
		Settings: settings,
		Exchange: fcm.AccessToken,
		Logger:   logger,
	}
}

type messageBody struct {
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	ImageURL string         `json:"image_url,omitempty"`
	Doctype  string         `json:"doctype,omitempty"`
	Name     string         `json:"name,omitempty"`
}

func (b messageBody) message() push.Message {
	return push.Message{Title: b.Title, Body: b.Body, Data: b.Data, ImageURL: b.ImageURL}
}

func (b messageBody) reference() *fanout.Reference {
	if b.Doctype == "" || b.Name == "" {
		return nil
	}
	return &fanout.Reference{Doctype: b.Doctype, Name: b.Name}
}

type SendToUserRequest struct {
	User string `json:"user"`
	messageBody
}

func (api *SendAPI) SendToUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := callerURN(w, r); !ok {
		return
	}

	var req SendToUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	target, err := urn.Parse(req.User)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid target user")
		return
	}

	summary, err := api.Sender.SendToUser(ctx, target, req.message(), req.reference())
	if err != nil {
		api.Logger.Error("send to user failed", "target", req.User, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type SendToUsersRequest struct {
	Users []string `json:"users"`
	messageBody
}

func (api *SendAPI) SendToUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := callerURN(w, r); !ok {
		return
	}

	var req SendToUsersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Users) == 0 {
		response.WriteJSONError(w, http.StatusBadRequest, "missing users")
		return
	}

	targets := make([]urn.URN, 0, len(req.Users))
	for _, raw := range req.Users {
		target, err := urn.Parse(raw)
		if err != nil {
			response.WriteJSONError(w, http.StatusBadRequest, "invalid target user: "+raw)
			return
		}
		targets = append(targets, target)
	}

	batch, err := api.Sender.SendToUsers(ctx, targets, req.message(), req.reference())
	if err != nil {
		api.Logger.Error("send to users failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

type SendToTopicRequest struct {
	Topic string `json:"topic"`
	messageBody
}

func (api *SendAPI) SendToTopic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := callerURN(w, r); !ok {
		return
	}

	var req SendToTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing topic")
		return
	}

	res, err := api.Sender.SendToTopic(ctx, req.Topic, req.message())
	if err != nil {
		api.Logger.Error("topic send failed", "topic", req.Topic, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type SendToAllRequest struct {
	IncludeSelf bool `json:"include_self,omitempty"`
	messageBody
}

// SendToAll broadcasts to every user with an enabled device. The caller is
// excluded unless the request opts in.
func (api *SendAPI) SendToAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := callerURN(w, r)
	if !ok {
		return
	}

	var req SendToAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Title == "" && req.Body == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing message content")
		return
	}

	var exclude []urn.URN
	if !req.IncludeSelf {
		exclude = []urn.URN{caller}
	}
	batch, err := api.Sender.NotifyAll(ctx, req.message(), req.reference(), exclude)
	if err != nil {
		api.Logger.Error("broadcast failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

type ValidateSettingsResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// ValidateSettings performs a credential sanity check: parse the stored
// service account and exchange it for an access token. No message is sent.
func (api *SendAPI) ValidateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := callerURN(w, r); !ok {
		return
	}

	st, err := api.Settings.Load(ctx)
	if err != nil {
		api.Logger.Error("failed to load settings", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "settings unavailable")
		return
	}

	switch {
	case !st.Enabled:
		writeJSON(w, http.StatusOK, ValidateSettingsResponse{Message: "push relay not configured"})
	case st.HasServiceAccount():
		if _, err := api.Exchange(ctx, st.ServiceAccountJSON); err != nil {
			writeJSON(w, http.StatusOK, ValidateSettingsResponse{Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ValidateSettingsResponse{Valid: true, Message: "service account credentials verified"})
	case st.HasServerKey():
		// The legacy API offers no dry-run; a present key is the best check.
		writeJSON(w, http.StatusOK, ValidateSettingsResponse{Valid: true, Message: "legacy server key present (not verifiable without a send)"})
	default:
		writeJSON(w, http.StatusOK, ValidateSettingsResponse{Message: "no FCM credentials configured"})
	}
}
