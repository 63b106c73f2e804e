package fcm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

type staticSettings struct {
	st  push.Settings
	err error
}

func (s staticSettings) Load(context.Context) (push.Settings, error) {
	return s.st, s.err
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func v1Settings() push.Settings {
	return push.Settings{
		Enabled:            true,
		ProjectID:          "test-project",
		ServiceAccountJSON: `{"type":"service_account"}`,
	}
}

func legacySettings() push.Settings {
	return push.Settings{Enabled: true, ServerKey: "legacy-key"}
}

// newDispatcher builds a dispatcher pointed at the test server with a
// stubbed credential exchange.
func newDispatcher(t *testing.T, st push.Settings, srv *httptest.Server) *Dispatcher {
	t.Helper()
	d := NewDispatcher(staticSettings{st: st}, newTestLogger())
	if srv != nil {
		d.BaseURL = srv.URL
		d.Client = srv.Client()
	}
	d.Exchange = func(ctx context.Context, saJSON string) (string, error) {
		return "test-bearer-token", nil
	}
	return d
}

func TestDispatcher_CredentialSelection(t *testing.T) {
	ctx := context.Background()

	t.Run("Disabled settings short-circuit", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer srv.Close()

		d := newDispatcher(t, push.Settings{Enabled: false}, srv)
		res := d.Send(ctx, "tok", push.Message{Title: "hi"})

		assert.False(t, res.Success)
		assert.Equal(t, push.KindConfig, res.Kind)
		assert.Equal(t, "push relay not configured", res.Error)
		assert.False(t, called, "no network call may happen when disabled")
	})

	t.Run("No credentials at all", func(t *testing.T) {
		d := newDispatcher(t, push.Settings{Enabled: true}, nil)
		res := d.Send(ctx, "tok", push.Message{Title: "hi"})

		assert.Equal(t, push.KindConfig, res.Kind)
		assert.Equal(t, "no FCM credentials configured", res.Error)
	})

	t.Run("Service account wins over server key", func(t *testing.T) {
		var gotPath, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(map[string]string{"name": "projects/test-project/messages/1"})
		}))
		defer srv.Close()

		st := v1Settings()
		st.ServerKey = "also-present"
		d := newDispatcher(t, st, srv)
		res := d.Send(ctx, "tok", push.Message{Title: "hi"})

		require.True(t, res.Success)
		assert.Equal(t, "/v1/projects/test-project/messages:send", gotPath)
		assert.Equal(t, "Bearer test-bearer-token", gotAuth)
	})

	t.Run("Missing project id with service account", func(t *testing.T) {
		st := v1Settings()
		st.ProjectID = ""
		d := newDispatcher(t, st, nil)
		res := d.Send(ctx, "tok", push.Message{Title: "hi"})

		assert.Equal(t, push.KindConfig, res.Kind)
	})

	t.Run("Exchange failure is an auth result", func(t *testing.T) {
		d := newDispatcher(t, v1Settings(), nil)
		d.Exchange = func(ctx context.Context, saJSON string) (string, error) {
			return "", assert.AnError
		}
		res := d.Send(ctx, "tok", push.Message{Title: "hi"})

		assert.Equal(t, push.KindAuth, res.Kind)
		assert.Contains(t, res.Error, "authentication failed")
	})
}

func TestDispatcher_V1Responses(t *testing.T) {
	ctx := context.Background()

	respond := func(status int, body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
	}

	t.Run("200 returns message name", func(t *testing.T) {
		srv := respond(200, `{"name":"projects/test-project/messages/0:abc"}`)
		defer srv.Close()

		res := newDispatcher(t, v1Settings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		require.True(t, res.Success)
		assert.Equal(t, "projects/test-project/messages/0:abc", res.MessageID)
	})

	t.Run("404 UNREGISTERED is token-invalid with help text", func(t *testing.T) {
		body := `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND",
			"details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"UNREGISTERED"}]}}`
		srv := respond(404, body)
		defer srv.Close()

		res := newDispatcher(t, v1Settings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		assert.False(t, res.Success)
		assert.Equal(t, push.KindTokenInvalid, res.Kind)
		assert.Equal(t, "UNREGISTERED", res.Code)
		assert.Contains(t, res.Error, "device has been disabled")
	})

	t.Run("404 without UNREGISTERED points at the API being off", func(t *testing.T) {
		body := `{"error":{"code":404,"message":"Not found","status":"NOT_FOUND"}}`
		srv := respond(404, body)
		defer srv.Close()

		res := newDispatcher(t, v1Settings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		assert.Equal(t, push.KindTransport, res.Kind)
		assert.Contains(t, res.Error, "Firebase Cloud Messaging API not enabled")
	})

	t.Run("UNREGISTERED embedded in status is also token-invalid", func(t *testing.T) {
		body := `{"error":{"code":400,"message":"Registration token expired","status":"UNREGISTERED"}}`
		srv := respond(400, body)
		defer srv.Close()

		res := newDispatcher(t, v1Settings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		assert.Equal(t, push.KindTokenInvalid, res.Kind)
	})

	t.Run("403 is annotated as a permission problem", func(t *testing.T) {
		body := `{"error":{"code":403,"message":"The caller does not have permission","status":"PERMISSION_DENIED"}}`
		srv := respond(403, body)
		defer srv.Close()

		res := newDispatcher(t, v1Settings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		assert.Equal(t, push.KindTransport, res.Kind)
		assert.Equal(t, "PERMISSION_DENIED", res.Code)
		assert.Contains(t, res.Error, "service account has FCM permissions")
	})

	t.Run("Non-JSON error body is a transport failure with the HTTP code", func(t *testing.T) {
		srv := respond(502, "<html>Bad Gateway</html>")
		defer srv.Close()

		res := newDispatcher(t, v1Settings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		assert.Equal(t, push.KindTransport, res.Kind)
		assert.Equal(t, "502", res.Code)
		assert.Contains(t, res.Error, "Bad Gateway")
	})

	t.Run("Network failure folds into the result", func(t *testing.T) {
		srv := respond(200, `{}`)
		srv.Close() // dead server

		res := newDispatcher(t, v1Settings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		assert.False(t, res.Success)
		assert.Equal(t, push.KindTransport, res.Kind)
	})
}

func TestDispatcher_LegacyResponses(t *testing.T) {
	ctx := context.Background()

	t.Run("Success with message id and key auth", func(t *testing.T) {
		var gotAuth, gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotPath = r.URL.Path
			_, _ = w.Write([]byte(`{"success":1,"failure":0,"results":[{"message_id":"0:legacy-id"}]}`))
		}))
		defer srv.Close()

		res := newDispatcher(t, legacySettings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		require.True(t, res.Success)
		assert.Equal(t, "0:legacy-id", res.MessageID)
		assert.Equal(t, "key=legacy-key", gotAuth)
		assert.Equal(t, "/fcm/send", gotPath)
	})

	t.Run("Empty body is its own failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		res := newDispatcher(t, legacySettings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		assert.Equal(t, push.KindTransport, res.Kind)
		assert.Equal(t, "empty response from FCM", res.Error)
	})

	t.Run("Non-JSON body is a distinct failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>mismatched sender id</html>"))
		}))
		defer srv.Close()

		res := newDispatcher(t, legacySettings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		assert.Equal(t, push.KindTransport, res.Kind)
		assert.Contains(t, res.Error, "invalid JSON response")
	})

	t.Run("NotRegistered and InvalidRegistration are token-invalid", func(t *testing.T) {
		for _, errStr := range []string{"NotRegistered", "InvalidRegistration"} {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success":0,"failure":1,"results":[{"error":"` + errStr + `"}]}`))
			}))

			res := newDispatcher(t, legacySettings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})
			srv.Close()

			assert.Equal(t, push.KindTokenInvalid, res.Kind, errStr)
			assert.Equal(t, errStr, res.Code)
		}
	})

	t.Run("Other legacy errors are non-fatal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":0,"failure":1,"results":[{"error":"Unavailable"}]}`))
		}))
		defer srv.Close()

		res := newDispatcher(t, legacySettings(), srv).Send(ctx, "tok", push.Message{Title: "hi"})

		assert.Equal(t, push.KindTransport, res.Kind)
		assert.Equal(t, "Unavailable", res.Code)
	})
}

func TestDispatcher_Topics(t *testing.T) {
	ctx := context.Background()

	t.Run("Legacy topic addresses /topics/ and never classifies invalid", func(t *testing.T) {
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			// Even a dead-token answer must not classify for topics.
			_, _ = w.Write([]byte(`{"success":0,"failure":1,"results":[{"error":"NotRegistered"}]}`))
		}))
		defer srv.Close()

		res := newDispatcher(t, legacySettings(), srv).SendToTopic(ctx, "news", push.Message{Title: "hi"})

		assert.Equal(t, "/topics/news", gotBody["to"])
		assert.Equal(t, push.KindTransport, res.Kind)
	})

	t.Run("V1 topic targets message.topic", func(t *testing.T) {
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_ = json.NewEncoder(w).Encode(map[string]string{"name": "projects/p/messages/t"})
		}))
		defer srv.Close()

		res := newDispatcher(t, v1Settings(), srv).SendToTopic(ctx, "news", push.Message{Title: "hi"})

		require.True(t, res.Success)
		message := gotBody["message"].(map[string]any)
		assert.Equal(t, "news", message["topic"])
		assert.NotContains(t, message, "token")
	})
}
