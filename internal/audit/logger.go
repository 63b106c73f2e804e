// Package audit persists a per-dispatch trace when the settings record asks
// for one. Audit failures never fail a send.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

const (
	// tokenPreviewLen bounds how much of a device token the trace retains.
	tokenPreviewLen = 20
	// maxBodyLen bounds the stored notification body.
	maxBodyLen = 500
)

// Entry is one dispatch attempt as seen by the fan-out path.
type Entry struct {
	User       string
	Token      string
	DeviceID   string
	Msg        push.Message
	Result     push.Result
	RefDoctype string
	RefName    string
}

// Logger turns dispatch outcomes into immutable audit records.
type Logger struct {
	sink   push.AuditSink
	logger *slog.Logger
}

func NewLogger(sink push.AuditSink, logger *slog.Logger) *Logger {
	return &Logger{
		sink:   sink,
		logger: logger.With("component", "audit"),
	}
}

// Record writes the trace for one dispatch attempt. Sink errors are logged
// and swallowed so auditing stays strictly best-effort.
func (l *Logger) Record(ctx context.Context, e Entry) {
	rec := push.AuditRecord{
		RecipientUser:    e.User,
		DeviceID:         e.DeviceID,
		TokenPreview:     previewToken(e.Token),
		Title:            e.Msg.Title,
		Body:             truncate(e.Msg.Body, maxBodyLen),
		DataPayload:      marshalData(e.Msg.Data),
		ReferenceDoctype: e.RefDoctype,
		ReferenceName:    e.RefName,
		SentAt:           time.Now().UTC(),
	}

	if e.Result.Success {
		rec.Status = push.AuditStatusSent
		rec.Response = e.Result.MessageID
	} else {
		rec.Status = push.AuditStatusFailed
		rec.ErrorMessage = e.Result.Error
		rec.Response = e.Result.Code
		rec.Kind = e.Result.Kind.String()
	}

	if err := l.sink.Write(ctx, rec); err != nil {
		l.logger.Warn("Failed to write audit record",
			"user", e.User,
			"status", rec.Status,
			"error", err,
		)
	}
}

// previewToken keeps the leading characters only; full tokens never reach
// the audit store.
func previewToken(token string) string {
	if token == "" {
		return ""
	}
	runes := []rune(token)
	if len(runes) > tokenPreviewLen {
		return string(runes[:tokenPreviewLen]) + "..."
	}
	return token + "..."
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func marshalData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}
