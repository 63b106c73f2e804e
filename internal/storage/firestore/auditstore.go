package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

const auditCollection = "notification_logs"

// AuditStore persists dispatch audit records. Records are immutable; this
// store only ever creates documents.
type AuditStore struct {
	client *firestore.Client
}

func NewAuditStore(client *firestore.Client) *AuditStore {
	return &AuditStore{client: client}
}

type auditDoc struct {
	RecipientUser    string    `firestore:"recipient_user,omitempty"`
	DeviceID         string    `firestore:"device_id,omitempty"`
	TokenPreview     string    `firestore:"token_preview,omitempty"`
	Title            string    `firestore:"title,omitempty"`
	Body             string    `firestore:"body,omitempty"`
	DataPayload      string    `firestore:"data_payload,omitempty"`
	Response         string    `firestore:"response,omitempty"`
	Status           string    `firestore:"status"`
	ErrorMessage     string    `firestore:"error_message,omitempty"`
	Kind             string    `firestore:"notification_type,omitempty"`
	ReferenceDoctype string    `firestore:"reference_doctype,omitempty"`
	ReferenceName    string    `firestore:"reference_name,omitempty"`
	SentAt           time.Time `firestore:"sent_at"`
}

func (s *AuditStore) Write(ctx context.Context, rec push.AuditRecord) error {
	doc := auditDoc{
		RecipientUser:    rec.RecipientUser,
		DeviceID:         rec.DeviceID,
		TokenPreview:     rec.TokenPreview,
		Title:            rec.Title,
		Body:             rec.Body,
		DataPayload:      rec.DataPayload,
		Response:         rec.Response,
		Status:           rec.Status,
		ErrorMessage:     rec.ErrorMessage,
		Kind:             rec.Kind,
		ReferenceDoctype: rec.ReferenceDoctype,
		ReferenceName:    rec.ReferenceName,
		SentAt:           rec.SentAt,
	}
	if _, err := s.client.Collection(auditCollection).Doc(uuid.NewString()).Create(ctx, doc); err != nil {
		return fmt.Errorf("audit write failed: %w", err)
	}
	return nil
}
