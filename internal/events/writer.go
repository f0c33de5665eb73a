package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	RequestCreated    = "request.created"
	RequestUpdated    = "request.updated"
	RequestSubmitted  = "request.submitted"
	RequestDeleted    = "request.deleted"
	RequestStatus     = "request.status_changed"
	TaskDecided       = "task.decided"
	ReceptionRecorded = "reception.recorded"
	ReceptionLinked   = "reception.invoice_linked"
	InvoiceCreated    = "invoice.created"
	DirectoryChanged  = "directory.changed"
	ConfigImported    = "config.imported"
	DuplicateWarned   = "request.duplicate_warning"
)

// Entity kinds.
const (
	EntityRequest    = "request"
	EntityTask       = "approval_task"
	EntityReception  = "reception"
	EntityInvoice    = "invoice"
	EntityUser       = "user"
	EntityDepartment = "department"
	EntityProvider   = "provider"
	EntityConfig     = "config"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event row inside the caller's transaction so the log
// commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var entity any
	if entityID != "" {
		entity = entityID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, entity, actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}
