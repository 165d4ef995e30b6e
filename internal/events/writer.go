package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sqs/internal/domain"
)

const (
	TaskEnqueued   = "task.enqueued"
	TaskUpdated    = "task.updated"
	TaskStatus     = "task.status"
	LayerLoaded    = "layer.loaded"
	LayerActivated = "layer.activated"
	RequestLogged  = "request.logged"
	APIKeyCreated  = "apikey.created"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx, alongside the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = "system"
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.FormatTime(w.Now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
