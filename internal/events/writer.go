package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	RevisionRegistered = "revision.registered"
	RevisionUpdated    = "revision.updated"
	RevisionSuperseded = "revision.superseded"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, docUID, revision, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,doc_uid,revision,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, docUID, nullable(revision), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
