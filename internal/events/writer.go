package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event row inside the caller's transaction so the event
// log stays consistent with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, challengeID *int64, agentID string, payload EventPayload) error {
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
	var cid any
	if challengeID != nil {
		cid = *challengeID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,challenge_id,agent_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, cid, agentID, string(data))
	return err
}
