package audit

import (
	"context"
	"encoding/json"
	"time"
)

// CommandRecord is one row of the command audit trail.
type CommandRecord struct {
	ID         string
	DeviceID   string
	Capability string
	Action     string
	Parameters map[string]any
	State      string
	Attempt    int
	IssuedAt   time.Time
	ResolvedAt *time.Time
	Error      string
}

// SessionRecord is one row of the voice session audit trail.
type SessionRecord struct {
	ID         string
	WakeWord   string
	State      string
	Transcript string
	Intent     string
	StartedAt  time.Time
	EndedAt    *time.Time
	Error      string
}

// RecordCommand upserts a command's current state. Failures are
// logged, not returned to the caller: the dispatcher's own state
// machine is authoritative and must never block on the audit trail.
func (db *DB) RecordCommand(ctx context.Context, rec CommandRecord) {
	if db == nil {
		return
	}
	params, err := json.Marshal(rec.Parameters)
	if err != nil {
		db.log.Warn().Err(err).Str("command_id", rec.ID).Msg("marshal command parameters for audit")
		return
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO command_audit (id, device_id, capability, action, parameters, state, attempt, issued_at, resolved_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			resolved_at = EXCLUDED.resolved_at,
			error = EXCLUDED.error
	`, rec.ID, rec.DeviceID, rec.Capability, rec.Action, params, rec.State, rec.Attempt, rec.IssuedAt, rec.ResolvedAt, rec.Error)
	if err != nil {
		db.log.Warn().Err(err).Str("command_id", rec.ID).Msg("write command audit record")
	}
}

// RecordSession upserts a voice session's current state.
func (db *DB) RecordSession(ctx context.Context, rec SessionRecord) {
	if db == nil {
		return
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO session_audit (id, wake_word, state, transcript, intent, started_at, ended_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			transcript = EXCLUDED.transcript,
			intent = EXCLUDED.intent,
			ended_at = EXCLUDED.ended_at,
			error = EXCLUDED.error
	`, rec.ID, rec.WakeWord, rec.State, rec.Transcript, rec.Intent, rec.StartedAt, rec.EndedAt, rec.Error)
	if err != nil {
		db.log.Warn().Err(err).Str("session_id", rec.ID).Msg("write session audit record")
	}
}
