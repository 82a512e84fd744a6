package audit

import "context"

const baseSchema = `
CREATE TABLE IF NOT EXISTS command_audit (
	id              TEXT PRIMARY KEY,
	device_id       TEXT NOT NULL,
	capability      TEXT NOT NULL,
	action          TEXT NOT NULL,
	parameters      JSONB,
	state           TEXT NOT NULL,
	attempt         INT NOT NULL DEFAULT 1,
	issued_at       TIMESTAMPTZ NOT NULL,
	resolved_at     TIMESTAMPTZ,
	error           TEXT
);

CREATE INDEX IF NOT EXISTS command_audit_device_idx ON command_audit (device_id);
CREATE INDEX IF NOT EXISTS command_audit_issued_idx ON command_audit (issued_at);

CREATE TABLE IF NOT EXISTS session_audit (
	id              TEXT PRIMARY KEY,
	wake_word       TEXT,
	state           TEXT NOT NULL,
	transcript      TEXT,
	intent          TEXT,
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ,
	error           TEXT
);

CREATE INDEX IF NOT EXISTS session_audit_started_idx ON session_audit (started_at);
`

// migration is one idempotent, ordered schema change applied after the
// base schema. check reports whether the migration has already been
// applied, so initSchema can run repeatedly against a live database
// without re-executing completed steps.
type migration struct {
	name  string
	sql   string
	check func(ctx context.Context, db *DB) (bool, error)
}

var migrations = []migration{
	{
		name: "command_audit_attempt_default",
		sql:  `ALTER TABLE command_audit ALTER COLUMN attempt SET DEFAULT 1`,
		check: func(ctx context.Context, db *DB) (bool, error) {
			var exists bool
			err := db.Pool.QueryRow(ctx, `
				SELECT column_default = '1' FROM information_schema.columns
				WHERE table_name = 'command_audit' AND column_name = 'attempt'
			`).Scan(&exists)
			return exists, err
		},
	},
}

// initSchema creates the audit tables if absent and applies any
// outstanding migrations. Safe to call on every process startup.
func (db *DB) initSchema(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables WHERE table_name = 'command_audit'
		)
	`).Scan(&exists)
	if err != nil {
		return err
	}

	if !exists {
		if _, err := db.Pool.Exec(ctx, baseSchema); err != nil {
			return err
		}
		db.log.Info().Msg("audit schema created")
	}

	for _, m := range migrations {
		done, err := m.check(ctx, db)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return err
		}
		db.log.Info().Str("migration", m.name).Msg("audit migration applied")
	}

	return nil
}
