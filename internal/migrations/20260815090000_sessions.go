package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260815090000",
		up:      mig_20260815090000_sessions_up,
		down:    mig_20260815090000_sessions_down,
	})
}

func mig_20260815090000_sessions_up(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
        CREATE TABLE IF NOT EXISTS sessions (
            id UUID PRIMARY KEY,
            user_id VARCHAR(255) NOT NULL,
            project_id VARCHAR(255) NOT NULL,
            provider_id VARCHAR(64) NOT NULL,
            status VARCHAR(32) NOT NULL,
            handle_generation INT NOT NULL DEFAULT 0,
            failure_reason TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
            last_accessed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
        );
    `)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
        CREATE INDEX IF NOT EXISTS idx_sessions_user_project ON sessions(user_id, project_id);
    `)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
        CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
    `)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
        CREATE TABLE IF NOT EXISTS sandbox_handles (
            session_id UUID PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
            id VARCHAR(255) NOT NULL,
            provider_id VARCHAR(64) NOT NULL,
            status VARCHAR(32) NOT NULL,
            address VARCHAR(255) NOT NULL DEFAULT '',
            port INT NOT NULL DEFAULT 0,
            cpu_millis BIGINT NOT NULL DEFAULT 0,
            memory_mb BIGINT NOT NULL DEFAULT 0,
            storage_mb BIGINT NOT NULL DEFAULT 0,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
            last_health_check_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
            last_activity_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
        );
    `)
	if err != nil {
		return err
	}

	return nil
}

func mig_20260815090000_sessions_down(tx *sqlx.Tx) error {
	if _, err := tx.Exec(`DROP TABLE IF EXISTS sandbox_handles;`); err != nil {
		return err
	}
	_, err := tx.Exec(`DROP TABLE IF EXISTS sessions;`)
	return err
}
