package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260815091000",
		up:      mig_20260815091000_session_notify_up,
		down:    mig_20260815091000_session_notify_down,
	})
}

func mig_20260815091000_session_notify_up(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
        CREATE OR REPLACE FUNCTION notify_session_change() RETURNS trigger AS $$
        BEGIN
            IF TG_OP = 'DELETE' THEN
                PERFORM pg_notify('session_changes', OLD.id || ':' || TG_OP);
                RETURN OLD;
            END IF;
            PERFORM pg_notify('session_changes', NEW.id || ':' || TG_OP);
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;
    `)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
        CREATE TRIGGER sessions_notify
        AFTER INSERT OR UPDATE OR DELETE ON sessions
        FOR EACH ROW EXECUTE FUNCTION notify_session_change();
    `)
	return err
}

func mig_20260815091000_session_notify_down(tx *sqlx.Tx) error {
	if _, err := tx.Exec(`DROP TRIGGER IF EXISTS sessions_notify ON sessions;`); err != nil {
		return err
	}
	_, err := tx.Exec(`DROP FUNCTION IF EXISTS notify_session_change;`)
	return err
}
