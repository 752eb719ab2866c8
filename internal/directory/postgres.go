package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the directory tables. Execute it via
// [Postgres.Migrate] or apply it manually during deployment. The trigger
// mirrors every extension change onto the notification channel consumed by
// [Watcher].
const Schema = `
CREATE TABLE IF NOT EXISTS extensions (
    id            SERIAL PRIMARY KEY,
    ia_number     TEXT NOT NULL,
    return_number TEXT NOT NULL,
    bind_ip       TEXT NOT NULL DEFAULT '0.0.0.0',
    ia_port       INTEGER NOT NULL,
    return_port   INTEGER NOT NULL,
    building_id   INTEGER NOT NULL DEFAULT 0,
    active        BOOLEAN NOT NULL DEFAULT true
);
CREATE TABLE IF NOT EXISTS apartments (
    apartment   TEXT PRIMARY KEY,
    residents   JSONB NOT NULL DEFAULT '[]',
    voip_number TEXT NOT NULL
);
CREATE OR REPLACE FUNCTION notify_extension_change() RETURNS trigger AS $$
DECLARE
    row_data JSON;
BEGIN
    IF TG_OP = 'DELETE' THEN
        row_data := row_to_json(OLD);
    ELSE
        row_data := row_to_json(NEW);
    END IF;
    PERFORM pg_notify('extensions_changed',
        json_build_object('action', TG_OP, 'data', row_data)::text);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS extensions_notify ON extensions;
CREATE TRIGGER extensions_notify
    AFTER INSERT OR UPDATE OR DELETE ON extensions
    FOR EACH ROW EXECUTE FUNCTION notify_extension_change();
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is a [Store] backed by a PostgreSQL database.
type Postgres struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

// NewPostgres creates a [Postgres] store over the given connection or pool.
// The caller is responsible for calling [Postgres.Migrate] to ensure the
// schema exists before issuing queries.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("directory: migrate: %w", err)
	}
	return nil
}

// ActiveExtensions implements [Store].
func (s *Postgres) ActiveExtensions(ctx context.Context) ([]Extension, error) {
	const query = `
		SELECT id, ia_number, return_number, bind_ip, ia_port, return_port, building_id
		FROM extensions
		WHERE active
		ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("directory: list extensions: %w", err)
	}
	defer rows.Close()

	var out []Extension
	for rows.Next() {
		var e Extension
		if err := rows.Scan(&e.ID, &e.IaNumber, &e.ReturnNumber, &e.BindIP, &e.IaPort, &e.ReturnPort, &e.BuildingID); err != nil {
			return nil, fmt.Errorf("directory: scan extension: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: list extensions: %w", err)
	}
	return out, nil
}

// Apartment implements [Store].
func (s *Postgres) Apartment(ctx context.Context, number string) (Entry, error) {
	const query = `
		SELECT apartment, residents, voip_number
		FROM apartments
		WHERE apartment = $1`

	var e Entry
	err := s.db.QueryRow(ctx, query, number).Scan(&e.Apartment, &e.Residents, &e.VoipNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %q", ErrApartmentNotFound, number)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("directory: apartment %q: %w", number, err)
	}
	return e, nil
}

// Ping implements [Store].
func (s *Postgres) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("directory: ping: %w", err)
	}
	return nil
}
