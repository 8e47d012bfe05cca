package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/whisper/groupchat/internal/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores messages in the chat_messages table. Each collection is a
// partition of that table keyed by the collection column.
type Postgres struct {
	db         *sql.DB
	collection string
}

// OpenPostgres connects to dsn, applies pending migrations and returns a
// store scoped to collection.
func OpenPostgres(ctx context.Context, dsn, collection string, log zerolog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if err := migrateUp(ctx, db, log); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgres(db, collection), nil
}

// NewPostgres wraps an existing handle. The schema must already be applied.
func NewPostgres(db *sql.DB, collection string) *Postgres {
	return &Postgres{db: db, collection: collection}
}

func migrateUp(ctx context.Context, db *sql.DB, log zerolog.Logger) (err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire migration connection: %w", err)
	}

	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{
		MigrationsTable: "groupchat_schema_migrations",
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("store: init migration driver: %w", err)
	}
	defer func() {
		if closeErr := driver.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("store: close migration connection: %w", closeErr)
		}
	}()

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug().Msg("schema up to date")
			return nil
		}
		return fmt.Errorf("store: apply migrations: %w", err)
	}

	version, _, _ := migrator.Version()
	log.Info().Uint("version", version).Msg("migrations applied")
	return nil
}

func (p *Postgres) Append(ctx context.Context, msg chat.Message) (string, error) {
	id := uuid.NewString()

	const query = `
		INSERT INTO chat_messages (id, collection, sender_name, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.db.ExecContext(ctx, query, id, p.collection, msg.SenderName, msg.SenderID, msg.Text, msg.CreatedAt)
	if err != nil {
		return "", unavailable("insert", err)
	}
	return id, nil
}

func (p *Postgres) ListOrdered(ctx context.Context) ([]chat.Message, error) {
	const query = `
		SELECT id, sender_name, sender_id, text, created_at
		FROM chat_messages
		WHERE collection = $1
		ORDER BY created_at ASC, seq ASC`

	rows, err := p.db.QueryContext(ctx, query, p.collection)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.SenderName, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, unavailable("scan", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return msgs, nil
}

// DeleteOlderThan enumerates candidates first, then deletes them one row at a
// time so a failing row does not abort the rest.
func (p *Postgres) DeleteOlderThan(ctx context.Context, cutoff int64) (int, error) {
	const selectQuery = `SELECT id FROM chat_messages WHERE collection = $1 AND created_at < $2`

	rows, err := p.db.QueryContext(ctx, selectQuery, p.collection, cutoff)
	if err != nil {
		return 0, unavailable("select expired", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, unavailable("scan expired", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, unavailable("select expired", err)
	}

	const deleteQuery = `DELETE FROM chat_messages WHERE id = $1`

	deleted := 0
	var errs []error
	for _, id := range ids {
		res, err := p.db.ExecContext(ctx, deleteQuery, id)
		if err != nil {
			errs = append(errs, unavailable("delete "+id, err))
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted += int(n)
		}
	}
	return deleted, errors.Join(errs...)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
