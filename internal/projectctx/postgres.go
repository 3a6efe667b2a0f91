package projectctx

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx" for goose
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore reads projects from the `projects` table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Lookup implements Store.
func (s *PostgresStore) Lookup(ctx context.Context, id string) (*ProjectContext, error) {
	var (
		p                        ProjectContext
		guidelines, assets, docs []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, genre, subject_matter, style_guidelines, assets, documents
		FROM projects
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Genre, &p.SubjectMatter, &guidelines, &assets, &docs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select project %s: %w", id, err)
	}

	for _, col := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"style_guidelines", guidelines, &p.StyleGuidelines},
		{"assets", assets, &p.Assets},
		{"documents", docs, &p.Documents},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decode %s of project %s: %w", col.name, id, err)
		}
	}
	return &p, nil
}

// Upsert writes a project. Used by seeding and tests.
func (s *PostgresStore) Upsert(ctx context.Context, p ProjectContext) error {
	guidelines, err := json.Marshal(nonNil(p.StyleGuidelines))
	if err != nil {
		return err
	}
	assets, err := json.Marshal(nonNil(p.Assets))
	if err != nil {
		return err
	}
	docs, err := json.Marshal(nonNil(p.Documents))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO projects (id, name, genre, subject_matter, style_guidelines, assets, documents, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			genre = EXCLUDED.genre,
			subject_matter = EXCLUDED.subject_matter,
			style_guidelines = EXCLUDED.style_guidelines,
			assets = EXCLUDED.assets,
			documents = EXCLUDED.documents,
			updated_at = now()
	`, p.ID, p.Name, p.Genre, p.SubjectMatter, guidelines, assets, docs)
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.ID, err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ============================================================================
// Migrations
// ============================================================================

// migrationTable keeps goose's bookkeeping apart from other services sharing
// the database.
const migrationTable = "forge_dispatch_migrations"

// Migrate runs the embedded migrations. command is one of up, down, status,
// version or reset.
func Migrate(ctx context.Context, databaseURL, command string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger.With("component", "migrations")})
	goose.SetTableName(migrationTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	logger.Info("Running migrations", "command", command)
	switch command {
	case "up":
		err = goose.UpContext(ctx, db, "migrations")
	case "down":
		err = goose.DownContext(ctx, db, "migrations")
	case "status":
		err = goose.StatusContext(ctx, db, "migrations")
	case "version":
		err = goose.VersionContext(ctx, db, "migrations")
	case "reset":
		err = goose.ResetContext(ctx, db, "migrations")
	default:
		return fmt.Errorf("unknown migration command %q", command)
	}
	if err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// gooseLogger adapts slog to goose.Logger.
type gooseLogger struct {
	log *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}
