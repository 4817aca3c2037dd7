package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationTable = "vault_migrations"

// Migrator applies the embedded SQL migrations with sql-migrate.
type Migrator struct {
	db     *sql.DB
	source migrate.MigrationSource
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, logger zerolog.Logger) *Migrator {
	migrate.SetTable(migrationTable)
	return &Migrator{
		db: db,
		source: &migrate.EmbedFileSystemMigrationSource{
			FileSystem: migrationsFS,
			Root:       "migrations",
		},
		logger: logger,
	}
}

// Up applies all pending migrations and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	n, err := migrate.ExecContext(ctx, m.db, "postgres", m.source, migrate.Up)
	if err != nil {
		return n, fmt.Errorf("migrate up: %w", err)
	}
	if n > 0 {
		m.logger.Info().Int("applied", n).Msg("migrations applied")
	}
	return n, nil
}

// Down rolls back the last steps migrations.
func (m *Migrator) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	n, err := migrate.ExecMax(m.db, "postgres", m.source, migrate.Down, steps)
	if err != nil {
		return n, fmt.Errorf("migrate down: %w", err)
	}
	m.logger.Info().Int("rolled_back", n).Msg("migrations rolled back")
	return n, nil
}

// MigrationStatus is one embedded migration and when it was applied.
type MigrationStatus struct {
	ID        string
	Applied   bool
	AppliedAt time.Time
}

// Status lists every embedded migration in order.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := m.source.FindMigrations()
	if err != nil {
		return nil, fmt.Errorf("find migrations: %w", err)
	}
	records, err := migrate.GetMigrationRecords(m.db, "postgres")
	if err != nil {
		return nil, fmt.Errorf("read migration records: %w", err)
	}
	applied := make(map[string]time.Time, len(records))
	for _, r := range records {
		applied[r.Id] = r.AppliedAt
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mg := range migrations {
		at, ok := applied[mg.Id]
		out = append(out, MigrationStatus{ID: mg.Id, Applied: ok, AppliedAt: at})
	}
	return out, nil
}
