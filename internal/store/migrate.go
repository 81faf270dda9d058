package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrator applies the embedded schema migrations for one storage driver.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator opens a dedicated connection for migrations. Close releases it.
func NewMigrator(driver, dsn string) (*Migrator, error) {
	var (
		db  *sql.DB
		drv database.Driver
		err error
	)
	switch driver {
	case "postgres":
		if db, err = sql.Open("pgx", dsn); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		drv, err = pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	case "sqlite", "":
		driver = "sqlite"
		if db, err = sql.Open("sqlite", sqliteDSN(dsn)); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		drv, err = sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", driver)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init %s migration driver: %w", driver, err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, drv)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init migrate: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. Being already up to date is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Down rolls back the most recent migration.
func (mg *Migrator) Down() error {
	return mg.m.Steps(-1)
}

// Version returns the applied schema version. ok is false when no migration has run yet.
func (mg *Migrator) Version() (version uint, dirty bool, ok bool, err error) {
	version, dirty, err = mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return version, dirty, true, nil
}

// Close releases the migration source and database connection.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

func migrateUp(driver, dsn string) error {
	mg, err := NewMigrator(driver, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = mg.Close() }()
	return mg.Up()
}

// sqliteDSN enables foreign keys on every pooled connection. For in-memory
// databases it uses a shared cache so all connections see the same data.
func sqliteDSN(dsn string) string {
	if dsn == ":memory:" {
		return "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}
