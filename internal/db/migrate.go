package db

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/relax.report/internal/monitoring"
)

// MigrateUp applies every pending migration. An up-to-date schema is not an
// error.
func (db *DB) MigrateUp(migrations fs.FS) error {
	return db.withMigrate(migrations, "migration up", func(m *migrate.Migrate) error {
		return ignoreNoChange(m.Up())
	})
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown(migrations fs.FS) error {
	return db.withMigrate(migrations, "migration down", func(m *migrate.Migrate) error {
		return ignoreNoChange(m.Steps(-1))
	})
}

// MigrateVersion returns the schema version and dirty flag; 0 when nothing
// has been applied.
func (db *DB) MigrateVersion(migrations fs.FS) (version uint, dirty bool, err error) {
	err = db.withMigrate(migrations, "migration version", func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		return verr
	})
	return version, dirty, err
}

// MigrateForce sets the recorded version without running migrations. It is
// the recovery path from a dirty schema.
func (db *DB) MigrateForce(migrations fs.FS, version int) error {
	return db.withMigrate(migrations, fmt.Sprintf("force migration to version %d", version), func(m *migrate.Migrate) error {
		return m.Force(version)
	})
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// withMigrate builds a migrate instance over the shared connection. The
// instance is not closed since that would close the *sql.DB.
func (db *DB) withMigrate(migrations fs.FS, op string, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to open migrations source: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	if err := fn(m); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	return nil
}

// migrateLogger forwards golang-migrate output to the package logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }
