package db

import (
	"fmt"
	"log"
	"os"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand dispatching
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}

	// Open database connection without running schema initialization
	// (migrations will manage the schema)
	database, err := OpenDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.runMigrateAction(args); err != nil {
		database.Close()
		log.Fatalf("%v", err)
	}
}

func (db *DB) runMigrateAction(args []string) error {
	migrations := MigrationsFS()

	switch action := args[0]; action {
	case "up":
		log.Printf("Running migrations...")
		if err := db.MigrateUp(migrations); err != nil {
			return err
		}
		log.Println("All migrations applied")
		return db.printMigrateStatus()

	case "down":
		log.Printf("Rolling back one migration...")
		if err := db.MigrateDown(migrations); err != nil {
			return err
		}
		log.Println("Migration rolled back")
		return db.printMigrateStatus()

	case "status":
		return db.printMigrateStatus()

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: relax-report migrate force <version_number>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		if err := db.MigrateForce(migrations, v); err != nil {
			return err
		}
		log.Printf("Migration version forced to %d", v)
		return nil

	case "help":
		PrintMigrateHelp()
		return nil

	default:
		PrintMigrateHelp()
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

func (db *DB) printMigrateStatus() error {
	version, dirty, err := db.MigrateVersion(MigrationsFS())
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Println("=== Migration Status ===")
	fmt.Printf("Current version: %d\n", version)
	fmt.Printf("Dirty: %v\n", dirty)
	if dirty {
		fmt.Println("\nWARNING: a migration failed mid-execution.")
		fmt.Println("Inspect the database, then run: relax-report migrate force <version>")
	}
	return nil
}

// PrintMigrateHelp displays the help message for the migrate command
func PrintMigrateHelp() {
	fmt.Println("Database Migration Commands")
	fmt.Println()
	fmt.Println("Usage: relax-report migrate <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up              Apply all pending migrations")
	fmt.Println("  down            Rollback one migration")
	fmt.Println("  status          Show current migration status and version")
	fmt.Println("  force <N>       Force migration version to N (recovery only)")
	fmt.Println("  help            Show this help message")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -db <path>      Path to database file (default: $RXL_DB or relax.db)")
}
