package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/banshee-data/relax.report/internal/config"
	"github.com/banshee-data/relax.report/internal/db"
	"github.com/banshee-data/relax.report/internal/version"
)

// app carries the global flags every command shares.
type app struct {
	dbPath  string
	dataDir string
	cfg     *config.AnalysisConfig
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to read .env: %v", err)
	}

	flag.Usage = printUsage
	dbPath := flag.String("db", envOr("RXL_DB", "relax.db"), "SQLite database path (env RXL_DB)")
	dataDir := flag.String("data", envOr("RXL_DATA", "data"), "E4 data folder laid out as <patient>/<week>/*.zip (env RXL_DATA)")
	configPath := flag.String("config", "", "Analysis config JSON; unset fields keep the study defaults")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relax-report %s\n", version.String())
		return
	}
	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.EmptyAnalysisConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadAnalysisConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	a := &app{dbPath: *dbPath, dataDir: *dataDir, cfg: cfg}

	command := flag.Arg(0)
	args := flag.Args()[1:]
	if command == "migrate" {
		db.RunMigrateCommand(args, a.dbPath)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.run(ctx, command, args); err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

var errUnknownCommand = errors.New("unknown command")

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "ingest":
		return a.ingest(ctx, args)
	case "mark-invalid":
		return a.markInvalid(ctx, args)
	case "stats":
		return a.stats(ctx, args)
	case "ttest":
		return a.ttest(ctx, args)
	case "plot":
		return a.plot(ctx, args)
	case "coverage":
		return a.coverage(ctx, args)
	case "runs":
		return a.runs(ctx, args)
	case "version":
		fmt.Printf("relax-report %s\n", version.String())
		return nil
	case "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("%w: %s", errUnknownCommand, command)
	}
}

func printUsage() {
	fmt.Println(`relax-report - RelaxXL E4 wearable analysis

Usage: relax-report [global flags] <command> [options]

Commands:
  ingest        Load E4 archives and study files into the database
  mark-invalid  Detect flatlines and propagate invalid ranges per group
  stats         Export before/during/after and week summaries (CSV, Parquet)
  ttest         Compare phases within and between arms
  plot          Render coverage charts (PNG) and arm box plots (HTML)
  coverage      Print the valid wear time per day and week
  runs          List recorded analysis runs
  migrate       Manage database migrations (up, down, status, force)
  version       Show the version
  help          Show this help message

Global Flags:
  -db <path>       SQLite database (default: $RXL_DB or relax.db)
  -data <dir>      E4 data folder (default: $RXL_DATA or data)
  -config <file>   Analysis config JSON
  -version         Print the version

Examples:
  relax-report ingest -participants participants.csv -vrelax vrelax.csv
  relax-report mark-invalid -workers 8
  relax-report stats -out results
  relax-report ttest -type HR -metric mean -out results
  relax-report migrate status`)
}
