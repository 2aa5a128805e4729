package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"printgate/internal/config"
	"printgate/internal/store"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
	)
	flag.Parse()

	cfg := config.Load()
	if cfg.DBAdapter != "postgres" {
		if *command != "up" {
			log.Fatalf("Only 'up' is supported for the %s adapter", cfg.DBAdapter)
		}
		st, err := store.Open(context.Background(), cfg.DBPath)
		if err != nil {
			log.Fatalf("Schema setup failed: %v", err)
		}
		_ = st.Close()
		fmt.Printf("✓ SQLite schema ready at %s\n", cfg.DBPath)
		return
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("PRINTGATE_POSTGRES_DSN is required for the postgres adapter")
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	switch *command {
	case "up":
		if err := store.MigratePostgres(db); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		fmt.Println("✓ Migrations applied successfully")
	case "down":
		if err := store.RollbackPostgres(db, *steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Println("✓ Migrations rolled back successfully")
	case "version":
		v, dirty, err := store.PostgresMigrationVersion(db)
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		if dirty {
			fmt.Printf("⚠ Database is in a dirty state (version %d)\n", v)
			os.Exit(1)
		}
		fmt.Printf("Current migration version: %d\n", v)
	case "force":
		if *version == 0 {
			log.Fatal("Version required for force command (use -version flag)")
		}
		if err := store.ForcePostgresVersion(db, int(*version)); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		fmt.Printf("✓ Forced database to version %d\n", *version)
	default:
		log.Fatalf("Unknown command: %s (supported: up, down, version, force)", *command)
	}
}
