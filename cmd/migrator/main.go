package main

import (
	"database/sql"
	"errors"
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/technosupport/esimd/internal/config"
)

func main() {
	configPath := flag.String("config", "config/default.yaml", "Path to the YAML configuration file")
	source := flag.String("source", "file://db/migrations", "Migration source URL")
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if cfg.Store.Postgres.DSN == "" {
		log.Fatal("store.postgres.dsn (ESIMD_STORE_POSTGRES_DSN) is required")
	}

	db, err := sql.Open("postgres", cfg.Store.Postgres.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to create migrate driver: %v", err)
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to initialize migrate: %v", err)
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Println("Running UP migrations...")
		check(m.Up(), "UP")
	case *downCmd:
		log.Println("Running DOWN migrations...")
		check(m.Down(), "DOWN")
	case *stepsCmd != 0:
		log.Printf("Running %d steps...", *stepsCmd)
		check(m.Steps(*stepsCmd), "Steps")
	default:
		log.Println("No command specified. Use -up, -down, or -steps.")
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("No version found (empty db?).")
		} else {
			log.Printf("Current Version: %d, Dirty: %v", version, dirty)
		}
	}
	log.Printf("Duration: %v", time.Since(start))
}

func check(err error, op string) {
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("Migration %s failed: %v", op, err)
	}
	log.Printf("Migration %s completed.", op)
}
