package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Felixdiamond/growth-hub/migrations"
)

func main() {
	defaultDialect := migrations.DialectSQLite
	defaultDB := envOrDefault("DATABASE_PATH", "./data/growth-hub.db")
	if url := os.Getenv("DATABASE_URL"); url != "" {
		defaultDialect = migrations.DialectPostgres
		defaultDB = url
	}

	dialect := flag.String("dialect", defaultDialect, "database dialect: sqlite3 or postgres")
	dbSource := flag.String("db", defaultDB, "sqlite path or postgres connection url")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-dialect sqlite3|postgres] [-db source] <command>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  up          Migrate to the latest version")
		fmt.Fprintln(os.Stderr, "  up-one      Migrate one version up")
		fmt.Fprintln(os.Stderr, "  down        Roll back one version")
		fmt.Fprintln(os.Stderr, "  status      Show migration status")
		fmt.Fprintln(os.Stderr, "  version     Show current version")
		fmt.Fprintln(os.Stderr, "  reset       Roll back all migrations")
		os.Exit(1)
	}

	dir, err := migrations.Dir(*dialect)
	if err != nil {
		log.Fatal(err)
	}

	driver := "sqlite"
	if *dialect == migrations.DialectPostgres {
		driver = "pgx"
	}

	db, err := sql.Open(driver, *dbSource)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(*dialect); err != nil {
		log.Fatalf("set dialect: %v", err)
	}

	cmd := args[0]
	switch cmd {
	case "up":
		err = goose.Up(db, dir)
	case "up-one":
		err = goose.UpByOne(db, dir)
	case "down":
		err = goose.Down(db, dir)
	case "status":
		err = goose.Status(db, dir)
	case "version":
		err = goose.Version(db, dir)
	case "reset":
		err = goose.Reset(db, dir)
	default:
		log.Fatalf("unknown command: %s", cmd)
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
