package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"medshare.org/internal/migrate"
	"medshare.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn   = flag.String("dsn", os.Getenv("MEDSHARE_POSTGRES_DSN"), "PostgreSQL DSN")
		table = flag.String("table", "schema_migrations", "Bookkeeping table")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or MEDSHARE_POSTGRES_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrate.WithMigrationsTable(*table))

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil {
			if len(applied) == 0 {
				fmt.Println("schema is up to date")
			}
			for _, name := range applied {
				fmt.Println("applied", name)
			}
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingToRollback) {
			fmt.Println("nothing to roll back")
			return
		}
		if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		var history []migrate.Migration
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, m := range history {
				if m.Applied {
					fmt.Printf("%-40s applied %s\n", m.Name, m.AppliedAt.UTC().Format(time.RFC3339))
				} else {
					fmt.Printf("%-40s pending\n", m.Name)
				}
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
