package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"medshare.org/internal/auth"
	"medshare.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn      = flag.String("dsn", os.Getenv("MEDSHARE_POSTGRES_DSN"), "PostgreSQL DSN")
		email    = flag.String("email", "", "User email")
		password = flag.String("password", os.Getenv("MEDSHARE_USER_PASSWORD"), "User password")
		role     = flag.String("role", string(auth.RolePatient), "PATIENT, HEALTHCARE_PROVIDER or FIRST_RESPONDER")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or MEDSHARE_POSTGRES_DSN")
	}
	if *email == "" || *password == "" {
		log.Fatal("usage: useradd -email EMAIL -password PASSWORD [-role ROLE]")
	}
	parsedRole, err := auth.ParseRole(*role)
	if err != nil {
		log.Fatal(err)
	}
	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	store, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 1})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u := &auth.User{Email: *email, PasswordHash: hash, Role: parsedRole}
	if err := store.Users(ctx).Create(ctx, u); err != nil {
		log.Fatalf("create user: %v", err)
	}
	fmt.Printf("created %s %s (%s)\n", u.ID, u.Email, u.Role)
}
