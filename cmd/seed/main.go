// seed creates a local administrator account for development. Run via go run ./cmd/seed.
// Idempotent: skips the insert if the account already exists.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"remote-desktop-server/internal/config"
	"remote-desktop-server/internal/db"
	"remote-desktop-server/internal/mfa"
	"remote-desktop-server/internal/security"
	"remote-desktop-server/internal/user/domain"
	userrepo "remote-desktop-server/internal/user/repository"
)

const (
	devAdminUsername = "administrator"
	devAdminPassword = "password123"
	devUserUsername  = "user"
	totpIssuer       = "RDP Server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	existing, err := users.GetByUsernameAndDomain(ctx, devAdminUsername, cfg.DefaultDomain)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Printf("Seed already applied (%s\\%s exists). Skipping.", cfg.DefaultDomain, devAdminUsername)
		os.Exit(0)
	}

	hasher := security.NewHasher(cfg.BcryptCost)
	passwordHash, err := hasher.Hash([]byte(devAdminPassword))
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}
	key, err := mfa.GenerateSecret(totpIssuer, devAdminUsername+"@"+cfg.DefaultDomain)
	if err != nil {
		log.Fatalf("generate totp secret: %v", err)
	}

	now := time.Now().UTC()
	admin := &domain.User{
		ID:                    uuid.New().String(),
		Username:              devAdminUsername,
		Domain:                cfg.DefaultDomain,
		PasswordHash:          passwordHash,
		FullName:              "Dev Administrator",
		IsActive:              true,
		IsAdmin:               true,
		TwoFactorEnabled:      true,
		TwoFactorSecret:       key.Secret(),
		MaxConcurrentSessions: 5,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	user := &domain.User{
		ID:           uuid.New().String(),
		Username:     devUserUsername,
		Domain:       cfg.DefaultDomain,
		PasswordHash: passwordHash,
		FullName:     "Dev User",
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, u := range []*domain.User{admin, user} {
		if err := u.Validate(); err != nil {
			log.Fatalf("validate %s: %v", u.Username, err)
		}
		if err := users.Create(ctx, u); err != nil {
			log.Fatalf("create %s: %v", u.Username, err)
		}
	}

	log.Println("Seed completed successfully.")
	fmt.Printf("Admin login: %s\\%s / %s\n", cfg.DefaultDomain, devAdminUsername, devAdminPassword)
	fmt.Printf("Admin TOTP URL: %s\n", key.URL())
	fmt.Printf("User login: %s\\%s / %s\n", cfg.DefaultDomain, devUserUsername, devAdminPassword)
}
