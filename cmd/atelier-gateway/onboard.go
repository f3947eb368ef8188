// ABOUTME: Tenant onboarding from a TOML seed file, written straight to the store
// ABOUTME: Secrets are hashed before they touch the database

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"

	"github.com/atelierhq/atelier-gateway/internal/auth"
	"github.com/atelierhq/atelier-gateway/internal/config"
	"github.com/atelierhq/atelier-gateway/internal/store"
)

// tenantSeed is one [[tenants]] entry in the onboarding file.
type tenantSeed struct {
	ID             string `toml:"id"`
	Secret         string `toml:"secret"`
	AllowEmbedding bool   `toml:"allow_embedding"`
	Suspended      bool   `toml:"suspended"`
}

type onboardFile struct {
	Tenants []tenantSeed `toml:"tenants"`
}

// runOnboard creates tenants from a TOML seed file, e.g.:
//
//	[[tenants]]
//	id = "user1"
//	secret = "..."
//	allow_embedding = false
//
// Existing tenants are skipped, so the file can be re-applied.
func runOnboard(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: atelier-gateway onboard FILE")
	}
	seedPath := os.Args[2]

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var seed onboardFile
	if _, err := toml.DecodeFile(seedPath, &seed); err != nil {
		return fmt.Errorf("parsing %s: %w", seedPath, err)
	}
	if len(seed.Tenants) == 0 {
		return fmt.Errorf("%s contains no [[tenants]] entries", seedPath)
	}

	for i, t := range seed.Tenants {
		if t.ID == "" || t.Secret == "" {
			return fmt.Errorf("tenants[%d]: id and secret are required", i)
		}
		if strings.ContainsAny(t.ID, "/ ") {
			return fmt.Errorf("tenants[%d]: id %q must not contain slashes or spaces", i, t.ID)
		}
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	var created, skipped int
	for _, t := range seed.Tenants {
		hash, err := auth.HashSecret(t.Secret)
		if err != nil {
			return fmt.Errorf("hashing secret for %s: %w", t.ID, err)
		}

		status := store.TenantStatusActive
		if t.Suspended {
			status = store.TenantStatusSuspended
		}

		err = s.CreateTenant(ctx, &store.Tenant{
			ID:             t.ID,
			SecretHash:     hash,
			AllowEmbedding: t.AllowEmbedding,
			Status:         status,
		})
		if errors.Is(err, store.ErrDuplicateTenant) {
			yellow.Printf("  - %s already exists, skipped\n", t.ID)
			skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("creating tenant %s: %w", t.ID, err)
		}

		green.Printf("  ✓ %s", t.ID)
		if t.AllowEmbedding {
			fmt.Print(" (embedding allowed)")
		}
		if t.Suspended {
			fmt.Print(" (suspended)")
		}
		fmt.Println()
		created++
	}

	fmt.Printf("\n%d tenant(s) created, %d skipped\n", created, skipped)
	return nil
}
