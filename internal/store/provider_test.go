package store_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bugzero/auctiond/internal/clock"
	"github.com/bugzero/auctiond/internal/config"
	"github.com/bugzero/auctiond/internal/store"

	// Import drivers so their init() functions register them.
	_ "github.com/bugzero/auctiond/internal/store/memstore"
	_ "github.com/bugzero/auctiond/internal/store/postgres"
)

// fakeDriver is a store.Driver that always succeeds without connecting to a DB.
func fakeDriver(_ context.Context, _ config.DatabaseConfig, _ clock.Clock) (*store.Repositories, error) {
	return &store.Repositories{}, nil
}

func TestOpen(t *testing.T) {
	store.Register("test-driver", fakeDriver)

	tests := []struct {
		name    string
		driver  string
		wantErr bool
	}{
		{
			name:    "registered driver succeeds",
			driver:  "test-driver",
			wantErr: false,
		},
		{
			name:    "unknown driver fails",
			driver:  "nonexistent",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DatabaseConfig{Driver: tt.driver}
			_, err := store.Open(context.Background(), cfg, clock.Real{})
			if (err != nil) != tt.wantErr {
				t.Errorf("Open(driver=%q) error = %v, wantErr %v", tt.driver, err, tt.wantErr)
			}
		})
	}
}

func TestRegister_MemoryDriver(t *testing.T) {
	cfg := config.DatabaseConfig{Driver: "memory"}
	repos, err := store.Open(context.Background(), cfg, clock.Real{})
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	if repos.Wallets == nil || repos.Auctions == nil || repos.Orders == nil ||
		repos.Settlements == nil || repos.Deposits == nil {
		t.Error("memory driver returned incomplete repositories")
	}
	if err := repos.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestRegister_PostgresDriver(t *testing.T) {
	// The postgres driver will fail to connect (no DB running); we only check
	// that the error is a connection error, not an unknown-driver error.
	cfg := config.DatabaseConfig{Driver: "postgres", Host: "localhost", Port: 1}
	_, err := store.Open(context.Background(), cfg, clock.Real{})
	if err == nil {
		t.Fatal("expected error (no DB running), got nil")
	}
	if strings.Contains(err.Error(), "unknown store driver") {
		t.Errorf("expected connection error, got unknown driver error: %v", err)
	}
}
