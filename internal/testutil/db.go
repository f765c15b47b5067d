// Package testutil opens throwaway ledger databases for package tests.
package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"supporter-ledger/internal/client"
	"supporter-ledger/internal/config"
	"supporter-ledger/internal/model"
)

// NewDB returns a migrated in-memory SQLite database private to t.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := client.InitDB(config.Database{Driver: "sqlite", URL: dsn})
	if err != nil {
		t.Fatalf("init test db: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func SeedAccount(t testing.TB, db *gorm.DB, id, email, displayName string) *model.Account {
	t.Helper()
	a := &model.Account{ID: id, Email: email, DisplayName: displayName}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
	return a
}

func SeedProduct(t testing.TB, db *gorm.DB, p *model.Product) *model.Product {
	t.Helper()
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("seed product %s: %v", p.ID, err)
	}
	return p
}
