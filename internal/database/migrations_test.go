package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/cards"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesImportedCardStatuses(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&cards.CardState{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	imported := []cards.CardState{
		{TenantID: "tenant-1", CardID: "1-1-0", DeliveryDate: "27/06/2025", Status: " Assigned ", Version: 1, CreatedAtMillis: 1, UpdatedAtMillis: 1},
		{TenantID: "tenant-1", CardID: "1-1-1", DeliveryDate: "27/06/2025", Status: "in-progress", Version: 4, CreatedAtMillis: 1, UpdatedAtMillis: 1},
	}
	if err := database.Create(&imported).Error; err != nil {
		testContext.Fatalf("failed to insert imported rows: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var first cards.CardState
	if err := database.Where("tenant_id = ? AND card_id = ?", "tenant-1", "1-1-0").Take(&first).Error; err != nil {
		testContext.Fatalf("failed to reload card: %v", err)
	}
	if first.Status != cards.StatusAssigned {
		testContext.Fatalf("expected lowercase status, got %q", first.Status)
	}

	var second cards.CardState
	if err := database.Where("tenant_id = ? AND card_id = ?", "tenant-1", "1-1-1").Take(&second).Error; err != nil {
		testContext.Fatalf("failed to reload card: %v", err)
	}
	if second.Status != cards.StatusUnassigned {
		testContext.Fatalf("expected unknown status reset, got %q", second.Status)
	}
	if second.Version != 4 {
		testContext.Fatalf("expected version untouched, got %d", second.Version)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeCardStatus).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesCardSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "orderboard.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"card_states", "labels", "card_configurations", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if !database.Migrator().HasIndex(&cards.CardState{}, "idx_card_states_tenant_updated") {
		testContext.Fatalf("expected change feed index to exist")
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
