package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/emulator"
)

func TestApplyMigrationsPurgesOrphanedHandles(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(append(emulator.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	live := emulator.SessionRecord{ServiceConfigID: "scid", TemplateName: "GameSession", SessionName: "live", ChangeNumber: 1, Body: "{}"}
	if err := database.Create(&live).Error; err != nil {
		testContext.Fatalf("failed to insert session: %v", err)
	}
	handles := []emulator.HandleRecord{
		{ID: "kept", Type: "transfer", ServiceConfigID: "scid", TemplateName: "GameSession", SessionName: "live"},
		{ID: "orphan", Type: "transfer", ServiceConfigID: "scid", TemplateName: "GameSession", SessionName: "gone"},
	}
	if err := database.Create(&handles).Error; err != nil {
		testContext.Fatalf("failed to insert handles: %v", err)
	}
	ticket := emulator.TicketRecord{ID: "ticket", ServiceConfigID: "scid", Hopper: "ranked", TicketTemplate: "MatchTicket", TicketSession: "gone"}
	if err := database.Create(&ticket).Error; err != nil {
		testContext.Fatalf("failed to insert ticket: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []emulator.HandleRecord
	if err := database.Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload handles: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "kept" {
		testContext.Fatalf("expected only the live handle to remain, got %+v", remaining)
	}
	var tickets int64
	if err := database.Model(&emulator.TicketRecord{}).Count(&tickets).Error; err != nil {
		testContext.Fatalf("failed to count tickets: %v", err)
	}
	if tickets != 0 {
		testContext.Fatalf("expected orphaned ticket to be purged, have %d", tickets)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPurgeOrphanedHandles).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected an error for an empty path")
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "lobbysync.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range emulator.Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}
