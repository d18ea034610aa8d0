package emulator

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

const testServiceConfigID = "00000000-0000-0000-0000-00007a2b3c4d"

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "emulator.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Database:    openTestDatabase(t),
		Clock:       func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
		TypicalWait: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func mustReference(t *testing.T, templateName, sessionName string) session.Reference {
	t.Helper()
	ref, err := session.NewReference(testServiceConfigID, templateName, sessionName)
	if err != nil {
		t.Fatalf("invalid reference: %v", err)
	}
	return ref
}

func joinRequest(ref session.Reference, xuid, deviceToken, subscriptionID string) *session.WriteRequest {
	doc := session.New(ref)
	doc.JoinMember(session.MemberJoin{
		XUID:           xuid,
		Gamertag:       "Player" + xuid,
		DeviceToken:    deviceToken,
		SubscriptionID: subscriptionID,
	})
	return doc.WriteRequest()
}

func leaveRequest(ref session.Reference, xuid string) *session.WriteRequest {
	doc := session.New(ref)
	doc.LeaveMember(xuid)
	return doc.WriteRequest()
}
