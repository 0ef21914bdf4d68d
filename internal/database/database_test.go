package database

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	DB = db
	if err := db.AutoMigrate(&User{}, &Setting{}, &AIUsageDay{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestSettings_CRUD(t *testing.T) {
	setupTestDB(t)

	if err := SetSetting(1, "ai-config", "blob-v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := GetSetting(1, "ai-config"); err != nil || got != "blob-v1" {
		t.Fatalf("get = (%q, %v)", got, err)
	}

	// Writing the same (user, category) updates in place.
	if err := SetSetting(1, "ai-config", "blob-v2"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, _ := GetSetting(1, "ai-config"); got != "blob-v2" {
		t.Fatalf("after update = %q", got)
	}
	var count int64
	DB.Model(&Setting{}).Count(&count)
	if count != 1 {
		t.Fatalf("setting rows = %d, want 1", count)
	}

	// Other users and categories stay isolated.
	SetSetting(2, "ai-config", "other-user")
	SetSetting(1, "theme", "dark")
	if got, _ := GetSetting(1, "ai-config"); got != "blob-v2" {
		t.Fatalf("cross-talk: %q", got)
	}

	if err := DeleteSetting(1, "ai-config"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := GetSetting(1, "ai-config"); err == nil {
		t.Fatal("deleted setting still readable")
	}
	if got, _ := GetSetting(2, "ai-config"); got != "other-user" {
		t.Fatal("delete removed another user's row")
	}
}

func TestUsers(t *testing.T) {
	setupTestDB(t)

	u := &User{Username: "alice", PasswordHash: "hash-a", Role: "admin"}
	if err := CreateUser(u); err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.ID == 0 {
		t.Fatal("id not assigned")
	}

	// Usernames are unique.
	if err := CreateUser(&User{Username: "alice", PasswordHash: "x", Role: "user"}); err == nil {
		t.Fatal("duplicate username accepted")
	}

	got, err := GetUserByUsername("alice")
	if err != nil || got.ID != u.ID || got.Role != "admin" {
		t.Fatalf("by username = (%+v, %v)", got, err)
	}
	if _, err := GetUserByUsername("nobody"); err == nil {
		t.Fatal("unknown username found")
	}
	if byID, err := GetUserByID(u.ID); err != nil || byID.Username != "alice" {
		t.Fatalf("by id = (%+v, %v)", byID, err)
	}

	if err := UpdateUserPassword(u.ID, "hash-b"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	if got, _ := GetUserByID(u.ID); got.PasswordHash != "hash-b" {
		t.Fatalf("password hash = %q", got.PasswordHash)
	}

	if n, err := UserCount(); err != nil || n != 1 {
		t.Fatalf("count = (%d, %v)", n, err)
	}
}

func TestUsage_FoldAndPrune(t *testing.T) {
	setupTestDB(t)

	// Two requests on the same day fold into one row.
	if err := AddUsage(7, "2026-03-01", 100, 40, 250); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := AddUsage(7, "2026-03-01", 50, 10, 125); err != nil {
		t.Fatalf("fold: %v", err)
	}
	AddUsage(7, "2026-03-02", 10, 5, 30)
	AddUsage(8, "2026-03-01", 1, 1, 1)

	days, err := GetUsageDays(7, "2026-01-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("rows = %d, want 2", len(days))
	}
	// Most recent first.
	if days[0].Day != "2026-03-02" || days[1].Day != "2026-03-01" {
		t.Fatalf("order = %s, %s", days[0].Day, days[1].Day)
	}
	folded := days[1]
	if folded.Requests != 2 || folded.InputTokens != 150 || folded.OutputTokens != 50 || folded.CostMicro != 375 {
		t.Fatalf("folded row = %+v", folded)
	}

	// The since bound is inclusive.
	days, _ = GetUsageDays(7, "2026-03-02")
	if len(days) != 1 || days[0].Day != "2026-03-02" {
		t.Fatalf("since filter = %+v", days)
	}

	// Prune drops strictly-older rows for every user.
	n, err := PruneUsage("2026-03-02")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d rows, want 2", n)
	}
	days, _ = GetUsageDays(7, "2026-01-01")
	if len(days) != 1 || days[0].Day != "2026-03-02" {
		t.Fatalf("after prune = %+v", days)
	}
}
