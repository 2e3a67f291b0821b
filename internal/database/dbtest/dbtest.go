// Package dbtest provides an in-memory SQLite database with the production schema.
package dbtest

import (
	"fmt"
	"regexp"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"pulse/internal/database"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_]`)

// New returns a migrated database private to the test. The pool is limited to
// one connection so concurrent transactions serialize instead of failing with
// SQLITE_BUSY.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", unsafeName.ReplaceAllString(t.Name(), "_"))
	db, err := gorm.Open(sqlite.Open(dsn), database.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
