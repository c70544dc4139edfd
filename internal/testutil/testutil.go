// Package testutil provides shared test helpers for on-device databases.
package testutil

import (
	"database/sql"
	"os"
	"testing"

	"github.com/starford/slabsync/internal/db"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "slabsync-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() {
		os.Remove(dbFile.Name())
		os.Remove(dbFile.Name() + "-wal")
		os.Remove(dbFile.Name() + "-shm")
	})

	conn, err := db.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
