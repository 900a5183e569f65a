package prodstore

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationActivityBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresActivityBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres activity backend: %v", err)
	}
	pg, ok := backend.(*PostgresActivityBackend)
	if !ok {
		t.Fatalf("expected *PostgresActivityBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("prodstore_activity_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	entries, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", entries)
	}

	saved := []ActivityEntry{
		{ID: "a1", Type: ActivityEntityAdded, Title: "Wireless Earbuds Pro", Time: "2026-03-10T08:30:00Z"},
		{ID: "a2", Type: ActivityRecordUpdated, Title: "Wireless Earbuds Pro", Details: "record.json changed", Time: "2026-03-10T08:31:00Z"},
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "a1" || loaded[1].Details != "record.json changed" {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}

	// Saves replace the snapshot wholesale.
	if err := backend.Save(saved[:1]); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(reloaded) != 1 || reloaded[0].ID != "a1" {
		t.Fatalf("expected single-entry snapshot after update, got %+v", reloaded)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PRODSTORE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set PRODSTORE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("drop table open failed: %v", err)
		return
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(tableName)); err != nil {
		t.Logf("drop table failed: %v", err)
	}
}
