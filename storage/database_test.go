package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir, testStorageKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	for _, table := range []string{"peers", "transfers"} {
		var count int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count); err != nil {
			t.Fatalf("check table %q: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestOpenPathRejectsBadStorageKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DefaultDBFileName)
	if _, err := OpenPath(dbPath, []byte("too-short")); err == nil {
		t.Fatalf("expected short storage key to be rejected")
	}
}

func TestOpenWithoutStorageKeyStoresPlaintext(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	mustAddPeer(t, store, "peer-1", "Laptop")

	var stored string
	if err := store.db.QueryRow(
		"SELECT device_name FROM peers WHERE device_id = ?", "peer-1",
	).Scan(&stored); err != nil {
		t.Fatalf("read raw device_name: %v", err)
	}
	if stored != "Laptop" {
		t.Fatalf("expected plaintext device_name without a key, got %q", stored)
	}
}
