package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/vipul43/finsync-worker/internal/models"
)

func TestMigrations_Embedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("failed to read embedded migrations: %v", err)
	}

	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Errorf("expected matching up/down migrations, got %d up and %d down", ups, downs)
	}
}

func TestMigrations_CoverModelTables(t *testing.T) {
	raw, err := fs.ReadFile(migrationFiles, "migrations/000001_wise_connector.up.sql")
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	sql := string(raw)

	tables := []string{
		models.Integration{}.TableName(),
		models.Credential{}.TableName(),
		models.ProviderSettings{}.TableName(),
		models.WiseProfile{}.TableName(),
		models.WiseBalanceAccount{}.TableName(),
		models.WiseBalance{}.TableName(),
		models.WiseTransaction{}.TableName(),
		models.BankAccount{}.TableName(),
		models.BankBalance{}.TableName(),
		models.BankTransaction{}.TableName(),
		models.WebhookSubscription{}.TableName(),
		models.WebhookReceipt{}.TableName(),
		models.SyncRun{}.TableName(),
		models.WiseTransfer{}.TableName(),
		models.WiseBatch{}.TableName(),
		models.AuditLog{}.TableName(),
	}

	for _, table := range tables {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("migration does not create table %s", table)
		}
	}
}
