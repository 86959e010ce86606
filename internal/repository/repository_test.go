package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/vipul43/finsync-worker/internal/models"
	"github.com/vipul43/finsync-worker/internal/testutil"
)

func strPtr(s string) *string { return &s }

func TestCredentialRepository_UpsertAndGet(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewCredentialRepository(db)
	ctx := context.Background()

	if _, err := repo.Get(ctx, 42, "sandbox"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	first, err := repo.Upsert(ctx, &models.Credential{
		CompanyID:             42,
		Environment:           "sandbox",
		AccessTokenEncrypted:  strPtr("a1"),
		RefreshTokenEncrypted: strPtr("r1"),
		TokenExpiresAt:        &expires,
		Scope:                 "transfers balances",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	second, err := repo.Upsert(ctx, &models.Credential{
		CompanyID:             42,
		Environment:           "sandbox",
		AccessTokenEncrypted:  strPtr("a2"),
		RefreshTokenEncrypted: strPtr("r2"),
		Scope:                 "transfers",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected upsert to keep row %s, got %s", first.ID, second.ID)
	}
	if *second.AccessTokenEncrypted != "a2" || second.Scope != "transfers" {
		t.Errorf("expected replaced token material, got %+v", second)
	}

	count, _ := repo.CountByCompany(ctx, 42)
	if count != 1 {
		t.Errorf("expected exactly one credential per environment, got %d", count)
	}
}

func TestCredentialRepository_SwapTokens(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewCredentialRepository(db)
	ctx := context.Background()

	cred, _ := repo.Upsert(ctx, &models.Credential{
		CompanyID:             7,
		Environment:           "production",
		AccessTokenEncrypted:  strPtr("a1"),
		RefreshTokenEncrypted: strPtr("r1"),
	})

	expires := time.Now().Add(time.Hour)
	won, err := repo.SwapTokens(ctx, cred.ID, strPtr("r1"), "a2", "r2", &expires)
	if err != nil || !won {
		t.Fatalf("expected first swap to win, got won=%v err=%v", won, err)
	}

	// A second refresher that read r1 loses the race
	won, err = repo.SwapTokens(ctx, cred.ID, strPtr("r1"), "a3", "r3", &expires)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if won {
		t.Fatal("expected stale swap to lose")
	}

	stored, _ := repo.Get(ctx, 7, "production")
	if *stored.AccessTokenEncrypted != "a2" || *stored.RefreshTokenEncrypted != "r2" {
		t.Errorf("expected winner's tokens to remain, got %s/%s", *stored.AccessTokenEncrypted, *stored.RefreshTokenEncrypted)
	}
}

func TestCredentialRepository_CursorsAndDelete(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewCredentialRepository(db)
	ctx := context.Background()

	cred, _ := repo.Upsert(ctx, &models.Credential{CompanyID: 1, Environment: "sandbox"})
	if err := repo.SaveCursors(ctx, cred.ID, map[string]string{"acct-1": "c1"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := repo.SetProfile(ctx, cred.ID, "p-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	stored, _ := repo.Get(ctx, 1, "sandbox")
	if stored.Cursor("acct-1") != "c1" {
		t.Errorf("expected cursor c1, got %q", stored.Cursor("acct-1"))
	}
	if stored.ProfileID == nil || *stored.ProfileID != "p-1" {
		t.Errorf("expected profile p-1, got %v", stored.ProfileID)
	}

	repo.Upsert(ctx, &models.Credential{CompanyID: 1, Environment: "production"})
	deleted, err := repo.DeleteByEnvironment(ctx, 1, "sandbox")
	if err != nil || deleted != 1 {
		t.Fatalf("expected one deleted row, got %d (%v)", deleted, err)
	}
	if count, _ := repo.CountByCompany(ctx, 1); count != 1 {
		t.Errorf("expected production credential to remain, got %d", count)
	}
}

func TestCredentialRepository_SetAPIToken(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewCredentialRepository(db)
	ctx := context.Background()

	if err := repo.SetAPIToken(ctx, 9, "sandbox", "ct-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := repo.SetAPIToken(ctx, 9, "sandbox", "ct-2"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	stored, _ := repo.Get(ctx, 9, "sandbox")
	if !stored.UsesAPIToken() || *stored.APITokenEncrypted != "ct-2" {
		t.Errorf("expected updated api token, got %v", stored.APITokenEncrypted)
	}
}

func TestSyncRunRepository_FinishOnce(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewSyncRunRepository(db)
	ctx := context.Background()

	run, err := repo.Start(ctx, 42, "wise", "sandbox", models.SyncKindFull, "trace-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if run.Status != models.SyncRunStarted {
		t.Errorf("expected started, got %s", run.Status)
	}

	if err := repo.Finish(ctx, run.ID, models.SyncRunSuccess, map[string]int{"transactions": 3}, nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	msg := "late failure"
	if err := repo.Finish(ctx, run.ID, models.SyncRunFailed, nil, &msg); !errors.Is(err, ErrSyncRunFinished) {
		t.Errorf("expected ErrSyncRunFinished, got %v", err)
	}
	if err := repo.Finish(ctx, "missing", models.SyncRunFailed, nil, nil); !errors.Is(err, ErrSyncRunNotFound) {
		t.Errorf("expected ErrSyncRunNotFound, got %v", err)
	}

	stored, _ := repo.Get(ctx, run.ID)
	if stored.Status != models.SyncRunSuccess || stored.FinishedAt == nil {
		t.Errorf("expected finished success run, got %+v", stored)
	}
	if got := fmt.Sprint(stored.Counts["transactions"]); got != "3" {
		t.Errorf("expected transactions count 3, got %v", stored.Counts["transactions"])
	}
}

func TestWiseRepository_UpsertTransactionIsIdempotent(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewWiseRepository(db)
	ctx := context.Background()

	for _, amount := range []float64{10, 12.5} {
		err := repo.UpsertTransaction(ctx, &models.WiseTransaction{
			CompanyID:        42,
			TransactionID:    "tx-1",
			BalanceAccountID: "acct-1",
			OccurredAt:       time.Now(),
			Amount:           amount,
			Currency:         "EUR",
			Raw:              datatypes.JSON(`{"id":"tx-1"}`),
			FetchedAt:        time.Now(),
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	var rows []models.WiseTransaction
	db.Where("company_id = ?", 42).Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if rows[0].Amount != 12.5 {
		t.Errorf("expected mutable amount to be refreshed, got %v", rows[0].Amount)
	}
}

func TestBankRepository_UpsertAccountKeepsBalance(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewBankRepository(db)
	ctx := context.Background()

	account, err := repo.UpsertAccount(ctx, &models.BankAccount{
		CompanyID: 42, Provider: "wise", ProviderAccountID: "acct-1", Name: "EUR", Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	repo.UpdateBalance(ctx, account.ID, 99.5)

	again, _ := repo.UpsertAccount(ctx, &models.BankAccount{
		CompanyID: 42, Provider: "wise", ProviderAccountID: "acct-1", Name: "Euro jar", Currency: "EUR",
	})
	if again.ID != account.ID {
		t.Errorf("expected same account id, got %s and %s", account.ID, again.ID)
	}
	if again.Balance != 99.5 || again.Name != "Euro jar" {
		t.Errorf("expected name refresh with balance kept, got %+v", again)
	}
}

func TestTransferRepository_ListRefreshable(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewTransferRepository(db)
	ctx := context.Background()

	rows := []models.WiseTransfer{
		{CompanyID: 1, IdempotencyKey: "k1", Environment: "sandbox", Status: "processing", WiseTransferID: strPtr("t1")},
		{CompanyID: 1, IdempotencyKey: "k2", Environment: "sandbox", Status: models.TransferOutgoingPaymentSent, WiseTransferID: strPtr("t2")},
		{CompanyID: 1, IdempotencyKey: "k3", Environment: "sandbox", Status: models.TransferCreated},
		{CompanyID: 2, IdempotencyKey: "k1", Environment: "sandbox", Status: "processing", WiseTransferID: strPtr("t4")},
	}
	for i := range rows {
		if err := repo.CreateTransfer(ctx, &rows[i]); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	list, err := repo.ListRefreshable(ctx, 1, "sandbox")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(list) != 1 || *list[0].WiseTransferID != "t1" {
		t.Errorf("expected only t1 to be refreshable, got %+v", list)
	}

	if _, err := repo.GetTransferByKey(ctx, 1, "missing"); !errors.Is(err, ErrTransferNotFound) {
		t.Errorf("expected ErrTransferNotFound, got %v", err)
	}
}

func TestWebhookRepository_ActiveSubscription(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewWebhookRepository(db)
	ctx := context.Background()

	if err := repo.CreateSubscription(ctx, &models.WebhookSubscription{
		CompanyID: 42, Environment: "sandbox", SubscriptionID: "sub-1",
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	sub, err := repo.GetActiveSubscription(ctx, 42, "sandbox")
	if err != nil || sub.SubscriptionID != "sub-1" {
		t.Fatalf("expected active sub-1, got %v (%v)", sub, err)
	}
	if _, err := repo.GetActiveSubscription(ctx, 42, "production"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("expected no production subscription, got %v", err)
	}

	repo.DeactivateByEnvironment(ctx, 42, "sandbox")
	if _, err := repo.GetActiveSubscription(ctx, 42, "sandbox"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("expected subscription to be inactive, got %v", err)
	}
	if _, err := repo.GetBySubscriptionID(ctx, "sub-1"); err != nil {
		t.Errorf("expected lookup by Wise id to still work, got %v", err)
	}
}

func TestAuditLogRepository_Log(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewAuditLogRepository(db)
	ctx := context.Background()
	company := int64(42)

	err := repo.Log(ctx, AuditEntry{
		CompanyID:  &company,
		Action:     "wise.sync.completed",
		EntityType: "sync_run",
		EntityID:   "run-1",
		Metadata:   map[string]interface{}{"transactions": 2},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	rows, _ := repo.ListByCompany(ctx, 42, 10)
	if len(rows) != 1 || rows[0].Action != "wise.sync.completed" {
		t.Errorf("expected one audit row, got %+v", rows)
	}
}
