// Package testutil provides an in-memory database and a shared RSA keypair
// for package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vipul43/finsync-worker/internal/models"
	"github.com/vipul43/finsync-worker/internal/secrets"
)

// AllModels lists every table the connector owns
var AllModels = []interface{}{
	&models.Integration{},
	&models.Credential{},
	&models.ProviderSettings{},
	&models.WiseProfile{},
	&models.WiseBalanceAccount{},
	&models.WiseBalance{},
	&models.WiseTransaction{},
	&models.BankAccount{},
	&models.BankBalance{},
	&models.BankTransaction{},
	&models.WebhookSubscription{},
	&models.WebhookReceipt{},
	&models.SyncRun{},
	&models.WiseTransfer{},
	&models.WiseBatch{},
	&models.AuditLog{},
}

// NewTestDB returns a migrated SQLite database private to the test
func NewTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(AllModels...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

var (
	keyOnce    sync.Once
	publicPEM  string
	privatePEM string
)

// KeyPair returns a PEM keypair generated once per test binary
func KeyPair(t testing.TB) (string, string) {
	t.Helper()
	keyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		privDER, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			panic(err)
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			panic(err)
		}
		publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
		privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	})
	return publicPEM, privatePEM
}

// Cipher returns a cipher holding both halves of the shared keypair
func Cipher(t testing.TB) *secrets.Cipher {
	t.Helper()
	pub, priv := KeyPair(t)
	c, err := secrets.NewCipher(pub, priv)
	if err != nil {
		t.Fatalf("failed to build cipher: %v", err)
	}
	return c
}

// Encrypt is a shorthand that fails the test on error
func Encrypt(t testing.TB, c *secrets.Cipher, plaintext string) *string {
	t.Helper()
	ct, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}
	return &ct
}
