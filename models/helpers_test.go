package models_test

import (
	"testing"

	"github.com/mmdatafocus/erpbridge/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.MigrateTable(db, 5); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, maxRetries int) *models.QueueStore {
	t.Helper()
	return models.NewQueueStore(newTestDB(t), maxRetries)
}
