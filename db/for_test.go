package db

import (
	"context"

	"gorm.io/gorm"
)

// DefineTables prepare the tables within an open transaction. Meant for unit tests which
// set up a database through RunSQLInTransaction.
func DefineTables(_ context.Context, tx *gorm.DB) error {
	return tx.AutoMigrate(Tables()...)
}
