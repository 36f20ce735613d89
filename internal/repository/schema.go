package repository

import (
	"context"
	_ "embed"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/database"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the engine tables plus the columns of requests and users it touches.
// Every statement is idempotent.
func Migrate(ctx context.Context, db *database.DB) error {
	_, err := db.Exec(ctx, schemaSQL)
	return err
}
