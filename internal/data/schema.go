package data

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// Bootstrap applies schema.sql against db. Every statement is
// CREATE-IF-NOT-EXISTS, so this runs unconditionally once per process
// startup instead of through a migration-chain tool (see DESIGN.md).
func Bootstrap(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("data: apply schema: %w", err)
	}
	return nil
}
