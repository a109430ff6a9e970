package postgres

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// migrationLockID は複数プロセスが同時にマイグレーションしないためのロック
var migrationLockID = GenerateLockID("clipline", "schema")

// Migrate はスキーマを適用する。適用済みでも安全に再実行できる
func Migrate(ctx context.Context, db DBTX) error {
	_, err := Transact(ctx, db, func(_ *Repository, locks *LockManager) (struct{}, error) {
		if err := locks.Acquire(ctx, migrationLockID); err != nil {
			return struct{}{}, err
		}
		if _, err := locks.tx.Exec(ctx, schemaSQL); err != nil {
			return struct{}{}, fmt.Errorf("failed to apply schema: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}
