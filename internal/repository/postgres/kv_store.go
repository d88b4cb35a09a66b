package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/mindharbor/internal/errs"
	"github.com/and161185/mindharbor/internal/repository"
	"github.com/jackc/pgx/v5"
)

// KVStore implements repository.KVStore over the kv_entries table, scoped to one device.
type KVStore struct {
	db       *DB
	deviceID string
}

var _ repository.KVStore = (*KVStore)(nil)

// NewKVStore constructs a store for deviceID.
func NewKVStore(db *DB, deviceID string) *KVStore { return &KVStore{db: db, deviceID: deviceID} }

// Get selects a value by key.
func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	const q = `
SELECT value FROM kv_entries WHERE device_id=$1 AND key=$2`
	var v string
	if err := s.db.Pool.QueryRow(ctx, q, s.deviceID, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.ErrNotFound
		}
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

// Set upserts a value.
func (s *KVStore) Set(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO kv_entries (device_id, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (device_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := s.db.Pool.Exec(ctx, q, s.deviceID, key, value); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Remove deletes a key; zero affected rows is fine.
func (s *KVStore) Remove(ctx context.Context, key string) error {
	const q = `
DELETE FROM kv_entries WHERE device_id=$1 AND key=$2`
	if _, err := s.db.Pool.Exec(ctx, q, s.deviceID, key); err != nil {
		return fmt.Errorf("kv remove %s: %w", key, err)
	}
	return nil
}
