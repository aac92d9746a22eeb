// Package vault holds the single symmetric encryption key used for offline
// media. The key is generated once on first access and persisted; it is
// never rotated, a choice tied to the short retention period of downloaded
// content.
package vault

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	keyName = "media_encryption_key"
	keySize = 32
)

// KeyVault exposes the one encryption key. Implementations must be
// idempotent under concurrent first access: two early callers observe the
// same key.
type KeyVault interface {
	Key(ctx context.Context) ([]byte, error)
}

// SQLiteVault persists the key in the vault table.
type SQLiteVault struct {
	db *sql.DB
	sf singleflight.Group
}

func NewSQLiteVault(db *sql.DB) *SQLiteVault {
	return &SQLiteVault{db: db}
}

// Key returns the 256-bit key, generating and persisting it on first use.
// Concurrent first callers are collapsed into a single generation; the
// INSERT OR IGNORE plus re-read guarantees a single key even across
// processes racing on first launch.
func (v *SQLiteVault) Key(ctx context.Context) ([]byte, error) {
	res, err, _ := v.sf.Do(keyName, func() (any, error) {
		return v.loadOrGenerate(ctx)
	})
	if err != nil {
		return nil, err
	}

	return res.([]byte), nil
}

func (v *SQLiteVault) loadOrGenerate(ctx context.Context) ([]byte, error) {
	keyHex, err := v.fetch(ctx)
	if err != nil {
		return nil, err
	}

	if keyHex == "" {
		raw := make([]byte, keySize)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}

		_, err = v.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO vault (name, key_hex, created_at) VALUES (?, ?, ?)`,
			keyName, hex.EncodeToString(raw), time.Now().Format(time.RFC3339),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to persist key: %w", err)
		}

		// Re-read rather than trusting our own write, in case another
		// writer won the insert.
		keyHex, err = v.fetch(ctx)
		if err != nil {
			return nil, err
		}
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt key in vault: %w", err)
	}

	if len(key) != keySize {
		return nil, fmt.Errorf("unexpected key size %d in vault", len(key))
	}

	return key, nil
}

func (v *SQLiteVault) fetch(ctx context.Context) (string, error) {
	var keyHex string

	err := v.db.QueryRowContext(ctx, `SELECT key_hex FROM vault WHERE name = ?`, keyName).Scan(&keyHex)
	if err == sql.ErrNoRows {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to read vault: %w", err)
	}

	return keyHex, nil
}
