// Package codec encrypts downloaded media in place and decrypts it on
// demand into throwaway temp files for playback. The on-disk format carries
// an explicit marker so encrypted files are recognized without sniffing
// content.
package codec

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openlearn/offline_manager/internal/logctx"
	"github.com/openlearn/offline_manager/internal/vault"
	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypted file layout: magic (4 bytes) | version (1 byte) | nonce | ciphertext.
const (
	formatMagic   = "OFC1"
	formatVersion = byte(1)
	headerSize    = len(formatMagic) + 1
	tempPrefix    = "play_"

	filePerm = 0o600
	dirPerm  = 0o755
)

// ErrNotEncrypted is returned when a file lacks the encrypted-format marker.
var ErrNotEncrypted = errors.New("file is not encrypted")

// Codec performs file-level encryption with the single vault key.
type Codec struct {
	vault   vault.KeyVault
	tempDir string
}

func New(kv vault.KeyVault, tempDir string) *Codec {
	return &Codec{vault: kv, tempDir: tempDir}
}

// EncryptFile encrypts the file at path in place. The ciphertext is written
// to a sibling temp file first and renamed over the original, so a crash
// mid-write never leaves a half-encrypted file behind.
func (c *Codec) EncryptFile(ctx context.Context, path string) error {
	key, err := c.vault.Key(ctx)
	if err != nil {
		return fmt.Errorf("failed to get vault key: %w", err)
	}

	plaintext, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, headerSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, formatMagic...)
	out = append(out, formatVersion)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)

	tmpPath := path + ".enc"
	if err := os.WriteFile(tmpPath, out, filePerm); err != nil {
		return fmt.Errorf("failed to write ciphertext: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("failed to replace file: %w", err)
	}

	return nil
}

// DecryptToTemp decrypts the encrypted file into a new temp file under the
// codec's temp directory and returns its path. The encrypted file is never
// modified. Corrupt ciphertext, a wrong key or a missing vault key all
// surface as errors; the caller falls back to missing-file handling.
func (c *Codec) DecryptToTemp(ctx context.Context, encryptedPath string) (string, error) {
	data, err := os.ReadFile(encryptedPath)
	if err != nil {
		return "", fmt.Errorf("failed to read encrypted file: %w", err)
	}

	if !hasMarker(data) {
		return "", ErrNotEncrypted
	}

	key, err := c.vault.Key(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get vault key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	body := data[headerSize:]
	if len(body) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	if err := os.MkdirAll(c.tempDir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}

	tempPath := filepath.Join(c.tempDir, fmt.Sprintf("%s%d.mp4", tempPrefix, time.Now().UnixNano()))
	if err := os.WriteFile(tempPath, plaintext, filePerm); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}

	return tempPath, nil
}

// IsEncrypted reports whether the file carries the encrypted-format marker.
func (c *Codec) IsEncrypted(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return false
	}

	return hasMarker(header)
}

// CleanupTemp removes one temp playback file. Missing files are not an error.
func (c *Codec) CleanupTemp(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logctx.LoggerFromContext(ctx).Error("failed to remove temp playback file", "path", path, "err", err)

		return err
	}

	return nil
}

// CleanupAllTemp removes every temp playback file the codec has created.
func (c *Codec) CleanupAllTemp(ctx context.Context) error {
	entries, err := os.ReadDir(c.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read temp dir: %w", err)
	}

	logger := logctx.LoggerFromContext(ctx)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}

		path := filepath.Join(c.tempDir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to remove temp playback file", "path", path, "err", err)
		}
	}

	return nil
}

func hasMarker(data []byte) bool {
	return len(data) >= headerSize &&
		string(data[:len(formatMagic)]) == formatMagic &&
		data[len(formatMagic)] == formatVersion
}
