package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FileHash computes the hex-encoded SHA-256 of the file at path.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for hash: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// KeyHash computes a stable hex SHA-256 from ordered values. Each value is
// passed through Key and terminated by a null separator.
func KeyHash(values ...string) string {
	h := sha256.New()
	for _, v := range values {
		h.Write([]byte(Key(v)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
