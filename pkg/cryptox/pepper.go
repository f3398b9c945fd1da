package cryptox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const pepperSize = 32

// LoadPepper reads the pepper stored at path, creating the file with a fresh
// random pepper on first start. An empty path yields an in-memory pepper
// that only lives as long as the process.
func LoadPepper(path string) (string, error) {
	if path == "" {
		return newPepper()
	}

	path = filepath.Clean(path)
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		p := strings.TrimSpace(string(b))
		if p == "" {
			return "", fmt.Errorf("cryptox: pepper file %s is empty", path)
		}
		return p, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("cryptox: read pepper: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("cryptox: create pepper dir: %w", err)
	}

	p, err := newPepper()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(p), 0600); err != nil {
		return "", fmt.Errorf("cryptox: write pepper: %w", err)
	}
	return p, nil
}

func newPepper() (string, error) {
	b := make([]byte, pepperSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cryptox: generate pepper: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
