package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
)

// InitCodec builds the token codec from the configured signing secret.
//
// Secret sources, in order:
//   - CHAT_JWT_SECRET: base64 secret inline.
//   - CHAT_JWT_SECRET_FILE: base64 secret in a file.
//   - neither: a random secret is generated. Tokens are then only valid
//     until the process restarts.
func InitCodec(cfg Config, logger *slog.Logger) (*jwtx.HS256Codec, error) {
	secret, err := loadSecret(cfg)
	if err != nil {
		return nil, err
	}

	if secret == nil {
		logger.Warn("no signing secret configured, generating an ephemeral one; tokens will not survive a restart")
		if secret, err = jwtx.GenerateSecret(); err != nil {
			return nil, err
		}
	}

	codec, err := jwtx.NewHS256Codec(secret, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}

	logger.Info("token codec ready",
		"issuer", cfg.Issuer,
		"access_ttl", cfg.AccessTTL,
		"refresh_multiplier", cfg.RefreshMultiplier,
	)
	return codec, nil
}

func loadSecret(cfg Config) ([]byte, error) {
	switch {
	case cfg.JWTSecret != "" && cfg.JWTSecretFile != "":
		return nil, errors.New("CHAT_JWT_SECRET and CHAT_JWT_SECRET_FILE are mutually exclusive")

	case cfg.JWTSecret != "":
		secret, err := jwtx.DecodeSecret(cfg.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("CHAT_JWT_SECRET: %w", err)
		}
		return secret, nil

	case cfg.JWTSecretFile != "":
		b, err := os.ReadFile(filepath.Clean(cfg.JWTSecretFile))
		if err != nil {
			return nil, fmt.Errorf("read signing secret: %w", err)
		}
		secret, err := jwtx.DecodeSecret(string(b))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.JWTSecretFile, err)
		}
		return secret, nil
	}

	return nil, nil
}
