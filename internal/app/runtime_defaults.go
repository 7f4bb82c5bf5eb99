package app

import (
	"fmt"
	"strings"

	"github.com/charlesng35/termrelay/pkg/crypto"
)

const controlTokenSecretBytes = 48

// ApplyRuntimeDefaults ensures critical secrets are populated even when no configuration file is supplied.
// It returns a map describing which keys were generated so callers can log the event without exposing values.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.ControlToken.Secret) == "" {
		secret, err := crypto.GenerateToken(controlTokenSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate control token secret: %w", err)
		}
		cfg.Auth.ControlToken.Secret = secret
		generated["auth.control_token.secret"] = true
	}

	return generated, nil
}
