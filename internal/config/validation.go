package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate validates the configuration using struct tags registered with
// the go-playground/validator library, plus the cross-section rules tags
// cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Backend.Driver == DriverHasura && cfg.Backend.Hasura.URL == "" {
		return fmt.Errorf("config validation failed: backend.hasura.url is required for the hasura driver")
	}
	if cfg.Server.Webhook.Enabled && cfg.Server.Webhook.SecretToken == "" {
		return fmt.Errorf("config validation failed: server.webhook.secret_token is required when the webhook is enabled")
	}
	return nil
}
