package config

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// EnsureAPIToken makes sure cfg carries a bearer token for the HTTP API,
// generating one and saving it to the platform secret store on first run.
func EnsureAPIToken(cfg *Config) (created bool, err error) {
	return ensureAPIToken(cfg, keychainSet)
}

func ensureAPIToken(cfg *Config, set func(service, account, value string) error) (bool, error) {
	if cfg.Server.APIToken != "" {
		return false, nil
	}
	tok, err := gonanoid.New(40)
	if err != nil {
		return false, fmt.Errorf("generating API token: %w", err)
	}
	if err := set(keychainService, "server.api_token", tok); err != nil {
		return false, fmt.Errorf("saving API token: %w", err)
	}
	cfg.Server.APIToken = tok
	return true, nil
}
