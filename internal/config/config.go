package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	AI      AIConfig
	Cache   CacheConfig
	Client  ClientConfig
	Billing BillingConfig
	Worker  WorkerConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
	APIToken   string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type AIConfig struct {
	Provider        string
	OpenAIKey       string
	OpenAIModel     string
	AnthropicKey    string
	AnthropicModel  string
	PerplexityKey   string
	PerplexityModel string
	Temperature     float64
	MaxTokens       int
}

type CacheConfig struct {
	TTL string
}

// ClientConfig is used by the CLI commands that talk to a running server.
type ClientConfig struct {
	ServerURL string
	UserID    string
}

type BillingConfig struct {
	StripeSecretKey string
	WebhookSecret   string
	SuccessURL      string
	CancelURL       string
	PricePro        string
	PriceTeam       string
}

type WorkerConfig struct {
	PollInterval string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		AI: AIConfig{
			Provider:        "openai",
			OpenAIModel:     "gpt-4o-mini",
			AnthropicModel:  "claude-3-5-haiku-latest",
			PerplexityModel: "sonar",
			Temperature:     0.7,
			MaxTokens:       1500,
		},
		Cache: CacheConfig{
			TTL: "5m",
		},
		Client: ClientConfig{
			ServerURL: "http://127.0.0.1:4100",
			UserID:    "local",
		},
		Billing: BillingConfig{
			SuccessURL: "http://127.0.0.1:4100/billing/success",
			CancelURL:  "http://127.0.0.1:4100/billing/cancel",
		},
		Worker: WorkerConfig{
			PollInterval: "500ms",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: app.scatterbrain) and secrets
// fall back to macOS Keychain (service: scatterbrain).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/scatterbrain/config.json
// and secrets fall back to $XDG_DATA_HOME/scatterbrain/secrets.json.
//
// Environment variables (SCATTERBRAIN_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// errSecretNotFound is returned by the secret store for an absent item.
var errSecretNotFound = errors.New("secret not found")

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "scatterbrain"

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets not set in the environment come from the platform keychain.
	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		v, err := kc.Get(keychainService, s.key)
		switch {
		case errors.Is(err, errSecretNotFound):
		case err != nil:
			slog.Warn("secret store unreadable", "key", s.key, "error", err)
		case v != "":
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}

// RequireProvider reports a clear error when no AI provider key is configured.
func (c Config) RequireProvider() error {
	if c.AI.OpenAIKey != "" || c.AI.AnthropicKey != "" || c.AI.PerplexityKey != "" {
		return nil
	}
	msg := "missing required config: AI provider API key. " +
		"Set one of SCATTERBRAIN_OPENAI_API_KEY, SCATTERBRAIN_ANTHROPIC_API_KEY or SCATTERBRAIN_PERPLEXITY_API_KEY" +
		apiKeyHint()
	return fmt.Errorf("%s", msg)
}

// CacheTTL parses Cache.TTL, falling back to five minutes.
func (c Config) CacheTTL() time.Duration {
	return parseDuration(c.Cache.TTL, 5*time.Minute)
}

// PollInterval parses Worker.PollInterval, falling back to 500ms.
func (c Config) PollInterval() time.Duration {
	return parseDuration(c.Worker.PollInterval, 500*time.Millisecond)
}

// LogLevel maps Log.Level to a slog level. Unknown values mean info.
func (c Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
