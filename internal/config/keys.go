package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SCATTERBRAIN_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "SCATTERBRAIN_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "server.api_token", typ: kString, env: "SCATTERBRAIN_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SCATTERBRAIN_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SCATTERBRAIN_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ai.provider", typ: kString, env: "SCATTERBRAIN_AI_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.AI.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.Provider },
	},
	{
		key: "ai.openai_model", typ: kString, env: "SCATTERBRAIN_AI_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.AI.OpenAIModel = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.OpenAIModel },
	},
	{
		key: "ai.anthropic_model", typ: kString, env: "SCATTERBRAIN_AI_ANTHROPIC_MODEL",
		apply:   func(cfg *Config, v any) { cfg.AI.AnthropicModel = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.AnthropicModel },
	},
	{
		key: "ai.perplexity_model", typ: kString, env: "SCATTERBRAIN_AI_PERPLEXITY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.AI.PerplexityModel = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.PerplexityModel },
	},
	{
		key: "ai.temperature", typ: kFloat, env: "SCATTERBRAIN_AI_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.AI.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.AI.Temperature },
	},
	{
		key: "ai.max_tokens", typ: kInt, env: "SCATTERBRAIN_AI_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.AI.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.AI.MaxTokens },
	},
	{
		key: "ai.openai_api_key", typ: kString, env: "SCATTERBRAIN_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.AI.OpenAIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.OpenAIKey },
	},
	{
		key: "ai.anthropic_api_key", typ: kString, env: "SCATTERBRAIN_ANTHROPIC_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.AI.AnthropicKey = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.AnthropicKey },
	},
	{
		key: "ai.perplexity_api_key", typ: kString, env: "SCATTERBRAIN_PERPLEXITY_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.AI.PerplexityKey = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.PerplexityKey },
	},
	{
		key: "cache.ttl", typ: kString, env: "SCATTERBRAIN_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "client.server_url", typ: kString, env: "SCATTERBRAIN_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.ServerURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.ServerURL },
	},
	{
		key: "client.user_id", typ: kString, env: "SCATTERBRAIN_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Client.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.UserID },
	},
	{
		key: "billing.stripe_secret_key", typ: kString, env: "SCATTERBRAIN_STRIPE_SECRET_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Billing.StripeSecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.StripeSecretKey },
	},
	{
		key: "billing.webhook_secret", typ: kString, env: "SCATTERBRAIN_STRIPE_WEBHOOK_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Billing.WebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.WebhookSecret },
	},
	{
		key: "billing.success_url", typ: kString, env: "SCATTERBRAIN_BILLING_SUCCESS_URL",
		apply:   func(cfg *Config, v any) { cfg.Billing.SuccessURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.SuccessURL },
	},
	{
		key: "billing.cancel_url", typ: kString, env: "SCATTERBRAIN_BILLING_CANCEL_URL",
		apply:   func(cfg *Config, v any) { cfg.Billing.CancelURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.CancelURL },
	},
	{
		key: "billing.price_pro", typ: kString, env: "SCATTERBRAIN_BILLING_PRICE_PRO",
		apply:   func(cfg *Config, v any) { cfg.Billing.PricePro = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.PricePro },
	},
	{
		key: "billing.price_team", typ: kString, env: "SCATTERBRAIN_BILLING_PRICE_TEAM",
		apply:   func(cfg *Config, v any) { cfg.Billing.PriceTeam = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.PriceTeam },
	},
	{
		key: "worker.poll_interval", typ: kString, env: "SCATTERBRAIN_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					slog.Warn("ignoring unparseable bool config value", "key", s.key, "value", v, "error", err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					slog.Warn("ignoring unparseable float config value", "key", s.key, "value", v, "error", err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				slog.Warn("ignoring unparseable integer env value", "env", s.env, "value", raw, "error", err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				slog.Warn("ignoring unparseable bool env value", "env", s.env, "value", raw, "error", err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				slog.Warn("ignoring unparseable float env value", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
