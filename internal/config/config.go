// Package config loads the immutable configuration snapshot ticketarc
// runs with: TMS connection details, webhook hardening, tag names, the
// archive path policy, optional signing material, and server/dispatcher
// tuning. A yaml-tagged struct is loaded via gopkg.in/yaml.v3 from a file,
// then overridden field-by-field from environment variables through an
// injectable LoadWithEnv(getenv func(string) string) seam so tests never
// touch the real environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full, immutable-after-load configuration snapshot.
type Config struct {
	TMS       TMSConfig       `yaml:"tms"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Tags      TagsConfig      `yaml:"tags"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Signing   SigningConfig   `yaml:"signing"`
	Hardening HardeningConfig `yaml:"hardening"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// TMSConfig holds the external ticket-management system connection.
type TMSConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"` // redactable
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookConfig configures HMAC verification of inbound webhooks.
type WebhookConfig struct {
	Secret        string `yaml:"secret"` // redactable
	AllowUnsigned bool   `yaml:"allow_unsigned"`
}

// TagsConfig names the four externalised ticket-side state tags and the
// eligibility gate's trigger-tag requirement.
type TagsConfig struct {
	Trigger           string `yaml:"trigger"`
	Processing        string `yaml:"processing"`
	Done              string `yaml:"done"`
	Error             string `yaml:"error"`
	RequireTriggerTag bool   `yaml:"require_trigger_tag"`
}

// ArchiveConfig configures the path policy, article cap, and rendering
// variant.
type ArchiveConfig struct {
	Root             string   `yaml:"root"`
	FilenamePattern  string   `yaml:"filename_pattern"`
	AllowedPrefixes  []string `yaml:"allowed_prefixes"` // nil = unrestricted; [] explicit = nothing allowed
	PathField        string   `yaml:"path_field"`
	UserModeField    string   `yaml:"user_mode_field"`
	UserField        string   `yaml:"user_field"`
	ArticleLimit     int      `yaml:"article_limit"` // 0 = unlimited
	ArticleLimitMode string   `yaml:"article_limit_mode"` // "fail" | "cap_and_continue"
	TemplateVariant  string   `yaml:"template_variant"`
}

// SigningConfig configures PAdES signing and the optional RFC3161 TSA.
type SigningConfig struct {
	Enabled     bool          `yaml:"enabled"`
	PFXPath     string        `yaml:"pfx_path"`
	PFXPassword string        `yaml:"pfx_password"` // redactable
	TSAURL      string        `yaml:"tsa_url"`
	TSAUsername string        `yaml:"tsa_username"`
	TSAPassword string        `yaml:"tsa_password"` // redactable
	TSATimeout  time.Duration `yaml:"tsa_timeout"`
}

// HardeningConfig groups the ingress hardening toggles that must be
// explicitly overridden rather than silently defaulting to permissive.
type HardeningConfig struct {
	RateLimitRPS           float64 `yaml:"rate_limit_rps"`
	RateLimitBurst         int     `yaml:"rate_limit_burst"`
	BodyMaxBytes           int64   `yaml:"body_max_bytes"`
	RequireDeliveryID      bool    `yaml:"require_delivery_id"`
	TrustedForwardedHeader string  `yaml:"trusted_forwarded_header"` // "" = key on remote addr
	AllowPlaintextTMS      bool    `yaml:"allow_plaintext_tms"`
	AllowInsecureTLS       bool    `yaml:"allow_insecure_tls"`
	AllowLoopback          bool    `yaml:"allow_loopback"`
}

// ServerConfig tunes the HTTP server, dispatcher, and idempotency backend.
type ServerConfig struct {
	Addr                 string        `yaml:"addr"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`
	MaxConcurrency       int           `yaml:"max_concurrency"`
	QueueSize            int           `yaml:"queue_size"`
	DeliveryTTL          time.Duration `yaml:"delivery_ttl"`
	DispatcherBackend    string        `yaml:"dispatcher_backend"`   // "inprocess" | "queue"
	IdempotencyBackend   string        `yaml:"idempotency_backend"`  // "memory" | "sqlite"
	IdempotencyDBPath    string        `yaml:"idempotency_db_path"`
	QueueDBPath          string        `yaml:"queue_db_path"`
	ServiceName          string        `yaml:"service_name"`
	ServiceVersion       string        `yaml:"service_version"`
	OmitVersionInHealthz bool          `yaml:"omit_version_in_healthz"`
	MetricsBearerToken   string        `yaml:"metrics_bearer_token"` // redactable
}

// LogConfig configures the plain-text structured-ish logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the baseline configuration before file/env
// overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		TMS: TMSConfig{
			Timeout: 10 * time.Second,
		},
		Tags: TagsConfig{
			Trigger:           "pdf:sign",
			Processing:        "pdf:processing",
			Done:              "pdf:signed",
			Error:             "pdf:error",
			RequireTriggerTag: true,
		},
		Archive: ArchiveConfig{
			FilenamePattern:  "Ticket-{ticket_number}_{timestamp_utc}.pdf",
			PathField:        "archive_path",
			UserModeField:    "archive_user_mode",
			UserField:        "archive_user",
			ArticleLimitMode: "cap_and_continue",
			TemplateVariant:  "default",
		},
		Signing: SigningConfig{
			TSATimeout: 10 * time.Second,
		},
		Hardening: HardeningConfig{
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			BodyMaxBytes:   1 << 20,
		},
		Server: ServerConfig{
			Addr:               ":8080",
			DrainTimeout:       30 * time.Second,
			MaxConcurrency:     4,
			QueueSize:          64,
			DeliveryTTL:        24 * time.Hour,
			DispatcherBackend:  "inprocess",
			IdempotencyBackend: "memory",
			ServiceName:        "ticketarc",
			ServiceVersion:     "dev",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function, so tests can supply isolated values instead of touching the
// real process environment. Precedence is env > YAML file > defaults.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath := getenv("CONFIG_PATH"); configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if data, err := os.ReadFile(defaultConfigPathWithEnv(getenv)); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg, getenv)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfigPathWithEnv(getenv func(string) string) string {
	if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ticketarc", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ticketarc", "config.yaml")
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	float := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	str("TICKETARC_TMS_BASE_URL", &cfg.TMS.BaseURL)
	str("TICKETARC_TMS_TOKEN", &cfg.TMS.Token)
	duration("TICKETARC_TMS_TIMEOUT", &cfg.TMS.Timeout)

	str("TICKETARC_WEBHOOK_SECRET", &cfg.Webhook.Secret)
	boolean("TICKETARC_WEBHOOK_ALLOW_UNSIGNED", &cfg.Webhook.AllowUnsigned)

	str("TICKETARC_TAG_TRIGGER", &cfg.Tags.Trigger)
	str("TICKETARC_TAG_PROCESSING", &cfg.Tags.Processing)
	str("TICKETARC_TAG_DONE", &cfg.Tags.Done)
	str("TICKETARC_TAG_ERROR", &cfg.Tags.Error)
	boolean("TICKETARC_REQUIRE_TRIGGER_TAG", &cfg.Tags.RequireTriggerTag)

	str("TICKETARC_ARCHIVE_ROOT", &cfg.Archive.Root)
	str("TICKETARC_ARCHIVE_FILENAME_PATTERN", &cfg.Archive.FilenamePattern)
	if v := getenv("TICKETARC_ARCHIVE_ALLOWED_PREFIXES"); v != "" {
		cfg.Archive.AllowedPrefixes = splitNonEmpty(v, ",")
	}
	str("TICKETARC_ARCHIVE_PATH_FIELD", &cfg.Archive.PathField)
	str("TICKETARC_ARCHIVE_USER_MODE_FIELD", &cfg.Archive.UserModeField)
	str("TICKETARC_ARCHIVE_USER_FIELD", &cfg.Archive.UserField)
	integer("TICKETARC_ARCHIVE_ARTICLE_LIMIT", &cfg.Archive.ArticleLimit)
	str("TICKETARC_ARCHIVE_ARTICLE_LIMIT_MODE", &cfg.Archive.ArticleLimitMode)
	str("TICKETARC_ARCHIVE_TEMPLATE_VARIANT", &cfg.Archive.TemplateVariant)

	boolean("TICKETARC_SIGNING_ENABLED", &cfg.Signing.Enabled)
	str("TICKETARC_SIGNING_PFX_PATH", &cfg.Signing.PFXPath)
	str("TICKETARC_SIGNING_PFX_PASSWORD", &cfg.Signing.PFXPassword)
	str("TICKETARC_SIGNING_TSA_URL", &cfg.Signing.TSAURL)
	str("TICKETARC_SIGNING_TSA_USERNAME", &cfg.Signing.TSAUsername)
	str("TICKETARC_SIGNING_TSA_PASSWORD", &cfg.Signing.TSAPassword)
	duration("TICKETARC_SIGNING_TSA_TIMEOUT", &cfg.Signing.TSATimeout)

	float("TICKETARC_RATE_LIMIT_RPS", &cfg.Hardening.RateLimitRPS)
	integer("TICKETARC_RATE_LIMIT_BURST", &cfg.Hardening.RateLimitBurst)
	if v := getenv("TICKETARC_BODY_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Hardening.BodyMaxBytes = n
		}
	}
	boolean("TICKETARC_REQUIRE_DELIVERY_ID", &cfg.Hardening.RequireDeliveryID)
	str("TICKETARC_TRUSTED_FORWARDED_HEADER", &cfg.Hardening.TrustedForwardedHeader)
	boolean("TICKETARC_ALLOW_PLAINTEXT_TMS", &cfg.Hardening.AllowPlaintextTMS)
	boolean("TICKETARC_ALLOW_INSECURE_TLS", &cfg.Hardening.AllowInsecureTLS)
	boolean("TICKETARC_ALLOW_LOOPBACK", &cfg.Hardening.AllowLoopback)

	str("TICKETARC_ADDR", &cfg.Server.Addr)
	duration("TICKETARC_DRAIN_TIMEOUT", &cfg.Server.DrainTimeout)
	integer("TICKETARC_MAX_CONCURRENCY", &cfg.Server.MaxConcurrency)
	integer("TICKETARC_QUEUE_SIZE", &cfg.Server.QueueSize)
	duration("TICKETARC_DELIVERY_TTL", &cfg.Server.DeliveryTTL)
	str("TICKETARC_DISPATCHER_BACKEND", &cfg.Server.DispatcherBackend)
	str("TICKETARC_IDEMPOTENCY_BACKEND", &cfg.Server.IdempotencyBackend)
	str("TICKETARC_IDEMPOTENCY_DB_PATH", &cfg.Server.IdempotencyDBPath)
	str("TICKETARC_QUEUE_DB_PATH", &cfg.Server.QueueDBPath)
	str("TICKETARC_SERVICE_NAME", &cfg.Server.ServiceName)
	str("TICKETARC_SERVICE_VERSION", &cfg.Server.ServiceVersion)
	boolean("TICKETARC_OMIT_VERSION_IN_HEALTHZ", &cfg.Server.OmitVersionInHealthz)
	str("TICKETARC_METRICS_BEARER_TOKEN", &cfg.Server.MetricsBearerToken)

	str("TICKETARC_LOG_LEVEL", &cfg.Log.Level)
}

func splitNonEmpty(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate enforces the required-keys rules: TMS base URL/token, storage
// root, and either a webhook secret or the explicit unsigned-allowed
// override must be present.
func validate(cfg *Config) error {
	var missing []string
	if cfg.TMS.BaseURL == "" {
		missing = append(missing, "tms.base_url")
	}
	if cfg.TMS.Token == "" {
		missing = append(missing, "tms.token")
	}
	if cfg.Archive.Root == "" {
		missing = append(missing, "archive.root")
	}
	if cfg.Webhook.Secret == "" && !cfg.Webhook.AllowUnsigned {
		missing = append(missing, "webhook.secret (or explicit webhook.allow_unsigned)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	if cfg.Signing.Enabled && cfg.Signing.PFXPath == "" {
		return fmt.Errorf("config: signing.enabled is true but signing.pfx_path is empty")
	}
	return nil
}
