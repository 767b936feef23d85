package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoBackends       = errors.New("either CONTROLLER_URL or PROVIDER_CONFIG_FILE is required")
	ErrMissingLogDir    = errors.New("LOG_DIR is required")
	ErrBadMasterKey     = errors.New("master key must be 32 bytes after base64 decode")
	ErrUnknownCurrentID = errors.New("MASTER_KEY_CURRENT_ID does not exist in provided keys")
)

type Config struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string

	ControllerURL      string
	ProviderConfigFile string
	VisionArena        bool
	ModelPriority      []string

	Moderation ModerationConfig
	Rate       RateConfig
	Redis      RedisConfig
	DB         DBConfig
	Limits     LimitsConfig
	HTTP       HTTPConfig
	Transcript TranscriptConfig
	Crypto     CryptoConfig
	Log        LogConfig
}

type ModerationConfig struct {
	Enabled bool
	APIKey  string
}

type RateConfig struct {
	OracleURL string
	PerHour   int64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type LimitsConfig struct {
	InputChars           int
	Turns                int
	MaxConcurrentStreams int
}

type HTTPConfig struct {
	ClientTimeout       time.Duration
	WorkerHeaderTimeout time.Duration
}

type TranscriptConfig struct {
	LogDir    string
	MirrorURL string
	ImageDir  string
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  mustEnv("LISTEN_ADDR", ":8080"),
		HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
		MetricsPath: mustEnv("METRICS_PATH", "/metrics"),

		ControllerURL:      mustEnv("CONTROLLER_URL", ""),
		ProviderConfigFile: mustEnv("PROVIDER_CONFIG_FILE", ""),
		VisionArena:        mustBool("VISION_ARENA", false),
		ModelPriority:      splitList(mustEnv("MODEL_PRIORITY", "")),

		Moderation: ModerationConfig{
			Enabled: mustBool("ENABLE_MODERATION", false),
			APIKey:  mustEnv("MODERATION_API_KEY", os.Getenv("OPENAI_API_KEY")),
		},
		Rate: RateConfig{
			OracleURL: mustEnv("RATE_ORACLE_URL", ""),
			PerHour:   int64(mustInt("RATE_LIMIT_PER_HOUR", 0)),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", ""),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Limits: LimitsConfig{
			InputChars:           mustInt("INPUT_CHAR_LIMIT", 0),
			Turns:                mustInt("CONVERSATION_TURN_LIMIT", 0),
			MaxConcurrentStreams: mustInt("MAX_CONCURRENT_STREAMS", 16),
		},
		HTTP: HTTPConfig{
			ClientTimeout:       mustDuration("HTTP_TIMEOUT", 15*time.Second),
			WorkerHeaderTimeout: mustDuration("WORKER_HEADER_TIMEOUT", 100*time.Second),
		},
		Transcript: TranscriptConfig{
			LogDir:    mustEnv("LOG_DIR", ""),
			MirrorURL: mustEnv("TRANSCRIPT_MIRROR_URL", ""),
			ImageDir:  mustEnv("IMAGE_DIR", "images"),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.ControllerURL == "" && cfg.ProviderConfigFile == "" {
		return nil, ErrNoBackends
	}
	if cfg.Transcript.LogDir == "" {
		return nil, ErrMissingLogDir
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// loadCryptoConfig gathers master keys for encrypted provider credentials.
// No keys at all is fine: the config file then only accepts plaintext keys.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("%w: key %q", ErrBadMasterKey, id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("%w: %q", ErrUnknownCurrentID, current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
