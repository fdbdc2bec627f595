package triviastream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from files and environment variables.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	LLM      LLMConfig
	Sessions SessionConfig
}

type ServerConfig struct {
	Port           string
	GinMode        string
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
	LLMDir string // per-run transcripts, disabled when empty
}

type LLMConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	Transport        string
	Framing          Framing // chunk framing of the http transport
	Temperature      float32
	MaxTokens        int
	Referer          string
	Title            string
	FirstByteTimeout time.Duration
	RunCacheTTL      time.Duration
	StrictWordLimits bool
}

type SessionConfig struct {
	Backend    string // memory, sqlite or redis
	SQLitePath string
	RedisURL   string
	TTL        time.Duration
	Secret     string
}

// Provider returns the provider settings of the LLM section.
func (c LLMConfig) Provider() ProviderConfig {
	return ProviderConfig{
		BaseURL:          c.BaseURL,
		APIKey:           c.APIKey,
		Model:            c.Model,
		Transport:        c.Transport,
		Framing:          c.Framing,
		Temperature:      c.Temperature,
		MaxTokens:        c.MaxTokens,
		Referer:          c.Referer,
		Title:            c.Title,
		FirstByteTimeout: c.FirstByteTimeout,
	}
}

// WordLimits returns the validator policy selected by STRICT_WORD_LIMITS.
func (c LLMConfig) WordLimits() WordLimits {
	if c.StrictWordLimits {
		return StrictWordLimits
	}
	return WordLimits{}
}

// LoadConfig reads an optional .env file, an optional config/config.yaml, and
// the environment, in increasing order of precedence.
func LoadConfig() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")

	v.SetDefault("server_port", "8180")
	v.SetDefault("gin_mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "pretty")
	v.SetDefault("llm_base_url", DefaultBaseURL)
	v.SetDefault("llm_model", DefaultModel)
	v.SetDefault("llm_transport", TransportOpenAI)
	v.SetDefault("llm_framing", "auto")
	v.SetDefault("llm_temperature", 0.7)
	v.SetDefault("llm_max_tokens", 10000)
	v.SetDefault("llm_referer", "http://localhost:3000")
	v.SetDefault("llm_title", "Trivia Question Generator")
	v.SetDefault("first_byte_timeout", "10s")
	v.SetDefault("run_cache_ttl", "2m")
	v.SetDefault("strict_word_limits", false)
	v.SetDefault("session_backend", "memory")
	v.SetDefault("sqlite_path", "./quiz.db")
	v.SetDefault("session_ttl", "2h")
	v.SetDefault("allowed_origins", "")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("llm_api_key", "OPENROUTER_API_KEY", "LLM_API_KEY")
	_ = v.BindEnv("llm_log_dir", "LLM_LOG_DIR")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("session_secret", "SESSION_SECRET")

	if err := v.ReadInConfig(); err != nil {
		var fileLookupErr viper.ConfigFileNotFoundError
		if !errors.As(err, &fileLookupErr) {
			return nil, fmt.Errorf("error loading config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("server_port"),
			GinMode:        v.GetString("gin_mode"),
			AllowedOrigins: splitList(v.GetString("allowed_origins")),
		},
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
			LLMDir: v.GetString("llm_log_dir"),
		},
		LLM: LLMConfig{
			APIKey:           v.GetString("llm_api_key"),
			BaseURL:          v.GetString("llm_base_url"),
			Model:            v.GetString("llm_model"),
			Transport:        strings.ToLower(v.GetString("llm_transport")),
			Temperature:      float32(v.GetFloat64("llm_temperature")),
			MaxTokens:        v.GetInt("llm_max_tokens"),
			Referer:          v.GetString("llm_referer"),
			Title:            v.GetString("llm_title"),
			FirstByteTimeout: v.GetDuration("first_byte_timeout"),
			RunCacheTTL:      v.GetDuration("run_cache_ttl"),
			StrictWordLimits: v.GetBool("strict_word_limits"),
		},
		Sessions: SessionConfig{
			Backend:    strings.ToLower(v.GetString("session_backend")),
			SQLitePath: v.GetString("sqlite_path"),
			RedisURL:   v.GetString("redis_url"),
			TTL:        v.GetDuration("session_ttl"),
			Secret:     v.GetString("session_secret"),
		},
	}

	framing, err := ParseFraming(v.GetString("llm_framing"))
	if err != nil {
		return nil, fmt.Errorf("invalid LLM_FRAMING: %w", err)
	}
	cfg.LLM.Framing = framing

	switch cfg.LLM.Transport {
	case TransportOpenAI, TransportHTTP:
	default:
		return nil, fmt.Errorf("unknown LLM_TRANSPORT %q", cfg.LLM.Transport)
	}
	switch cfg.Sessions.Backend {
	case "memory", "sqlite":
	case "redis":
		if cfg.Sessions.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required for the redis session backend")
		}
	default:
		return nil, fmt.Errorf("unknown SESSION_BACKEND %q", cfg.Sessions.Backend)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
