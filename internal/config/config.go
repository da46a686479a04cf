// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	Debug          bool
	DB             DBConfig
	Session        SessionConfig
	Phase          PhaseConfig
	Ambient        AmbientConfig
	Audio          AudioConfig
	HTTPRateLimit  HTTPRateLimitConfig
	Agents         map[string]AgentClassConfig
	OpenAIAPIKey   string
	AnthropicKey   string
	OTLPEndpoint   string
}

// DBConfig selects and locates the session store.
type DBConfig struct {
	Driver string // "sqlite", "postgres" or "memory"
	Path   string
	URL    string
}

// SessionConfig controls scene length, expiry and turn timing.
type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	SceneLength   int
	TurnDeadline  time.Duration
	CommitTimeout time.Duration
	CoachTimeout  time.Duration
	HistoryWindow int
}

// PhaseConfig holds the supportive-to-fallible thresholds.
type PhaseConfig struct {
	FallibleAfterTurns int
	StabilityThreshold int
}

// AmbientConfig holds the audience trigger thresholds.
type AmbientConfig struct {
	Cooldown       time.Duration
	HighEnergy     float64
	ModerateEnergy float64
}

// AudioConfig describes the PCM format exchanged with the transport layer.
type AudioConfig struct {
	SampleRate int
}

// HTTPRateLimitConfig bounds session creation per client.
type HTTPRateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// AgentClassConfig configures one agent class: its backend and the
// rate-limit, breaker and retry policy the gateway applies to it.
type AgentClassConfig struct {
	Backend          string // "grpc", "openai", "anthropic" or "scripted"
	Addr             string
	Model            string
	RPS              float64
	Burst            int
	FailureThreshold int
	OpenTimeout      time.Duration
	MaxAttempts      int
	Timeout          time.Duration
	Fallback         string
}

// AgentClasses lists the classes read from the environment.
var AgentClasses = []string{"fast", "heavy"}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		Debug:          getEnvBool("LOG_DEBUG", false),
		DB: DBConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:   getEnv("DB_PATH", "./data/stage.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Session: SessionConfig{
			TTL:           getEnvDuration("SESSION_TTL", 2*time.Hour),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
			SceneLength:   getEnvInt("SCENE_LENGTH", 15),
			TurnDeadline:  getEnvDuration("TURN_DEADLINE", 20*time.Second),
			CommitTimeout: getEnvDuration("COMMIT_TIMEOUT", 5*time.Second),
			CoachTimeout:  getEnvDuration("COACH_TIMEOUT", 45*time.Second),
			HistoryWindow: getEnvInt("HISTORY_WINDOW", 12),
		},
		Phase: PhaseConfig{
			FallibleAfterTurns: getEnvInt("PHASE_FALLIBLE_AFTER_TURNS", 4),
			StabilityThreshold: getEnvInt("PHASE_STABILITY_THRESHOLD", 3),
		},
		Ambient: AmbientConfig{
			Cooldown:       getEnvDuration("AMBIENT_COOLDOWN", 15*time.Second),
			HighEnergy:     getEnvFloat("AMBIENT_HIGH_ENERGY", 0.75),
			ModerateEnergy: getEnvFloat("AMBIENT_MODERATE_ENERGY", 0.4),
		},
		Audio: AudioConfig{
			SampleRate: getEnvInt("AUDIO_SAMPLE_RATE", 24000),
		},
		HTTPRateLimit: HTTPRateLimitConfig{
			RequestsPerWindow: getEnvInt("HTTP_RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("HTTP_RATE_LIMIT_WINDOW", time.Minute),
		},
		Agents: map[string]AgentClassConfig{
			"fast":  loadAgentClass("FAST", defaultFastClass()),
			"heavy": loadAgentClass("HEAVY", defaultHeavyClass()),
		},
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		AnthropicKey: getEnv("ANTHROPIC_API_KEY", ""),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultFastClass() AgentClassConfig {
	return AgentClassConfig{
		Backend:          "scripted",
		Addr:             "localhost:50051",
		RPS:              10,
		Burst:            20,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		MaxAttempts:      3,
		Timeout:          8 * time.Second,
	}
}

func defaultHeavyClass() AgentClassConfig {
	return AgentClassConfig{
		Backend:          "scripted",
		Addr:             "localhost:50051",
		RPS:              0.5,
		Burst:            2,
		FailureThreshold: 3,
		OpenTimeout:      60 * time.Second,
		MaxAttempts:      2,
		Timeout:          30 * time.Second,
		Fallback:         "fast",
	}
}

func loadAgentClass(prefix string, def AgentClassConfig) AgentClassConfig {
	key := func(name string) string { return "AGENT_" + prefix + "_" + name }
	return AgentClassConfig{
		Backend:          strings.ToLower(getEnv(key("BACKEND"), def.Backend)),
		Addr:             getEnv(key("ADDR"), def.Addr),
		Model:            getEnv(key("MODEL"), def.Model),
		RPS:              getEnvFloat(key("RPS"), def.RPS),
		Burst:            getEnvInt(key("BURST"), def.Burst),
		FailureThreshold: getEnvInt(key("FAILURE_THRESHOLD"), def.FailureThreshold),
		OpenTimeout:      getEnvDuration(key("OPEN_TIMEOUT"), def.OpenTimeout),
		MaxAttempts:      getEnvInt(key("MAX_ATTEMPTS"), def.MaxAttempts),
		Timeout:          getEnvDuration(key("TIMEOUT"), def.Timeout),
		Fallback:         strings.ToLower(getEnv(key("FALLBACK"), def.Fallback)),
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.DB.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	if c.Session.SceneLength <= 0 {
		return fmt.Errorf("SCENE_LENGTH must be > 0")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Session.TurnDeadline <= 0 {
		return fmt.Errorf("TURN_DEADLINE must be > 0")
	}
	if c.Session.CommitTimeout <= 0 || c.Session.CoachTimeout <= 0 {
		return fmt.Errorf("COMMIT_TIMEOUT and COACH_TIMEOUT must be > 0")
	}
	if c.Phase.StabilityThreshold <= 0 {
		return fmt.Errorf("PHASE_STABILITY_THRESHOLD must be > 0")
	}
	if c.Ambient.ModerateEnergy > c.Ambient.HighEnergy {
		return fmt.Errorf("AMBIENT_MODERATE_ENERGY must not exceed AMBIENT_HIGH_ENERGY")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be > 0")
	}
	if c.HTTPRateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("HTTP_RATE_LIMIT_REQUESTS must be > 0")
	}
	for name, ac := range c.Agents {
		if err := ac.validate(); err != nil {
			return fmt.Errorf("agent class %s: %w", name, err)
		}
		if ac.Fallback != "" {
			if ac.Fallback == name {
				return fmt.Errorf("agent class %s cannot fall back to itself", name)
			}
			if _, ok := c.Agents[ac.Fallback]; !ok {
				return fmt.Errorf("agent class %s: unknown fallback class %q", name, ac.Fallback)
			}
		}
	}
	return nil
}

func (a AgentClassConfig) validate() error {
	switch a.Backend {
	case "grpc":
		if a.Addr == "" {
			return fmt.Errorf("ADDR is required for the grpc backend")
		}
	case "openai", "anthropic", "scripted":
	default:
		return fmt.Errorf("unsupported BACKEND %q", a.Backend)
	}
	if a.RPS <= 0 || a.Burst <= 0 {
		return fmt.Errorf("RPS and BURST must be > 0")
	}
	if a.FailureThreshold <= 0 {
		return fmt.Errorf("FAILURE_THRESHOLD must be > 0")
	}
	if a.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be > 0")
	}
	if a.Timeout <= 0 || a.OpenTimeout <= 0 {
		return fmt.Errorf("TIMEOUT and OPEN_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true when every allowed origin is local or wildcard.
func (c *Config) IsDevelopment() bool {
	for _, o := range c.AllowedOrigins {
		if o != "*" && !strings.Contains(o, "localhost") && !strings.Contains(o, "127.0.0.1") {
			return false
		}
	}
	return true
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
