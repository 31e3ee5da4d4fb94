package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del runtime.
type Config struct {
	// Servidor
	Host      string `env:"HOST" envDefault:"127.0.0.1"`
	Port      int    `env:"PORT" envDefault:"8765"`
	AdminPort int    `env:"ADMIN_PORT" envDefault:"8766"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	DebugMode bool   `env:"DEBUG_MODE" envDefault:"false"`
	MCPPath   string `env:"MCP_PATH" envDefault:"/mcp"`

	// Backend LLM local
	LLMBaseURL        string  `env:"LLM_BASE_URL"`
	LLMDefaultModel   string  `env:"LLM_MODEL" envDefault:"llama3.1:8b"`
	LLMEmbedModel     string  `env:"LLM_EMBED_MODEL" envDefault:"nomic-embed-text"`
	LLMTemperature    float64 `env:"LLM_TEMPERATURE" envDefault:"0.7"`
	LLMMaxTokens      int     `env:"LLM_MAX_TOKENS" envDefault:"512"`
	LLMTimeoutSeconds int     `env:"LLM_TIMEOUT_SECONDS" envDefault:"60"`
	LLMStream         bool    `env:"LLM_STREAM" envDefault:"true"`

	// Memoria
	MemoryMaxPerPersona          int     `env:"MEMORY_MAX_PER_PERSONA" envDefault:"1000"`
	MemorySearchDefaultLimit     int     `env:"MEMORY_SEARCH_DEFAULT_LIMIT" envDefault:"5"`
	MemoryImportanceThreshold    float64 `env:"MEMORY_IMPORTANCE_THRESHOLD" envDefault:"0.3"`
	MemoryDecayEnabled           bool    `env:"MEMORY_DECAY_ENABLED" envDefault:"true"`
	MemoryDecayIntervalSeconds   int     `env:"MEMORY_DECAY_INTERVAL_SECONDS" envDefault:"3600"`
	MemoryDecayRate              float64 `env:"MEMORY_DECAY_RATE" envDefault:"0.01"`
	MemoryPruningEnabled         bool    `env:"MEMORY_PRUNING_ENABLED" envDefault:"true"`
	MemoryPruningIntervalSeconds int     `env:"MEMORY_PRUNING_INTERVAL_SECONDS" envDefault:"3600"`

	// Sesiones
	SessionMaxContextMessages      int `env:"SESSION_MAX_CONTEXT_MESSAGES" envDefault:"20"`
	SessionContextSummaryThreshold int `env:"SESSION_CONTEXT_SUMMARY_THRESHOLD" envDefault:"40"`
	SessionTimeoutHours            int `env:"SESSION_TIMEOUT_HOURS" envDefault:"1"`
	SessionTickIntervalSeconds     int `env:"SESSION_TICK_INTERVAL_SECONDS" envDefault:"300"`

	// Personas
	PersonaMinTimeThreshold     int     `env:"PERSONA_MIN_TIME_THRESHOLD" envDefault:"30"`
	PersonaLowTokenBudget       int     `env:"PERSONA_LOW_TOKEN_BUDGET" envDefault:"50"`
	PersonaLowSocialEnergy      int     `env:"PERSONA_LOW_SOCIAL_ENERGY" envDefault:"10"`
	PersonaBaseCooldownSeconds  int     `env:"PERSONA_BASE_COOLDOWN_SECONDS" envDefault:"300"`
	PersonaHighContinueScore    int     `env:"PERSONA_HIGH_CONTINUE_SCORE" envDefault:"70"`
	PersonaLowContinueScore     int     `env:"PERSONA_LOW_CONTINUE_SCORE" envDefault:"40"`
	SatisfyingConvoMultiplier   float64 `env:"SATISFYING_CONVERSATION_MULTIPLIER" envDefault:"0.6"`
	UnsatisfyingConvoMultiplier float64 `env:"UNSATISFYING_CONVERSATION_MULTIPLIER" envDefault:"1.5"`
	PersonaRegenIntervalSeconds int     `env:"PERSONA_REGEN_INTERVAL_SECONDS" envDefault:"60"`
	PersonaDefaultAvailableTime int     `env:"PERSONA_DEFAULT_AVAILABLE_TIME" envDefault:"3600"`

	// Conversaciones
	ConversationTokenBudget int `env:"CONVERSATION_TOKEN_BUDGET" envDefault:"1000"`

	// Motor de continue-score
	MaxTimeScore                int      `env:"CONV_MAX_TIME_SCORE" envDefault:"30"`
	MaxTopicScore               int      `env:"CONV_MAX_TOPIC_SCORE" envDefault:"25"`
	MaxSocialScore              int      `env:"CONV_MAX_SOCIAL_SCORE" envDefault:"20"`
	MaxFatiguePenalty           int      `env:"CONV_MAX_FATIGUE_PENALTY" envDefault:"15"`
	MaxResourceScore            int      `env:"CONV_MAX_RESOURCE_SCORE" envDefault:"10"`
	UrgentDecayRate             float64  `env:"CONV_URGENT_DECAY_RATE" envDefault:"60"`
	ImportantDecayRate          float64  `env:"CONV_IMPORTANT_DECAY_RATE" envDefault:"180"`
	CasualDecayRate             float64  `env:"CONV_CASUAL_DECAY_RATE" envDefault:"600"`
	StatusHierarchy             []string `env:"CONV_STATUS_HIERARCHY" envSeparator:"," envDefault:"servant,commoner,merchant,noble,royal"`
	SameStatusCompatibility     float64  `env:"CONV_SAME_STATUS_COMPATIBILITY" envDefault:"10"`
	AdjacentStatusCompatibility float64  `env:"CONV_ADJACENT_STATUS_COMPATIBILITY" envDefault:"8"`
	DistantStatusCompatibility  float64  `env:"CONV_DISTANT_STATUS_COMPATIBILITY" envDefault:"3"`
	DefaultStatusCompatibility  float64  `env:"CONV_DEFAULT_STATUS_COMPATIBILITY" envDefault:"5"`
	LargeStatusGapThreshold     int      `env:"CONV_LARGE_STATUS_GAP_THRESHOLD" envDefault:"2"`

	// Persistencia
	DatabaseURL   string `env:"DATABASE_URL,required"`
	PoolSize      int    `env:"DB_POOL_SIZE" envDefault:"10"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Streaming
	MaxStreamingSessions int `env:"MAX_STREAMING_SESSIONS" envDefault:"32"`
}

// LoadConfig carga la configuración desde variables de entorno y la valida.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate aplica las reglas mínimas de arranque. Las condiciones no
// fatales quedan en Warnings() para que el caller decida cómo loguearlas.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.AdminPort <= 0 {
		return fmt.Errorf("invalid admin port %d", c.AdminPort)
	}
	if c.Port == c.AdminPort {
		return errors.New("mcp and admin ports must differ")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("database url must not be empty")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("invalid pool size %d", c.PoolSize)
	}
	if c.MemoryMaxPerPersona <= 0 {
		return fmt.Errorf("invalid memory cap %d", c.MemoryMaxPerPersona)
	}
	return nil
}

// Warnings devuelve condiciones no fatales detectadas en la configuración.
func (c *Config) Warnings() []string {
	var warns []string
	if strings.TrimSpace(c.LLMBaseURL) == "" {
		warns = append(warns, "llm base url not configured; generation will use fallback responses")
	}
	return warns
}
