package app

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"sdr-agent/internal/dateparse"
	"sdr-agent/internal/integrations/gemini"
	"sdr-agent/internal/integrations/langchain"
	"sdr-agent/internal/integrations/pipefy"
	"sdr-agent/internal/workflow"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
	BackendBolt     = "bolt"
)

// Secret parameter names, relative to PARAM_PREFIX.
const (
	secretPipefy   = "pipefy-token"
	secretGemini   = "gemini-token"
	secretOpenAI   = "openai-token"
	secretCalendar = "calendar-token"
)

// secretEnv maps each secret to the environment variable that supplies it
// directly.
var secretEnv = map[string]string{
	secretPipefy:   "PIPEFY_ACCESS_TOKEN",
	secretGemini:   "GEMINI_API_KEY",
	secretOpenAI:   "OPENAI_API_KEY",
	secretCalendar: "CALENDAR_API_KEY",
}

type Config struct {
	PipefyPipeID  string
	PipefyURL     string
	PipefyTimeout time.Duration

	ParamPrefix string

	LLMProvider string
	GeminiModel string
	OpenAIModel string

	LedgerBackend   string
	LedgerTable     string
	LedgerSQLiteDSN string
	LedgerBoltPath  string

	RequireKnownRecord bool
	Timezone           string
	MeetingLinkBase    string

	MaxToolRounds   int
	MaxPromptLength int

	ListenAddr string
	LogLevel   slog.Level
}

// LoadConfig reads the whole configuration from getenv. Secrets are not part
// of Config; they are resolved through the parameter overlay at build time.
func LoadConfig(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		PipefyPipeID:    env("PIPEFY_PRE_SALES_PIPE_ID", ""),
		PipefyURL:       env("PIPEFY_URL", pipefy.DefaultURL),
		ParamPrefix:     strings.TrimRight(env("PARAM_PREFIX", ""), "/"),
		LLMProvider:     strings.ToLower(env("LLM_PROVIDER", ProviderGemini)),
		GeminiModel:     env("GEMINI_MODEL", gemini.DefaultModel),
		OpenAIModel:     env("OPENAI_MODEL", langchain.DefaultOpenAIModel),
		LedgerBackend:   strings.ToLower(env("LEDGER_BACKEND", BackendMemory)),
		LedgerTable:     env("LEDGER_TABLE", ""),
		LedgerSQLiteDSN: env("LEDGER_SQLITE_DSN", "leads.db"),
		LedgerBoltPath:  env("LEDGER_BOLT_PATH", "leads.bolt"),
		Timezone:        env("TIMEZONE", dateparse.DefaultTimezone),
		MeetingLinkBase: env("MEETING_LINK_BASE", workflow.DefaultMeetingLinkBase),
		MaxToolRounds:   envInt(getenv, "MAX_TOOL_ROUNDS", 5),
		MaxPromptLength: envInt(getenv, "MAX_PROMPT_LENGTH", 2000),
		ListenAddr:      env("LISTEN_ADDR", ":8080"),
	}

	timeout, err := time.ParseDuration(env("PIPEFY_TIMEOUT", "10s"))
	if err != nil || timeout <= 0 {
		return Config{}, fmt.Errorf("app: invalid PIPEFY_TIMEOUT %q", getenv("PIPEFY_TIMEOUT"))
	}
	cfg.PipefyTimeout = timeout

	if v := env("REQUIRE_KNOWN_RECORD", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid REQUIRE_KNOWN_RECORD %q: %w", v, err)
		}
		cfg.RequireKnownRecord = b
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		return Config{}, fmt.Errorf("app: invalid LOG_LEVEL: %w", err)
	}

	switch cfg.LLMProvider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return Config{}, fmt.Errorf("app: unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}

	switch cfg.LedgerBackend {
	case BackendMemory, BackendSQLite, BackendBolt:
	case BackendDynamoDB:
		if cfg.LedgerTable == "" {
			return Config{}, fmt.Errorf("app: LEDGER_TABLE is required for the %s ledger", BackendDynamoDB)
		}
	default:
		return Config{}, fmt.Errorf("app: unknown LEDGER_BACKEND %q", cfg.LedgerBackend)
	}

	if cfg.RequireKnownRecord && cfg.LedgerBackend == BackendMemory {
		slog.Warn("REQUIRE_KNOWN_RECORD with the memory ledger only recognizes cards created by this process")
	}
	return cfg, nil
}

// secretName returns the parameter name under PARAM_PREFIX.
func (c Config) secretName(name string) string {
	if c.ParamPrefix == "" {
		return name
	}
	return c.ParamPrefix + "/" + name
}

// needsAWS reports whether any configured component talks to AWS.
func (c Config) needsAWS() bool {
	return c.ParamPrefix != "" || c.LedgerBackend == BackendDynamoDB
}

func envInt(getenv func(string) string, key string, def int) int {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
