package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"sdr-agent/handler"
	"sdr-agent/internal/calendar"
	"sdr-agent/internal/dateparse"
	"sdr-agent/internal/integrations/gemini"
	"sdr-agent/internal/integrations/langchain"
	"sdr-agent/internal/integrations/paramstore"
	"sdr-agent/internal/integrations/pipefy"
	"sdr-agent/internal/repository"
	"sdr-agent/internal/repository/bolt"
	"sdr-agent/internal/repository/memory"
	"sdr-agent/internal/repository/sqlite"
	"sdr-agent/internal/usecase"
	"sdr-agent/internal/workflow"
)

// App is the fully wired service.
type App struct {
	Handler  *handler.Handler
	Chat     *usecase.ChatService
	Workflow *workflow.Orchestrator

	closers []func() error
}

type buildOptions struct {
	logger *slog.Logger
	getenv func(string) string
	llm    usecase.LLMClient
}

type Option func(*buildOptions)

func WithLogger(l *slog.Logger) Option {
	return func(o *buildOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithGetenv replaces os.Getenv for secret lookups.
func WithGetenv(getenv func(string) string) Option {
	return func(o *buildOptions) {
		if getenv != nil {
			o.getenv = getenv
		}
	}
}

// WithLLM bypasses provider selection.
func WithLLM(l usecase.LLMClient) Option {
	return func(o *buildOptions) {
		o.llm = l
	}
}

var loadAWSConfig = func(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}

// Build wires every component described by cfg. Callers must Close the App.
func Build(ctx context.Context, cfg Config, opts ...Option) (*App, error) {
	bo := buildOptions{logger: slog.Default(), getenv: os.Getenv}
	for _, opt := range opts {
		opt(&bo)
	}
	logger := bo.logger
	a := &App{}

	var awsCfg aws.Config
	if cfg.needsAWS() {
		var err error
		awsCfg, err = loadAWSConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load AWS config: %w", err)
		}
	}

	secrets, err := newSecrets(cfg, awsCfg, bo.getenv)
	if err != nil {
		return nil, err
	}

	dates, err := dateparse.New(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: date normalizer: %w", err)
	}

	pipeline, err := newPipefy(ctx, cfg, secrets, logger, pipefy.WithDateNormalizer(dates))
	if err != nil {
		return nil, err
	}
	if pipeline.Simulated() {
		logger.Info("pipefy client in simulated mode")
	}

	calendarCred, err := paramstore.Token(ctx, secrets, cfg.secretName(secretCalendar))
	if err != nil {
		calendarCred = ""
	}
	slots := calendar.New(calendarCred, dates.Location(), logger)

	ledger, closeLedger, err := openLedger(cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	if closeLedger != nil {
		a.closers = append(a.closers, closeLedger)
	}

	orch, err := workflow.New(pipeline, slots, dates,
		workflow.WithLedger(ledger),
		workflow.WithRequireKnownRecord(cfg.RequireKnownRecord),
		workflow.WithMeetingLinkBase(cfg.MeetingLinkBase),
		workflow.WithLogger(logger),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("app: workflow: %w", err), a.Close())
	}
	a.Workflow = orch

	llm := bo.llm
	if llm == nil {
		llm, err = newLLM(ctx, cfg, secrets)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
	}

	chat, err := usecase.NewChatService(llm, workflow.NewToolset(orch), cfg.MaxToolRounds, cfg.MaxPromptLength)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("app: chat service: %w", err), a.Close())
	}
	a.Chat = chat

	h, err := handler.NewHandler(chat, handler.WithLogger(logger))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("app: handler: %w", err), a.Close())
	}
	a.Handler = h

	logger.Info("service wired",
		"llm_provider", cfg.LLMProvider,
		"ledger_backend", cfg.LedgerBackend,
		"pipefy_simulated", pipeline.Simulated(),
		"require_known_record", cfg.RequireKnownRecord,
	)
	return a, nil
}

// Close releases ledger resources. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newSecrets(cfg Config, awsCfg aws.Config, getenv func(string) string) (paramstore.Getter, error) {
	vars := make(map[string]string, len(secretEnv))
	for name, env := range secretEnv {
		vars[cfg.secretName(name)] = env
	}
	opts := []paramstore.OverlayOption{paramstore.WithLookup(getenv)}
	if cfg.ParamPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("app: ssm client: %w", err)
		}
		opts = append(opts, paramstore.WithFallback(ssmClient))
	}
	return paramstore.NewEnvOverlay(vars, opts...), nil
}

// newPipefy falls back to simulated mode when no token can be resolved.
func newPipefy(ctx context.Context, cfg Config, secrets paramstore.Getter, logger *slog.Logger, opts ...pipefy.Option) (*pipefy.Client, error) {
	token, err := paramstore.Token(ctx, secrets, cfg.secretName(secretPipefy))
	if err != nil {
		logger.Warn("pipefy token unavailable, running in simulated mode", "err", err)
		token = ""
	}
	opts = append([]pipefy.Option{
		pipefy.WithURL(cfg.PipefyURL),
		pipefy.WithHTTPClient(&http.Client{Timeout: cfg.PipefyTimeout}),
		pipefy.WithLogger(logger),
	}, opts...)
	c, err := pipefy.New(token, cfg.PipefyPipeID, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: pipefy client: %w", err)
	}
	return c, nil
}

func openLedger(cfg Config, awsCfg aws.Config) (workflow.Ledger, func() error, error) {
	switch cfg.LedgerBackend {
	case BackendMemory:
		return memory.New(), nil, nil
	case BackendDynamoDB:
		l, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.LedgerTable)
		if err != nil {
			return nil, nil, fmt.Errorf("app: dynamodb ledger: %w", err)
		}
		return l, nil, nil
	case BackendSQLite:
		l, err := sqlite.New(cfg.LedgerSQLiteDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("app: sqlite ledger: %w", err)
		}
		return l, l.Close, nil
	case BackendBolt:
		l, err := bolt.New(cfg.LedgerBoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("app: bolt ledger: %w", err)
		}
		return l, l.Close, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown ledger backend %q", cfg.LedgerBackend)
	}
}

func newLLM(ctx context.Context, cfg Config, secrets paramstore.Getter) (usecase.LLMClient, error) {
	switch cfg.LLMProvider {
	case ProviderGemini:
		c, err := gemini.NewClient(secrets, cfg.secretName(secretGemini), gemini.WithModel(cfg.GeminiModel))
		if err != nil {
			return nil, fmt.Errorf("app: gemini client: %w", err)
		}
		return c, nil
	case ProviderOpenAI:
		token, err := paramstore.Token(ctx, secrets, cfg.secretName(secretOpenAI))
		if err != nil {
			return nil, fmt.Errorf("app: openai token: %w", err)
		}
		c, err := langchain.NewOpenAI(token, cfg.OpenAIModel)
		if err != nil {
			return nil, fmt.Errorf("app: openai client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("app: unknown llm provider %q", cfg.LLMProvider)
	}
}
