package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/DialogPipe/internal/api"
	"github.com/BTreeMap/DialogPipe/internal/engine"
	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/handlers"
	"github.com/BTreeMap/DialogPipe/internal/instructions"
	"github.com/BTreeMap/DialogPipe/internal/lockfile"
	"github.com/BTreeMap/DialogPipe/internal/messaging"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/BTreeMap/DialogPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/DialogPipe/internal/whatsapp"
)

// Transport names.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
	TransportNone     = "none"
)

// ServeCmd runs the engine behind a chat transport and the admin API.
type ServeCmd struct {
	Transport string `help:"Chat transport." enum:"whatsapp,twilio,none" default:"none" env:"DIALOGPIPE_TRANSPORT"`
	APIAddr   string `help:"Admin API listen address." default:":8080" env:"API_ADDR"`

	ScenarioDir     string   `help:"Directory of scenario YAML files uploaded at start." env:"DIALOGPIPE_SCENARIO_DIR"`
	Watch           bool     `help:"Reload scenario files when they change." default:"true" negatable:""`
	Instructions    string   `help:"Instruction catalog (TOML) seeded at start." env:"DIALOGPIPE_INSTRUCTIONS"`
	Languages       []string `help:"Language fallback chain." default:"en,uk,ru" env:"DIALOGPIPE_LANGUAGES"`
	DefaultScenario string   `help:"Scenario started by the start command." env:"DIALOGPIPE_DEFAULT_SCENARIO"`
	StartCommand    string   `help:"Command that starts the default scenario." default:"start"`
	FallbackMessage string   `help:"Reply to users without an active scenario." env:"DIALOGPIPE_FALLBACK_MESSAGE"`
	ErrorMessage    string   `help:"Reply when handling an event fails." default:"Something went wrong. Please try again later."`

	OpenAIKey     string  `help:"OpenAI API key; call_ai is disabled without it." env:"OPENAI_API_KEY"`
	OpenAIModel   string  `help:"Chat model." default:"${default_model}" env:"OPENAI_MODEL"`
	OpenAIBaseURL string  `help:"OpenAI-compatible base URL." env:"OPENAI_BASE_URL"`
	Temperature   float64 `help:"Sampling temperature." default:"0.7" env:"OPENAI_TEMPERATURE"`
	SystemPrompt  string  `help:"System prompt used when an action names none." env:"DIALOGPIPE_SYSTEM_PROMPT"`
	GenAIDebug    bool    `help:"Write OpenAI requests and responses to the state directory." env:"GENAI_DEBUG"`

	WhatsAppDSN string `help:"whatsmeow session database DSN. Defaults to SQLite in the state directory." env:"WHATSAPP_DB_DSN"`
	QROutput    string `help:"Write the login QR code to this file." env:"WHATSAPP_QR_OUTPUT"`
	Numeric     bool   `help:"Print the raw pairing code instead of a QR code."`

	TwilioAccountSID string `help:"Twilio account SID." env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `help:"Twilio auth token." env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `help:"Twilio WhatsApp sender number." env:"TWILIO_FROM_NUMBER"`
	TwilioWebhookURL string `help:"Public URL of the Twilio webhook, used for signature checks." env:"TWILIO_WEBHOOK_URL"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	lock, err := lockfile.Acquire(g.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := g.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	scenarios, err := c.loadScenarios(ctx, st)
	if err != nil {
		return err
	}
	resolver, err := c.loadInstructions(ctx, st)
	if err != nil {
		return err
	}

	registry := engine.NewHandlerRegistry()
	if err := handlers.Register(registry, scenarios); err != nil {
		return err
	}
	engineOpts := []engine.Option{engine.WithTemplates(resolver), engine.WithHandlers(registry)}

	if completer, err := c.buildCompleter(g, resolver); err != nil {
		return err
	} else if completer != nil {
		engineOpts = append(engineOpts, engine.WithCompleter(completer))
	}

	svc, webhook, err := c.buildTransport(ctx, g)
	if err != nil {
		return err
	}
	if svc != nil {
		engineOpts = append(engineOpts, engine.WithMessenger(svc))
	}
	eng := engine.New(st, scenarios, engineOpts...)

	apiOpts := []api.Option{api.WithAddr(c.APIAddr)}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}
	server := api.NewServer(eng, scenarios, st, apiOpts...)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(gctx) })
	if c.ScenarioDir != "" && c.Watch {
		group.Go(func() error { return scenario.NewWatcher(scenarios, c.ScenarioDir).Run(gctx) })
	}
	if svc != nil {
		dispatcher := messaging.NewDispatcher(eng, svc,
			messaging.WithDedup(st),
			messaging.WithStartCommand(c.StartCommand, c.DefaultScenario),
			messaging.WithFallbackMessage(c.FallbackMessage),
			messaging.WithErrorMessage(c.ErrorMessage),
		)
		if err := svc.Start(gctx); err != nil {
			return fmt.Errorf("failed to start %s transport: %w", c.Transport, err)
		}
		group.Go(func() error { return dispatcher.Run(gctx, svc.Events()) })
		group.Go(func() error {
			<-gctx.Done()
			return svc.Stop()
		})
	}

	slog.Info("DialogPipe serving", "transport", c.Transport, "api_addr", c.APIAddr, "store", storeType(g.resolveDSN()))
	err = group.Wait()
	slog.Info("DialogPipe stopped", "error", err)
	return err
}

func (c *ServeCmd) loadScenarios(ctx context.Context, st store.Store) (*scenario.Store, error) {
	scenarios := scenario.NewStore(st, nil)
	if c.ScenarioDir == "" {
		return scenarios, nil
	}
	n, err := scenarios.UploadDir(ctx, c.ScenarioDir)
	if err != nil {
		return nil, err
	}
	slog.Info("scenario directory loaded", "dir", c.ScenarioDir, "scenarios", n)
	return scenarios, nil
}

func (c *ServeCmd) loadInstructions(ctx context.Context, st store.Store) (*instructions.Resolver, error) {
	if c.Instructions != "" {
		catalog, err := instructions.LoadCatalog(c.Instructions)
		if err != nil {
			return nil, err
		}
		n, err := instructions.Seed(ctx, st, catalog)
		if err != nil {
			return nil, err
		}
		slog.Info("instruction catalog seeded", "file", c.Instructions, "texts", n)
	}
	return instructions.NewResolver(st, instructions.WithFallback(c.Languages...)), nil
}

// buildCompleter returns nil when no API key is configured.
func (c *ServeCmd) buildCompleter(g *Globals, prompts genai.PromptSource) (*genai.PromptCompleter, error) {
	if c.OpenAIKey == "" {
		slog.Warn("OPENAI_API_KEY not set; call_ai actions will report a misconfiguration")
		return nil, nil
	}
	opts := []genai.Option{
		genai.WithAPIKey(c.OpenAIKey),
		genai.WithModel(c.OpenAIModel),
		genai.WithTemperature(c.Temperature),
	}
	if c.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(c.OpenAIBaseURL))
	}
	if c.GenAIDebug {
		opts = append(opts, genai.WithDebug(g.StateDir))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	return genai.NewPromptCompleter(client, prompts, c.SystemPrompt), nil
}

// buildTransport returns the chat service and, for Twilio, its webhook handler.
func (c *ServeCmd) buildTransport(ctx context.Context, g *Globals) (messaging.Service, *messaging.TwilioService, error) {
	switch c.Transport {
	case TransportWhatsApp:
		dsn := c.WhatsAppDSN
		if dsn == "" {
			dsn = "file:" + filepath.Join(g.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
		opts := []whatsapp.Option{whatsapp.WithDBDSN(dsn)}
		if c.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(c.QROutput))
		}
		if c.Numeric {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(c.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(c.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(c.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client, c.TwilioWebhookURL)
		return svc, svc, nil
	default:
		slog.Info("no chat transport configured; events arrive through the API only")
		return nil, nil, nil
	}
}
