// Command DialogPipe runs the scenario-driven dialog service and its admin tooling.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/instructions"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

const (
	// DefaultStateDir is the default directory for DialogPipe state data.
	DefaultStateDir = "/var/lib/dialogpipe"
	// DefaultDBFileName is the SQLite database used when no DSN is given.
	DefaultDBFileName = "dialogpipe.db"
	// MemoryDSN selects the in-memory store.
	MemoryDSN = "memory"
	// DefaultWhatsAppDBFileName is the whatsmeow session database in the state directory.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Globals are the flags shared by every command.
type Globals struct {
	LogLevel string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"DIALOGPIPE_LOG_LEVEL"`
	StateDir string `help:"Directory for state files." default:"${default_state_dir}" env:"DIALOGPIPE_STATE_DIR" type:"path"`
	DSN      string `help:"Database DSN: a PostgreSQL URL, an SQLite path, or \"memory\". Defaults to SQLite in the state directory." env:"DATABASE_URL"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve            ServeCmd            `cmd:"" help:"Run the dialog service."`
	UploadScenario   UploadScenarioCmd   `cmd:"" help:"Validate and store scenario files."`
	ValidateScenario ValidateScenarioCmd `cmd:"" help:"Validate scenario files without storing them."`
	ResetUser        ResetUserCmd        `cmd:"" help:"Delete the dialog state of a user."`
	SeedInstructions SeedInstructionsCmd `cmd:"" help:"Load an instruction catalog into storage."`
}

func main() {
	if err := godotenv.Load(); err != nil {
		// .env is optional
		slog.Debug("failed to load .env file", "error", err)
	}
	if err := run(os.Args[1:]); err != nil {
		slog.Error("DialogPipe failed", "error", err)
		os.Exit(1)
	}
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("dialogpipe"),
		kong.Description("Scenario-driven dialog service."),
		kong.UsageOnError(),
		kong.Vars{"default_state_dir": DefaultStateDir, "default_model": genai.DefaultModel},
	)
}

func run(args []string) error {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	initializeLogger(cli.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(&cli.Globals)
}

func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// resolveDSN applies the state directory default and the memory alias.
func (g *Globals) resolveDSN() string {
	switch g.DSN {
	case "":
		return filepath.Join(g.StateDir, DefaultDBFileName)
	case MemoryDSN:
		return ""
	default:
		return g.DSN
	}
}

func (g *Globals) openStore() (store.Store, error) {
	dsn := g.resolveDSN()
	if dsn != "" && store.DetectDSNType(dsn) == "sqlite3" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	st, err := store.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	slog.Debug("store opened", "type", storeType(dsn))
	return st, nil
}

func storeType(dsn string) string {
	if dsn == "" {
		return MemoryDSN
	}
	return store.DetectDSNType(dsn)
}

// UploadScenarioCmd stores scenario files.
type UploadScenarioCmd struct {
	Files []string `arg:"" help:"Scenario YAML files."`
}

func (c *UploadScenarioCmd) Run(ctx context.Context, g *Globals) error {
	st, err := g.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	scenarios := scenario.NewStore(st, nil)
	var errs []error
	for _, path := range c.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rec, err := scenarios.Upload(ctx, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Printf("%s: stored %s version %d\n", path, rec.Key, rec.Version)
	}
	return errors.Join(errs...)
}

// ValidateScenarioCmd parses scenario files without storage.
type ValidateScenarioCmd struct {
	Files []string `arg:"" help:"Scenario YAML files."`
}

func (c *ValidateScenarioCmd) Run() error {
	var errs []error
	for _, path := range c.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s, err := scenario.Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Printf("%s: ok (%s, %d states)\n", path, s.Key, len(s.States))
	}
	return errors.Join(errs...)
}

// ResetUserCmd deletes a user's state.
type ResetUserCmd struct {
	UserID string `arg:"" help:"User id."`
}

func (c *ResetUserCmd) Run(ctx context.Context, g *Globals) error {
	st, err := g.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	deleted, err := st.DeleteUserState(ctx, strings.TrimSpace(c.UserID))
	if err != nil {
		return err
	}
	if !deleted {
		fmt.Printf("%s: no active scenario\n", c.UserID)
		return nil
	}
	fmt.Printf("%s: reset\n", c.UserID)
	return nil
}

// SeedInstructionsCmd upserts a TOML instruction catalog.
type SeedInstructionsCmd struct {
	File string `arg:"" help:"Instruction catalog (TOML)." type:"existingfile"`
}

func (c *SeedInstructionsCmd) Run(ctx context.Context, g *Globals) error {
	catalog, err := instructions.LoadCatalog(c.File)
	if err != nil {
		return err
	}
	st, err := g.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := instructions.Seed(ctx, st, catalog)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d texts seeded\n", c.File, n)
	return nil
}
