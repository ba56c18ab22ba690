// Command starling is a minimal embedder for the agent runtime: it wires
// config, store, tools, provider, and engine, reads one request per line
// from stdin, and prints the event stream as text.
//
// Environment variables: STARLING_LOG selects the slog level (debug, info,
// warn, error; default warn), STARLING_CACHE overrides the interpreter
// cache directory, STARLING_DB the database path.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/starlinghq/starling"
	"github.com/starlinghq/starling/internal/config"
	"github.com/starlinghq/starling/observer"
	"github.com/starlinghq/starling/provider/resolve"
	"github.com/starlinghq/starling/store/sqlite"
	"github.com/starlinghq/starling/tools/fetch"
	"github.com/starlinghq/starling/tools/file"
	"github.com/starlinghq/starling/tools/shell"
	"github.com/starlinghq/starling/tools/task"

	"golang.org/x/oauth2"
)

func main() {
	configPath := flag.String("config", "", "path to starling.toml")
	planMode := flag.Bool("plan", false, "run in plan mode")
	flag.Parse()

	logger := newLogger()
	cfg := config.Load(*configPath)

	if err := run(cfg, logger, *planMode); err != nil {
		fmt.Fprintln(os.Stderr, "starling:", err)
		os.Exit(1)
	}
}

// newLogger builds the slog logger from STARLING_LOG.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(os.Getenv("STARLING_LOG")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(cfg config.Config, logger *slog.Logger, planMode bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx)
		if err != nil {
			logger.Warn("observer init failed", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	store, err := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	instructions := starling.NewInstructionLoader()
	agentID := starling.NewID()

	agentCfg := starling.AgentConfig{
		Model:           cfg.LLM.Model,
		MaxContextChars: cfg.Agent.MaxContextChars,
		MaxTurns:        cfg.Agent.MaxTurns,
	}

	base := starling.NewRegistry()
	shellTool := shell.New(shell.WithLogger(logger))
	defer shellTool.Close()
	for _, p := range []starling.ToolProvider{
		shellTool,
		file.New(file.WithLogger(logger), file.WithResolver(instructions)),
		fetch.New(fetch.WithLogger(logger)),
		task.New(store, task.WithLogger(logger)),
	} {
		if err := base.Add(p); err != nil {
			return err
		}
	}

	launcher := starling.NewLauncher(base, provider, store, agentID, agentCfg,
		starling.LauncherLogger(logger),
		starling.LauncherModels(starling.TierModels{
			Low:    cfg.Agent.ModelLow,
			Medium: cfg.Agent.ModelMedium,
			High:   cfg.Agent.ModelHigh,
		}))
	defer launcher.Close()

	tools := starling.NewRegistry()
	if err := tools.Add(base); err != nil {
		return err
	}
	if err := tools.Add(launcher); err != nil {
		return err
	}

	session, err := starling.NewSession(tools, agentID, starling.SessionLogger(logger))
	if err != nil {
		return err
	}
	defer session.Close()

	agentOpts := []starling.AgentOption{
		starling.AgentLogger(logger),
		starling.AgentInstructions(instructions),
	}
	if cfg.Observer.Enabled {
		agentOpts = append(agentOpts, starling.AgentTracer(observer.NewTracer()))
	}
	agent := starling.NewAgent(session, provider, store, agentCfg, agentID, agentOpts...)
	engine := starling.NewEngine(agent)

	mode := starling.ModeNormal
	if planMode {
		mode = starling.ModePlan
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("starling ready. One request per line; ctrl-d to exit.")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		events := make(chan starling.AgentEvent, 100)
		printed := make(chan struct{})
		go func() {
			defer close(printed)
			printEvents(events)
		}()
		result, err := engine.RunTurn(ctx, starling.TurnInput{
			Text:     text,
			Mode:     mode,
			PlanFile: cfg.Agent.PlanFile,
		}, events)
		<-printed
		if err != nil {
			fmt.Fprintln(os.Stderr, "turn error:", err)
			continue
		}
		if result.FinalMessage != "" {
			fmt.Printf("\n=> %s\n", result.FinalMessage)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

// buildProvider constructs the configured provider, loading OAuth
// credentials from disk when needed and persisting rotated tokens.
func buildProvider(cfg config.Config, logger *slog.Logger) (starling.Provider, error) {
	creds := resolve.Credentials{APIKey: cfg.LLM.APIKey}
	if cfg.LLM.Provider != "openrouter" {
		stored, err := loadCredentials(cfg.LLM.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		creds.AccessToken = stored.AccessToken
		creds.RefreshToken = stored.RefreshToken
		creds.ExpiresAt = stored.ExpiresAt
		creds.AccountID = stored.AccountID
		creds.OnRefresh = func(t *oauth2.Token) {
			stored.AccessToken = t.AccessToken
			stored.RefreshToken = t.RefreshToken
			stored.ExpiresAt = t.Expiry.Unix()
			if err := saveCredentials(cfg.LLM.CredentialsPath, stored); err != nil {
				logger.Warn("persist refreshed credentials failed", "error", err)
			}
		}
	}
	return resolve.New(cfg.LLM.Provider, creds, logger)
}

// storedCredentials is the on-disk OAuth token shape.
type storedCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	AccountID    string `json:"account_id,omitempty"`
}

func loadCredentials(path string) (*storedCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds storedCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func saveCredentials(path string, creds *storedCredentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// printEvents renders the event stream as plain text.
func printEvents(events <-chan starling.AgentEvent) {
	for ev := range events {
		switch ev.Type {
		case starling.EventTextDelta:
			fmt.Print(ev.Content)
		case starling.EventCodeBlock:
			fmt.Printf("\n[code]\n%s\n", ev.Code)
		case starling.EventCodeOutput:
			if ev.Output != "" {
				fmt.Printf("[output]\n%s", ev.Output)
			}
			if ev.ErrText != "" {
				fmt.Printf("[error]\n%s\n", ev.ErrText)
			}
		case starling.EventToolCall:
			if ev.ToolCall != nil {
				fmt.Printf("[tool %s ok=%v %dms]\n", ev.ToolCall.Tool, ev.ToolCall.Success, ev.ToolCall.DurationMS)
			}
		case starling.EventMessage:
			fmt.Printf("[%s] %s\n", ev.Kind, ev.Content)
		case starling.EventPrompt:
			fmt.Printf("\n? %s\n", ev.Question)
			for i, opt := range ev.Options {
				fmt.Printf("  %d. %s\n", i+1, opt)
			}
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			ev.Reply <- strings.TrimSpace(answer)
		case starling.EventError:
			fmt.Fprintf(os.Stderr, "! %s\n", ev.ErrText)
		}
	}
}
