// TutorBot is a tutoring chat server. Students pick a class, a lesson
// and an action plan; the tutor answers through an LLM that may ask for
// extra reference material from the class before replying.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tutorbot serve                  Start the API server
//	tutorbot init [dir]             Initialize a working directory with defaults
//	tutorbot ask -class C -lesson L -plan P <question>
//	                                Ask a single question (for testing)
//	tutorbot check                  Validate the configuration
//	tutorbot version                Print version and build information
//	tutorbot -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tutorbot/tutorbot/internal/accesskey"
	"github.com/tutorbot/tutorbot/internal/api"
	"github.com/tutorbot/tutorbot/internal/buildinfo"
	"github.com/tutorbot/tutorbot/internal/config"
	"github.com/tutorbot/tutorbot/internal/connwatch"
	"github.com/tutorbot/tutorbot/internal/content"
	"github.com/tutorbot/tutorbot/internal/conversation"
	"github.com/tutorbot/tutorbot/internal/email"
	"github.com/tutorbot/tutorbot/internal/httpkit"
	"github.com/tutorbot/tutorbot/internal/llm"
	"github.com/tutorbot/tutorbot/internal/logging"
	"github.com/tutorbot/tutorbot/internal/mqtt"
	"github.com/tutorbot/tutorbot/internal/prompts"
	"github.com/tutorbot/tutorbot/internal/retrieval"
	"github.com/tutorbot/tutorbot/internal/session"
	"github.com/tutorbot/tutorbot/internal/status"
	"github.com/tutorbot/tutorbot/internal/tutor"
	"github.com/tutorbot/tutorbot/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the tutorbot command. ctx controls
// the lifetime of the process, structured logs go to stdout and args is
// os.Args[1:]. Arguments are parsed by hand so that run can be called
// concurrently from tests without touching flag.CommandLine.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "check":
		return runCheck(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "TutorBot - LLM tutoring server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tutorbot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question: ask -class C -lesson L -plan P <question>")
	fmt.Fprintln(w, "  check        Load and validate the configuration")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runCheck loads and validates the configuration, printing warnings.
func runCheck(w io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	warnings, err := cfg.Validate()
	for _, warn := range warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	fmt.Fprintf(w, "%s: OK\n", cfgPath)
	return nil
}

// askArgs are the flags of the ask subcommand.
type askArgs struct {
	class, lesson, plan string
	question            string
}

func parseAskArgs(args []string) (askArgs, error) {
	var a askArgs
	var words []string
	for i := 0; i < len(args); i++ {
		var dst *string
		switch args[i] {
		case "-class":
			dst = &a.class
		case "-lesson":
			dst = &a.lesson
		case "-plan":
			dst = &a.plan
		default:
			words = append(words, args[i])
			continue
		}
		if i+1 >= len(args) {
			return a, fmt.Errorf("%s needs a value", args[i])
		}
		*dst = args[i+1]
		i++
	}
	a.question = strings.Join(words, " ")
	if a.class == "" || a.lesson == "" || a.plan == "" || a.question == "" {
		return a, errors.New("usage: tutorbot ask -class C -lesson L -plan P <question>")
	}
	return a, nil
}

// runAsk answers one question with a throwaway conversation, without
// starting the server or recording usage.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	a, err := parseAskArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)

	store, err := newContentStore(cfg, logger)
	if err != nil {
		return err
	}
	library := content.NewLibrary(store, cfg.Retrieval.ContentDir, logger)
	controller, err := newController(cfg, library, nil, nil, logger)
	if err != nil {
		return err
	}

	res, err := controller.Respond(ctx, "cli", conversation.NewLedger(), tutor.Request{
		Text:       a.question,
		Class:      a.class,
		Lesson:     a.lesson,
		ActionPlan: a.plan,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, res.Text)
	return nil
}

// runServe loads config, wires every component, starts the API server
// and blocks until a shutdown signal arrives or ctx is cancelled.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting TutorBot", "build", buildinfo.String())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		logger.Warn("config warning", "warning", w)
	}
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Reconfigure logging now that level, format and Loki are known.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	var loki *logging.Loki
	handler := config.NewConsoleHandler(stdout, level, cfg.LogFormat)
	if cfg.Loki.URL != "" {
		labels := map[string]string{
			"service":  "tutorbot",
			"env":      cfg.Env,
			"provider": cfg.Model.Provider,
			"model":    cfg.Model.Name,
		}
		for k, v := range cfg.Loki.Labels {
			labels[k] = v
		}
		loki = logging.NewLoki(logging.LokiConfig{
			URL:           cfg.Loki.URL,
			User:          cfg.Loki.User,
			Password:      cfg.Loki.Password,
			OrgID:         cfg.Loki.OrgID,
			Labels:        labels,
			Level:         level,
			BatchSize:     cfg.Loki.BatchSize,
			FlushInterval: cfg.Loki.FlushInterval,
		})
		handler = logging.NewFanout(handler, loki)
	}
	logger = slog.New(handler)
	if loki != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = loki.Close(closeCtx)
		}()
	}

	logStartup(logger, cfg, cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// Class material
	store, err := newContentStore(cfg, logger)
	if err != nil {
		return err
	}
	library := content.NewLibrary(store, cfg.Retrieval.ContentDir, logger.With("component", "content"))

	// Dependency health
	watches := connwatch.NewManager(logger.With("component", "connwatch"))
	defer watches.Stop()
	watches.Watch(ctx, "content", func(ctx context.Context) error {
		_, err := library.Classes(ctx)
		return err
	}, connwatch.Backoff{})
	if cfg.Model.BaseURL != "" {
		watches.Watch(ctx, "llm", endpointProbe(cfg.Model.BaseURL), connwatch.Backoff{})
	}

	// Usage ledger
	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	// Sessions
	sessions := session.NewRegistry(session.Config{
		IdleTimeout:       cfg.Sessions.IdleTimeout,
		SweepInterval:     cfg.Sessions.SweepInterval,
		RequestsPerMinute: cfg.Sessions.RequestsPerMinute,
	}, logger.With("component", "sessions"))
	go sessions.Run(ctx)

	// Telemetry
	var observer tutor.TurnObserver
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.New(cfg.MQTT, mqtt.NewDailyTotals(nil),
			&mqttStatsAdapter{model: cfg.Model.Name, sessions: sessions},
			logger.With("component", "mqtt"))
		observer = publisher
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = publisher.Stop(stopCtx)
		}()
	}

	controller, err := newController(cfg, library, usageStore, observer, logger.With("component", "tutor"))
	if err != nil {
		return err
	}

	// Access keys
	var keys api.KeyValidator
	if cfg.Access.Enabled {
		keyStore, err := accesskey.Open(cfg.Access.KeysFile, logger.With("component", "accesskey"))
		if err != nil {
			return fmt.Errorf("open access keys: %w", err)
		}
		if cfg.Access.Watch {
			if err := keyStore.Watch(ctx); err != nil {
				logger.Warn("access key watcher unavailable", "error", err)
			}
		}
		keys = keyStore
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Sessions:   sessions,
		Tutor:      controller,
		Catalog:    library,
		AccessKeys: keys,
		Email: api.EmailSettings{
			Sender:       newEmailSender(cfg, logger),
			From:         cfg.Email.FromAddress,
			TemplateFile: cfg.Email.TemplateFile,
		},
		Status: status.NewChecker(status.Config{
			Enabled:       cfg.Status.Enabled,
			BaseURL:       cfg.Status.BaseURL,
			Slug:          cfg.Status.Slug,
			StatusPageURL: cfg.Status.StatusPageURL,
			Groups:        cfg.Status.Groups,
		}, nil, logger.With("component", "status")),
		Usage:          usageStore,
		Dependencies:   watches,
		StaticDir:      cfg.StaticDir,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		CookieSecure:   cfg.Sessions.CookieSecure,
		Logger:         logger.With("component", "api"),
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("TutorBot stopped")
	return nil
}

// logStartup records the effective configuration, one line per setting
// so each can be filtered on.
func logStartup(logger *slog.Logger, cfg *config.Config, cfgPath string) {
	logger.Info("config loaded",
		"path", cfgPath,
		"env", cfg.Env,
		"listen", cfg.Listen.Addr(),
		"storage", cfg.Storage.Backend,
		"access_keys", cfg.Access.Enabled,
		"email", cfg.Email.Enabled,
		"mqtt", cfg.MQTT.Enabled,
	)
	logger.Info("model configuration", "provider", cfg.Model.Provider, "model", cfg.Model.Name, "max_tokens", cfg.Model.MaxTokens)
	sampling := []struct {
		name  string
		value *float64
	}{
		{"temperature", cfg.Model.Temperature},
		{"top_p", cfg.Model.TopP},
		{"frequency_penalty", cfg.Model.FrequencyPenalty},
		{"presence_penalty", cfg.Model.PresencePenalty},
	}
	for _, p := range sampling {
		if p.value != nil {
			logger.Info("sampling configuration", "parameter", p.name, "value", *p.value)
		}
	}
	logger.Info("retrieval configuration",
		"max_iterations", cfg.Retrieval.MaxIterations,
		"content_budget_bytes", cfg.Retrieval.ContentBudgetBytes(),
		"conversation_budget_bytes", cfg.Retrieval.ConversationBudgetBytes(),
		"content_dir", cfg.Retrieval.ContentDir,
	)
}

// newContentStore opens the configured class material backend.
func newContentStore(cfg *config.Config, logger *slog.Logger) (content.Store, error) {
	switch cfg.Storage.Backend {
	case "webdav":
		hc := httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithRetry(2, time.Second))
		store, err := content.NewWebDAVStore(cfg.Storage.WebDAV.URL, cfg.Storage.WebDAV.Username, cfg.Storage.WebDAV.Password, hc, logger)
		if err != nil {
			return nil, fmt.Errorf("open webdav storage: %w", err)
		}
		return store, nil
	default:
		return content.NewFSStore(cfg.Storage.Root, logger), nil
	}
}

// newController builds the LLM client and the turn controller. usage
// and observer may be nil.
func newController(cfg *config.Config, library *content.Library, usageStore *usage.Store, observer tutor.TurnObserver, logger *slog.Logger) (*tutor.Controller, error) {
	provider, err := llm.ParseProvider(cfg.Model.Provider)
	if err != nil {
		return nil, err
	}
	client, err := llm.New(llm.Settings{
		Provider:   provider,
		APIKey:     cfg.Model.APIKey,
		BaseURL:    cfg.Model.BaseURL,
		Timeout:    cfg.Model.Timeout(),
		MaxRetries: cfg.Model.MaxRetries,
		Options: llm.Options{
			Model:            cfg.Model.Name,
			MaxTokens:        cfg.Model.MaxTokens,
			Temperature:      cfg.Model.Temperature,
			TopP:             cfg.Model.TopP,
			FrequencyPenalty: cfg.Model.FrequencyPenalty,
			PresencePenalty:  cfg.Model.PresencePenalty,
		},
	}, logger.With("provider", provider))
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}

	deps := tutor.Deps{
		LLM:       client,
		Templates: library,
		Loader:    retrieval.NewLoader(library, cfg.Retrieval.ContentBudgetBytes(), logger),
		Strategy:  prompts.ByName(cfg.Model.PromptStrategy, provider),
		Parser:    retrieval.NewParser(cfg.Retrieval.ResponseTag, cfg.Retrieval.RequestTag),
		Observer:  observer,
		Logger:    logger,
	}
	// A nil *usage.Store must not become a non-nil interface.
	if usageStore != nil {
		deps.Usage = usageStore
	}
	return tutor.New(deps, tutor.Config{
		MaxIterations:           cfg.Retrieval.MaxIterations,
		ConversationBudgetBytes: cfg.Retrieval.ConversationBudgetBytes(),
		Provider:                string(provider),
		Model:                   cfg.Model.Name,
	}), nil
}

// endpointProbe reports a self-hosted model endpoint as reachable when
// it answers HTTP at all; the status code is not inspected.
func endpointProbe(baseURL string) connwatch.ProbeFunc {
	client := httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}
}

// newEmailSender returns the configured transport, or nil when email is
// disabled.
func newEmailSender(cfg *config.Config, logger *slog.Logger) email.Sender {
	if !cfg.Email.Enabled {
		return nil
	}
	logger = logger.With("component", "email", "transport", cfg.Email.Transport)
	switch cfg.Email.Transport {
	case "smtp":
		s := cfg.Email.SMTP
		return email.NewSMTP(email.SMTPConfig{
			Host:     s.Host,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
			StartTLS: s.StartTLS,
		}, cfg.Email.FromAddress)
	default:
		return email.NewMailgun(cfg.Email.Mailgun.APIURL, cfg.Email.Mailgun.APIKey, nil, logger)
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewConsoleHandler(w, level, format))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter bridges the session registry and model config to the
// MQTT publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	model    string
	sessions *session.Registry
}

func (a *mqttStatsAdapter) Model() string       { return a.model }
func (a *mqttStatsAdapter) ActiveSessions() int { return a.sessions.Len() }
