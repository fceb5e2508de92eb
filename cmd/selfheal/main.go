// CLAUDE:SUMMARY CLI entry point for selfheal: authenticate, open a healable browser session, run lookups, inspect events.
// Command selfheal drives a browser page with locator healing attached.
//
// Usage:
//
//	selfheal -config selfheal.yaml -auth                    # authenticate, print SELFHEAL_AUTH_RESULT
//	selfheal -config selfheal.yaml -url https://example.com \
//	         -find 'css selector=#submit' -find 'xpath=//h1'  # healed lookups
//	selfheal -config selfheal.yaml -events 20               # last recorded events
package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/selfheal/capability"
	"github.com/hazyhaar/selfheal/config"
	"github.com/hazyhaar/selfheal/connectivity"
	"github.com/hazyhaar/selfheal/dbopen"
	"github.com/hazyhaar/selfheal/healclient"
	"github.com/hazyhaar/selfheal/healing"
	"github.com/hazyhaar/selfheal/internal/browser"
	"github.com/hazyhaar/selfheal/observability"
)

type findList []string

func (f *findList) String() string     { return strings.Join(*f, ",") }
func (f *findList) Set(v string) error { *f = append(*f, v); return nil }

func main() {
	configPath := flag.String("config", "", "path to selfheal.yaml config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	authOnly := flag.Bool("auth", false, "authenticate and print the encoded auth result")
	pageURL := flag.String("url", "", "page to open")
	events := flag.Int("events", 0, "print the last N recorded events and exit")
	var finds findList
	flag.Var(&finds, "find", "lookup as using=value (repeatable)")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			logger.Error("selfheal: fatal", "error", err)
			os.Exit(1)
		}
	}

	var err error
	switch {
	case *events > 0:
		err = runEvents(ctx, cfg, *events)
	case *authOnly:
		err = runAuth(ctx, logger, cfg)
	case *pageURL != "":
		err = runPage(ctx, logger, cfg, *pageURL, finds)
	default:
		fmt.Fprintln(os.Stderr, "usage: selfheal [-config <file>] -auth | -url <url> [-find using=value]... | -events <n>")
		os.Exit(2)
	}
	if err != nil {
		logger.Error("selfheal: fatal", "error", err)
		os.Exit(1)
	}
}

// stack is everything a run wires together.
type stack struct {
	client  *healclient.Client
	service *healing.Service
	healer  *healing.Healer
	closers []func() error
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func build(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*stack, error) {
	st := &stack{}

	var sink observability.Sink = observability.Nop{}
	var metrics *observability.MetricsManager
	if cfg.Events.DB != "" {
		db, err := dbopen.Open(cfg.Events.DB, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			return nil, fmt.Errorf("events db: %w", err)
		}
		rec := observability.NewRecorder(db, cfg.Events.Buffer, observability.WithRecorderLogger(logger))
		metrics = observability.NewMetricsManager(db, cfg.Events.Buffer, 5*time.Second)
		sink = rec
		st.closers = append(st.closers, db.Close, rec.Close, metrics.Close)
	}

	client, err := healclient.New(healclient.Config{
		Endpoint:         cfg.Service.Endpoint,
		Timeout:          cfg.Service.Timeout,
		MaxRetries:       cfg.Service.MaxRetries,
		BreakerThreshold: cfg.Service.BreakerThreshold,
		AllowPrivate:     cfg.Service.AllowPrivate,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	st.client = client
	st.closers = append(st.closers, client.Close)

	if cfg.Service.RoutesDB != "" {
		db, err := connectivity.OpenDB(cfg.Service.RoutesDB)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("routes db: %w", err)
		}
		st.closers = append(st.closers, db.Close)
		if err := client.Reload(ctx, db); err != nil {
			st.Close()
			return nil, err
		}
	}

	opts := []healing.Option{
		healing.WithLogger(logger),
		healing.WithSink(sink),
		healing.WithMetrics(metrics),
		healing.WithRegion(cfg.Service.Region),
		healing.WithPollPolicy(healing.PollPolicy{
			MaxAttempts: cfg.Heal.Poll.MaxAttempts,
			Interval:    cfg.Heal.Poll.Interval,
			Timeout:     cfg.Heal.Poll.Timeout,
		}),
		healing.WithProviderDomains(providerDomains(cfg)...),
	}
	if cfg.Extension.Dir != "" {
		opts = append(opts, healing.WithCompanion(healing.CompanionDir(cfg.Extension.Dir)))
	}
	if cfg.Extension.Chromium != "" {
		crx, err := os.ReadFile(cfg.Extension.Chromium)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("chromium extension: %w", err)
		}
		opts = append(opts, healing.WithInjector(capability.Injector{
			Extension: base64.StdEncoding.EncodeToString(crx),
		}))
	}

	st.healer = healing.New(client, opts...)
	st.service = healing.NewService(st.healer)
	return st, nil
}

// providerDomains is the configured list plus the service endpoint's own
// domain when it has one.
func providerDomains(cfg *config.Config) []string {
	out := append([]string(nil), cfg.Heal.ProviderDomains...)
	if d := healing.ProviderDomain(cfg.Service.Endpoint); d != "" {
		out = append(out, d)
	}
	return out
}

func healOptions(cfg *config.Config) healing.Options {
	return healing.Options{SelfHeal: cfg.Heal.SelfHeal, LegacyListAugment: cfg.Heal.LegacyListAugment}
}

func runAuth(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	st, err := build(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	auth := st.service.Auth(ctx, healing.RunConfig{User: cfg.Service.Username, Key: cfg.Service.AccessKey})
	enc, err := auth.Encode()
	if err != nil {
		return err
	}
	fmt.Printf("%s=%s\n", healing.EnvAuthResult, enc)
	return nil
}

func runPage(ctx context.Context, logger *slog.Logger, cfg *config.Config, pageURL string, finds []string) error {
	st, err := build(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := healOptions(cfg)
	desc, auth := st.service.Setup(ctx,
		healing.RunConfig{User: cfg.Service.Username, Key: cfg.Service.AccessKey},
		opts, capability.Single(capability.Capability{capability.KeyBrowserName: "chrome"}), false)

	bcfg := browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Headless:         *cfg.Browser.Headless,
		Stealth:          cfg.Browser.Stealth,
		ResourceBlocking: []string{"images", "fonts", "media"},
		Logger:           logger,
	}
	// Chromium only loads unpacked extensions from the command line.
	if capability.Injected(desc.SingleCap()) && cfg.Extension.Dir != "" {
		unpacked := filepath.Join(cfg.Extension.Dir, "chromium")
		if fi, err := os.Stat(unpacked); err == nil && fi.IsDir() {
			bcfg.Extensions = append(bcfg.Extensions, unpacked)
		}
	}
	mgr := browser.NewManager(bcfg)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	sess, err := browser.Open(ctx, mgr, desc.SingleCap(), pageURL)
	if err != nil {
		return err
	}
	defer sess.Close()

	report := st.service.SelfHeal(ctx, opts, desc, healing.One(sess))
	logger.Info("selfheal: session ready", "session", sess.ID(),
		"authenticated", auth.IsAuthenticated, "healing", len(report.Names(healing.OutcomeHealing)) > 0)

	enc := json.NewEncoder(os.Stdout)
	for _, f := range finds {
		using, value, ok := strings.Cut(f, "=")
		if !ok {
			return fmt.Errorf("bad -find %q: want using=value", f)
		}
		res := sess.Finder().Find(ctx, using, value)
		line := map[string]any{"using": using, "value": value, "found": !res.Failed()}
		if res.Failed() {
			line["error"] = res.Err.Error()
		}
		enc.Encode(line)
	}
	return nil
}

func runEvents(ctx context.Context, cfg *config.Config, n int) error {
	if cfg.Events.DB == "" {
		return fmt.Errorf("events.db is not configured")
	}
	db, err := dbopen.Open(cfg.Events.DB, dbopen.WithSchema(observability.Schema))
	if err != nil {
		return err
	}
	defer db.Close()
	return printEvents(ctx, db, n)
}

func printEvents(ctx context.Context, db *sql.DB, n int) error {
	evs, err := observability.QueryEvents(ctx, db, observability.EventFilter{Limit: n})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range evs {
		enc.Encode(ev)
	}
	return nil
}
