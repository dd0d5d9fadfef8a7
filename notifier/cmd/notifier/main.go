package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/harvest/harvester/pkg/statestore"
	"github.com/malbeclabs/harvest/notifier/pkg/channel"
	"github.com/malbeclabs/harvest/notifier/pkg/dedup"
	"github.com/malbeclabs/harvest/notifier/pkg/metrics"
	"github.com/malbeclabs/harvest/utils/pkg/flagenv"
	"github.com/malbeclabs/harvest/utils/pkg/logger"
	"github.com/malbeclabs/harvest/utils/pkg/sentry"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	envPrefix          = "NOTIFIER"
	defaultMetricsAddr = "0.0.0.0:0"
	defaultStateKey    = "notifier"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run polls the harvester ledger and announces each new distribution once
// per channel. The last announced fingerprint per channel is kept in the
// notifier's own state, so restarts do not repeat announcements.
func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", string(logger.FormatText), "log format: text or json")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics")
	envFileFlag := flag.String("env-file", ".env", "optional dotenv file loaded before reading NOTIFIER_* variables")

	apiURLFlag := flag.String("api-url", "http://localhost:8080", "harvester read API base URL")
	pollIntervalFlag := flag.Duration("poll-interval", dedup.DefaultPollInterval, "ledger poll interval")

	storeFlag := flag.String("store", "file", "fingerprint store backend: file or postgres")
	stateFileFlag := flag.String("state-file", "data/notifier-state.json", "fingerprint file for the file backend")
	postgresURLFlag := flag.String("postgres-url", "", "connection string for the postgres backend")
	stateKeyFlag := flag.String("state-key", defaultStateKey, "document key for the postgres backend")

	slackTokenFlag := flag.String("slack-token", "", "Slack bot token (chat:write); empty disables Slack")
	slackChannelFlag := flag.String("slack-channel", "", "Slack channel id")
	explorerURLFlag := flag.String("explorer-url", channel.DefaultExplorerURL, "transaction link prefix")
	webhookURLFlag := flag.String("webhook-url", "", "webhook URL; empty disables the webhook")
	webhookHeadersFlag := flag.StringArray("webhook-header", nil, "extra webhook header as 'Name: value' (repeatable)")

	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN; empty disables reporting")
	sentryEnvFlag := flag.String("sentry-environment", "production", "Sentry environment")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}
	if err := flagenv.Apply(flag.CommandLine, envPrefix); err != nil {
		return err
	}

	log := logger.NewWithFormat(os.Stdout, logger.Format(*logFormatFlag), *verboseFlag)

	if err := sentry.Init(sentry.Options{
		DSN:         *sentryDSNFlag,
		Environment: *sentryEnvFlag,
		Release:     version,
		Tags:        map[string]string{"service": "notifier"},
	}); err != nil {
		return err
	}
	defer sentry.RecoverAndFlush()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.Serve(listener); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	channels, err := newChannels(log, *slackTokenFlag, *slackChannelFlag, *explorerURLFlag, *webhookURLFlag, *webhookHeadersFlag)
	if err != nil {
		return err
	}

	backend, closeBackend, err := newBackend(ctx, log, *storeFlag, *stateFileFlag, *postgresURLFlag, *stateKeyFlag)
	if err != nil {
		return err
	}
	defer closeBackend()
	store, err := dedup.NewDocumentStore(backend)
	if err != nil {
		return err
	}

	source, err := dedup.NewHTTPSource(dedup.HTTPSourceConfig{BaseURL: *apiURLFlag})
	if err != nil {
		return err
	}

	guard, err := dedup.New(dedup.Config{
		Logger:       log,
		Source:       source,
		Store:        store,
		Channels:     channels,
		PollInterval: *pollIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create notification guard: %w", err)
	}

	log.Info("notifier starting", "version", version, "api_url", *apiURLFlag, "channels", len(channels), "store", backend.Name())
	guard.Start(ctx)
	return nil
}

func newChannels(log *slog.Logger, slackToken, slackChannel, explorerURL, webhookURL string, webhookHeaders []string) ([]dedup.Channel, error) {
	var channels []dedup.Channel
	if slackToken != "" {
		s, err := channel.NewSlack(channel.SlackConfig{
			Logger:      log,
			Token:       slackToken,
			ChannelID:   slackChannel,
			ExplorerURL: explorerURL,
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, s)
	}
	if webhookURL != "" {
		headers := make(map[string]string, len(webhookHeaders))
		for _, h := range webhookHeaders {
			name, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("invalid --webhook-header %q, expected 'Name: value'", h)
			}
			headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
		w, err := channel.NewWebhook(channel.WebhookConfig{
			Logger:  log,
			URL:     webhookURL,
			Headers: headers,
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, w)
	}
	if len(channels) == 0 {
		return nil, errors.New("no channel configured: set --slack-token or --webhook-url")
	}
	return channels, nil
}

func newBackend(ctx context.Context, log *slog.Logger, kind, path, connStr, key string) (statestore.Backend, func(), error) {
	switch kind {
	case "file":
		b, err := statestore.NewFileBackend(path)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	case "postgres":
		if connStr == "" {
			return nil, nil, errors.New("--postgres-url is required for the postgres store")
		}
		if err := statestore.RunPostgresMigrations(ctx, log, connStr); err != nil {
			return nil, nil, err
		}
		pool, err := statestore.NewPostgresPool(ctx, connStr)
		if err != nil {
			return nil, nil, err
		}
		b, err := statestore.NewPostgresBackend(pool, key)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return b, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown fingerprint store backend %q", kind)
	}
}
