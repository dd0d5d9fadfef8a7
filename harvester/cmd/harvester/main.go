package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/harvest/harvester/pkg/archive"
	"github.com/malbeclabs/harvest/harvester/pkg/chain"
	"github.com/malbeclabs/harvest/harvester/pkg/clickhouse"
	"github.com/malbeclabs/harvest/harvester/pkg/distribution"
	"github.com/malbeclabs/harvest/harvester/pkg/epoch"
	"github.com/malbeclabs/harvest/harvester/pkg/harvest"
	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/harvester/pkg/metrics"
	"github.com/malbeclabs/harvest/harvester/pkg/scheduler"
	"github.com/malbeclabs/harvest/harvester/pkg/server"
	"github.com/malbeclabs/harvest/harvester/pkg/statestore"
	"github.com/malbeclabs/harvest/harvester/pkg/swap"
	"github.com/malbeclabs/harvest/harvester/pkg/swapvenue"
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
	envPrefix         = "HARVEST"
	defaultListenAddr = "0.0.0.0:8080"
	// Wrapped SOL; the venue pays out native SOL for it.
	defaultOutputMint = "So11111111111111111111111111111111111111112"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", string(logger.FormatText), "log format: text or json")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address for the read API, /metrics and probes")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "maximum time to wait for the HTTP server to drain")
	envFileFlag := flag.String("env-file", ".env", "optional dotenv file loaded before reading HARVEST_* variables")

	// Chain
	rpcURLFlag := flag.String("rpc-url", solanaMainnetRPC, "Solana JSON-RPC endpoint")
	rpcRateLimitFlag := flag.Float64("rpc-rate-limit", 10, "maximum RPC requests per second")
	mintFlag := flag.String("mint", "", "fee-bearing Token-2022 mint")
	tokenDecimalsFlag := flag.Int32("token-decimals", 6, "decimals of the fee-bearing mint")
	poolAccountFlag := flag.String("pool-token-account", "", "token account withheld fees are collected into")
	authorityKeyFlag := flag.String("authority-keypair", "", "keygen file of the withdraw-withheld authority, owner of the pool token account")
	operatingKeyFlag := flag.String("operating-keypair", "", "keygen file of the operating wallet (transaction fees only)")
	settlementKeyFlag := flag.String("settlement-keypair", "", "keygen file of the dedicated settlement account")
	treasuryFlag := flag.String("treasury", "", "treasury account receiving the remainder")

	// Venue
	venueURLFlag := flag.String("venue-url", "", "swap venue relay base URL")
	venuePoolFlag := flag.String("venue-pool", "", "AMM pool reference passed to the venue")
	outputMintFlag := flag.String("output-mint", defaultOutputMint, "mint the venue swaps into")
	slippageBpsFlag := flag.Uint64("slippage-bps", 100, "maximum slippage in basis points")

	// Cycle policy
	slotDurationFlag := flag.Duration("slot-duration", epoch.DefaultSlotDuration, "cycle slot length; must divide a day")
	intervalFlag := flag.Duration("interval", scheduler.DefaultInterval, "delay between the end of one cycle and the next")
	minHarvestFlag := flag.String("min-harvest", "20000", "minimum withheld+pooled fee, in tokens, worth harvesting")
	maxHarvestFlag := flag.String("max-harvest", "5000000", "largest single collection, in tokens")
	batchDelayFlag := flag.Duration("batch-delay", 2*time.Second, "pause between collection batches")
	holderShareBpsFlag := flag.Uint64("holder-share-bps", distribution.DefaultHolderShareBps, "share of each settlement paid to holders")
	minPayoutFlag := flag.String("min-payout", "0.01", "smallest holder payment in SOL; smaller amounts carry over")
	minHoldingFlag := flag.String("min-holding", "0", "minimum holding, in tokens, to be eligible")
	blacklistFlag := flag.StringSlice("holder-blacklist", nil, "owners never paid as holders (pool vaults, burn addresses)")
	concurrencyFlag := flag.Int("payment-concurrency", distribution.DefaultConcurrency, "holder payments in flight")

	// State
	storeFlag := flag.String("store", "file", "state store backend: file, postgres or memory")
	stateFileFlag := flag.String("state-file", "data/harvest-state.json", "state document path for the file backend")
	postgresURLFlag := flag.String("postgres-url", "", "connection string for the postgres backend")
	stateKeyFlag := flag.String("state-key", statestore.DefaultDocumentKey, "document key for the postgres backend")
	retainEpochsFlag := flag.Int("retain-epochs", statestore.DefaultRetainEpochs, "number of most recent epochs kept")

	// Archive
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port); empty disables the cycle archive")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", clickhouse.DefaultDatabase, "ClickHouse database name")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "enable TLS for ClickHouse")

	// Error reporting
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
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if err := sentry.Init(sentry.Options{
		DSN:         *sentryDSNFlag,
		Environment: *sentryEnvFlag,
		Release:     version,
		Tags:        map[string]string{"service": "harvester"},
	}); err != nil {
		return err
	}
	defer sentry.RecoverAndFlush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Keys and accounts
	mint, err := solana.PublicKeyFromBase58(*mintFlag)
	if err != nil {
		return fmt.Errorf("invalid --mint: %w", err)
	}
	pool, err := solana.PublicKeyFromBase58(*poolAccountFlag)
	if err != nil {
		return fmt.Errorf("invalid --pool-token-account: %w", err)
	}
	treasury, err := solana.PublicKeyFromBase58(*treasuryFlag)
	if err != nil {
		return fmt.Errorf("invalid --treasury: %w", err)
	}
	authority, err := loadKey("authority-keypair", *authorityKeyFlag)
	if err != nil {
		return err
	}
	operating, err := loadKey("operating-keypair", *operatingKeyFlag)
	if err != nil {
		return err
	}
	settlement, err := loadKey("settlement-keypair", *settlementKeyFlag)
	if err != nil {
		return err
	}
	if settlement.PublicKey().Equals(operating.PublicKey()) {
		return errors.New("settlement keypair must differ from the operating keypair")
	}

	minHarvest, err := ledger.ParseUnits(*minHarvestFlag, *tokenDecimalsFlag)
	if err != nil {
		return fmt.Errorf("invalid --min-harvest: %w", err)
	}
	maxHarvest, err := ledger.ParseUnits(*maxHarvestFlag, *tokenDecimalsFlag)
	if err != nil {
		return fmt.Errorf("invalid --max-harvest: %w", err)
	}
	minHolding, err := ledger.ParseUnits(*minHoldingFlag, *tokenDecimalsFlag)
	if err != nil {
		return fmt.Errorf("invalid --min-holding: %w", err)
	}
	minPayout, err := ledger.ParseSOL(*minPayoutFlag)
	if err != nil {
		return fmt.Errorf("invalid --min-payout: %w", err)
	}

	// Clock and state
	epochs, err := epoch.NewClock(epoch.Config{SlotDuration: *slotDurationFlag})
	if err != nil {
		return err
	}
	backend, closeBackend, err := newBackend(ctx, log, *storeFlag, *stateFileFlag, *postgresURLFlag, *stateKeyFlag)
	if err != nil {
		return err
	}
	defer closeBackend()
	store, err := statestore.New(statestore.Config{
		Logger:       log,
		Backend:      backend,
		SlotsPerDay:  epochs.SlotsPerDay(),
		RetainEpochs: *retainEpochsFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create state store: %w", err)
	}

	// Chain adapters
	client, err := chain.NewClient(chain.Config{
		Logger:    log,
		RPC:       chain.NewRPC(*rpcURLFlag),
		RateLimit: rate.Limit(*rpcRateLimitFlag),
	})
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}
	feeLedger, err := chain.NewFeeLedger(chain.FeeLedgerConfig{
		Logger:    log,
		Client:    client,
		Mint:      mint,
		Pool:      pool,
		Authority: authority,
		FeePayer:  operating,
	})
	if err != nil {
		return err
	}
	settlementAccount := chain.NewSettlementAccount(client, settlement.PublicKey())
	payer, err := chain.NewPayer(chain.PayerConfig{
		Logger:     log,
		Client:     client,
		Settlement: settlement,
		FeePayer:   operating,
	})
	if err != nil {
		return err
	}
	ownAccounts := []string{
		authority.PublicKey().String(),
		operating.PublicKey().String(),
		settlement.PublicKey().String(),
		pool.String(),
	}
	registry, err := chain.NewHolderRegistry(chain.HolderRegistryConfig{
		Logger:     log,
		Client:     client,
		Mint:       mint,
		MinHolding: minHolding,
		Blacklist:  slices.Concat(ownAccounts, *blacklistFlag),
	})
	if err != nil {
		return err
	}

	// Pipeline stages
	pipeline, err := harvest.New(harvest.Config{
		Logger:           log,
		FeeLedger:        feeLedger,
		MinThreshold:     minHarvest,
		MaxSingleHarvest: maxHarvest,
		BatchDelay:       *batchDelayFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create harvest pipeline: %w", err)
	}
	venue, err := swapvenue.New(swapvenue.Config{
		Logger:      log,
		BaseURL:     *venueURLFlag,
		InputMint:   mint.String(),
		OutputMint:  *outputMintFlag,
		User:        authority.PublicKey().String(),
		Destination: settlement.PublicKey().String(),
		Submitter:   chain.NewSubmitter(client, operating, authority),
	})
	if err != nil {
		return fmt.Errorf("failed to create swap venue client: %w", err)
	}
	executor, err := swap.New(swap.Config{
		Logger:            log,
		Venue:             venue,
		Settlement:        settlementAccount,
		SettlementAddress: settlement.PublicKey().String(),
		OperatingAddress:  operating.PublicKey().String(),
		Pool:              *venuePoolFlag,
		SlippageBps:       *slippageBpsFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create swap executor: %w", err)
	}
	engine, err := distribution.New(distribution.Config{
		Logger:            log,
		Registry:          registry,
		Payer:             payer,
		Store:             store,
		Balance:           settlementAccount,
		SettlementReserve: chain.RentExemptMinimum,
		TreasuryAccount:   treasury.String(),
		ExcludedAccounts:  ownAccounts,
		HolderShareBps:    *holderShareBpsFlag,
		MinPayout:         minPayout,
		Concurrency:       *concurrencyFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create distribution engine: %w", err)
	}

	// Optional cycle archive
	var (
		cycleArchive scheduler.Archive
		cycleHistory server.CycleArchive
	)
	if *clickhouseAddrFlag != "" {
		chCfg := clickhouse.Config{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		}
		if err := archive.RunMigrations(ctx, log, chCfg); err != nil {
			return fmt.Errorf("failed to migrate cycle archive: %w", err)
		}
		chClient, err := clickhouse.NewClient(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer chClient.Close()
		a, err := archive.New(archive.Config{Logger: log, Client: chClient})
		if err != nil {
			return err
		}
		cycleArchive, cycleHistory = a, a
	}

	sched, err := scheduler.New(scheduler.Config{
		Logger:      log,
		Epochs:      epochs,
		Harvester:   pipeline,
		Swapper:     executor,
		Distributor: engine,
		Store:       store,
		Archive:     cycleArchive,
		Reporter:    scheduler.SentryReporter{},
		Interval:    *intervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		Epochs:          epochs,
		Store:           store,
		Scheduler:       sched,
		Archive:         cycleHistory,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("harvester starting",
		"version", version,
		"mint", mint,
		"settlement", settlement.PublicKey(),
		"treasury", treasury,
		"store", store.BackendName(),
		"archive", cycleArchive != nil,
		"interval", *intervalFlag,
		"slot_duration", epochs.SlotDuration())

	sched.Start(ctx)
	return srv.Run(ctx)
}

const solanaMainnetRPC = "https://api.mainnet-beta.solana.com"

func loadKey(flagName, path string) (solana.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("--%s is required", flagName)
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load --%s: %w", flagName, err)
	}
	return key, nil
}

func newBackend(ctx context.Context, log *slog.Logger, kind, path, connStr, key string) (statestore.Backend, func(), error) {
	switch kind {
	case "file":
		b, err := statestore.NewFileBackend(path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("state store: file backend", "path", path)
		return b, func() {}, nil
	case "memory":
		log.Warn("state store: memory backend, history is lost on restart")
		return statestore.NewMemoryBackend(nil), func() {}, nil
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
		log.Info("state store: postgres backend", "key", key)
		return b, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", kind)
	}
}
