package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/strandsec/strand/internal/api"
	"github.com/strandsec/strand/internal/buildinfo"
	"github.com/strandsec/strand/internal/channel"
	"github.com/strandsec/strand/internal/config"
	"github.com/strandsec/strand/internal/directory"
	"github.com/strandsec/strand/internal/events"
	"github.com/strandsec/strand/internal/geoip"
	"github.com/strandsec/strand/internal/model"
	"github.com/strandsec/strand/internal/presence"
	"github.com/strandsec/strand/internal/replication"
	"github.com/strandsec/strand/internal/store"
	"github.com/strandsec/strand/internal/telemetry"
)

// watchedTables is the publication set the sessions consume.
var watchedTables = []string{
	"accounts",
	"clients",
	"gateway_groups",
	"memberships",
	"policies",
	"policy_authorizations",
	"resource_connections",
	"resources",
}

func main() {
	// 1. Load and validate environment config
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	creds, err := config.LoadProviderCredentials(cfg.ProvidersFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger := log.Default()
	logger.Printf("strand %s (%s) starting on node %s", buildinfo.Version, buildinfo.GitCommit, cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Database
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.ReplicaDatabaseURL)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	// 3. Geo lookups
	geo, err := geoip.NewService(geoip.ServiceConfig{
		DBPath:         cfg.GeoIPDB,
		ReloadSchedule: cfg.GeoIPReloadSchedule,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("geoip: %v", err)
	}
	if err := geo.Start(); err != nil {
		log.Fatalf("geoip: %v", err)
	}
	defer geo.Stop()

	// 4. Presence, optionally cluster-wide over Redis
	tracker := presence.NewTracker(cfg.NodeID)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := tracker.EnableCluster(ctx, rdb, logger); err != nil {
			log.Fatalf("presence cluster: %v", err)
		}
	}

	// 5. Change routing and telemetry
	router := events.NewRouter(logger)
	sink := telemetry.NewLogSink(logger)

	// 6. Replication tailer: persist the change log, then fan out
	tailer, err := replication.NewTailer(replication.Config{
		DSN:            cfg.DatabaseURL,
		Slot:           cfg.ReplicationSlot,
		Publication:    cfg.Publication,
		Tables:         watchedTables,
		AlertThreshold: cfg.AlertThreshold,
		OnChange: func(rc replication.RowChange) {
			handleRowChange(ctx, st, router, logger, rc)
		},
		OnLagAlert: func(exceeded bool, lag time.Duration) {
			sink.ReplicationLag(telemetry.ReplicationLagEvent{Exceeded: exceeded, Lag: lag})
		},
	})
	if err != nil {
		log.Fatalf("replication: %v", err)
	}
	go func() {
		if err := tailer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("replication: %v", err)
		}
	}()

	// 7. Change-log retention
	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.ChangeLogTruncateSchedule, func() {
		truncateChangeLogs(ctx, st, cfg.ChangeLogRetention, logger)
	}); err != nil {
		log.Fatalf("schedule retention: %v", err)
	}
	jobs.Start()
	defer func() { <-jobs.Stop().Done() }()

	// 8. Directory sync
	registry := directory.Registry{}
	for kind, pc := range creds {
		tokens := directory.NewClientCredentialsTokens(pc.TokenURL, pc.ClientID, pc.ClientSecret, nil)
		baseURL := pc.BaseURL
		registry[kind] = func(model.Provider) (directory.Adapter, error) {
			return directory.NewHTTPAdapter(baseURL, tokens, nil)
		}
	}
	runner := directory.NewRunner(st, registry, logger,
		directory.WithSchedule(cfg.DirectorySyncSchedule),
		directory.WithTelemetry(sink),
		directory.WithNotifier(logNotifier{logger}),
	)
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("directory: %v", err)
	}
	defer runner.Stop()

	// 9. Channel endpoints
	deps := channel.Deps{
		Store:                 st,
		Router:                router,
		Presence:              tracker,
		Geo:                   geo,
		Hub:                   channel.NewHub(),
		Signer:                channel.NewRefSigner([]byte(cfg.RefsKey)),
		Logger:                logger,
		RelayPresenceDebounce: cfg.RelayPresenceDebounce,
	}
	srv := api.NewServer(cfg.ListenAddress, cfg.Port, deps, st, api.NewTokenSigner([]byte(cfg.RefsKey)), sink, logger)

	go func() {
		logger.Printf("listening on %s:%d", cfg.ListenAddress, cfg.Port)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	// 10. Graceful shutdown
	<-ctx.Done()
	logger.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("server shutdown: %v", err)
	}
	logger.Printf("server stopped")
}

// handleRowChange appends one committed row mutation to the change log and
// routes it to subscribed sessions. Rows that carry no account are logged
// and skipped; the row stays in the slot history for debugging.
func handleRowChange(ctx context.Context, st *store.Store, router *events.Router, logger *log.Logger, rc replication.RowChange) {
	c := events.Change{
		LSN:        uint64(rc.LSN),
		Table:      rc.Table,
		Op:         model.ChangeOp(rc.Op),
		Old:        rc.Old,
		New:        rc.New,
		CommitTime: rc.CommitTime,
	}
	accountID, err := c.AccountID()
	if err != nil {
		logger.Printf("[main] change %d on %s: %v", c.LSN, c.Table, err)
		return
	}
	if _, err := st.AppendChangeLogs(ctx, []model.ChangeLog{{
		LSN:       c.LSN,
		AccountID: accountID,
		Table:     c.Table,
		Op:        c.Op,
		OldData:   c.Old,
		Data:      c.New,
	}}); err != nil {
		logger.Printf("[main] persist change %d: %v", c.LSN, err)
		return
	}
	router.Dispatch(c)
}

// truncateChangeLogs applies the per-account retention cutoff.
func truncateChangeLogs(ctx context.Context, st *store.Store, retention time.Duration, logger *log.Logger) {
	cutoff := time.Now().UTC().Add(-retention)
	accounts, err := st.ChangeLogAccounts(ctx)
	if err != nil {
		logger.Printf("[main] list changelog accounts: %v", err)
		return
	}
	for _, id := range accounts {
		n, err := st.TruncateChangeLogs(ctx, id, cutoff)
		if err != nil {
			logger.Printf("[main] truncate changelog for %s: %v", id, err)
			continue
		}
		if n > 0 {
			logger.Printf("[main] truncated %d changelog rows for %s", n, id)
		}
	}
}

// logNotifier stands in for an email pipeline; parked providers surface in
// the process log until a mailer is wired.
type logNotifier struct {
	logger *log.Logger
}

func (n logNotifier) NotifyProviderParked(_ context.Context, provider model.Provider, message string) error {
	n.logger.Printf("[main] ALERT provider %s parked: %s", provider.ID, message)
	return nil
}
