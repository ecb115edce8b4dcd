// Package main is the control plane's process entry point: it resolves
// configuration, wires every component, and serves the HTTP surface
// described in spec §6 until signaled to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iotistica/iotistic-sub002/internal/audit"
	"github.com/Iotistica/iotistic-sub002/internal/brokerauth"
	"github.com/Iotistica/iotistic-sub002/internal/config"
	"github.com/Iotistica/iotistic-sub002/internal/crypto"
	"github.com/Iotistica/iotistic-sub002/internal/eventbus"
	"github.com/Iotistica/iotistic-sub002/internal/httpapi"
	"github.com/Iotistica/iotistic-sub002/internal/identity"
	"github.com/Iotistica/iotistic-sub002/internal/jobs"
	"github.com/Iotistica/iotistic-sub002/internal/license"
	"github.com/Iotistica/iotistic-sub002/internal/logging"
	"github.com/Iotistica/iotistic-sub002/internal/middleware"
	"github.com/Iotistica/iotistic-sub002/internal/mqttclient"
	"github.com/Iotistica/iotistic-sub002/internal/provisioning"
	"github.com/Iotistica/iotistic-sub002/internal/state"
	"github.com/Iotistica/iotistic-sub002/internal/store"
	"github.com/Iotistica/iotistic-sub002/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("controlplane", cfg.Logging.Level, cfg.Logging.Format)

	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("failed to open store")
	}
	defer st.Close()

	if cfg.Database.MigrateOnStart {
		if err := st.Migrate(cfg.Database.MigrationsPath); err != nil {
			logger.WithField("error", err).Fatal("failed to apply database migrations")
		}
	}

	platformKP, err := loadPlatformKeyPair(cfg.Provisioning)
	if err != nil {
		logger.WithField("error", err).Fatal("failed to establish platform bootstrap key pair")
	}

	bus := eventbus.New()
	audit.Attach(bus, st, logger)
	webhook.Attach(bus, os.Getenv("WEBHOOK_ENDPOINT"), logger)

	lic := license.New(st, logger, cfg.License)
	if err := lic.Init(ctx); err != nil {
		logger.WithField("error", err).Fatal("failed to initialize license authority")
	}

	idSvc := identity.New(st, logger)
	stateEngine := state.New(st, bus)
	coord := provisioning.New(st, idSvc, lic, stateEngine, bus, logger, platformKP, cfg.Provisioning, cfg.MQTT)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}
	broker := brokerauth.New(st, rdb, cfg.Redis.CacheTTL(), logger, bus)

	jobEngine, mqttConn := buildJobEngine(cfg, st, bus, logger)
	if mqttConn != nil {
		defer mqttConn.Disconnect()
	}
	if cfg.Jobs.SchedulerEnabled {
		if err := jobEngine.StartScheduler(ctx); err != nil {
			logger.WithField("error", err).Warn("failed to start job scheduler")
		}
		defer jobEngine.StopScheduler(context.Background())
	}
	go runRetentionLoop(ctx, jobEngine, cfg.Jobs.RetentionDays, logger)

	limiter := middleware.NewRateLimiterWithWindow(
		cfg.Provisioning.RateLimitPerMinute, time.Minute, cfg.Provisioning.RateLimitPerMinute, logger)
	stopCleanup := limiter.StartCleanup(5*time.Minute, 30*time.Minute)
	defer stopCleanup()

	server := httpapi.New(broker, coord, limiter, logger)

	root := http.NewServeMux()
	root.Handle("/", server.Router())
	root.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", addr).Info("control plane listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithField("error", err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Warn("graceful shutdown did not complete cleanly")
	}
}

// loadPlatformKeyPair reads the configured platform private key, or
// generates a fresh bootstrap key pair when none is configured (useful
// for local/dev runs where no pre-provisioned key material exists).
func loadPlatformKeyPair(cfg config.ProvisioningConfig) (*crypto.KeyPair, error) {
	if cfg.PlatformPrivateKey == "" {
		return crypto.GenerateKeyPair()
	}

	priv, err := crypto.DecodePrivateKeyPEM([]byte(cfg.PlatformPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("decode configured platform private key: %w", err)
	}
	return &crypto.KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

func buildJobEngine(cfg *config.Config, st *store.Store, bus *eventbus.Bus, logger *logging.Logger) (*jobs.Engine, *mqttclient.Client) {
	if cfg.MQTT.BrokerURL == "" {
		return jobs.New(st, bus, nil, logger), nil
	}

	var engine *jobs.Engine
	conn, err := mqttclient.Connect(cfg.MQTT, logger, func(topic string, payload []byte) {
		handleJobStatusMessage(engine, logger, topic, payload)
	})
	if err != nil {
		logger.WithField("error", err).Warn("failed to connect to mqtt broker, job dispatch disabled")
		return jobs.New(st, bus, nil, logger), nil
	}

	engine = jobs.New(st, bus, conn, logger)
	return engine, conn
}

// jobStatusMessage is the wire shape devices publish on
// `agent/<device_id>/jobs/<job_id>/status` (spec §6.3).
type jobStatusMessage struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

func handleJobStatusMessage(engine *jobs.Engine, logger *logging.Logger, topic string, payload []byte) {
	segments := strings.Split(topic, "/")
	if len(segments) < 5 {
		logger.WithField("topic", topic).Warn("malformed job status topic")
		return
	}
	jobID := segments[3]

	var msg jobStatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.WithField("error", err).WithField("job_id", jobID).Warn("malformed job status payload")
		return
	}

	if err := engine.ReportStatus(context.Background(), jobID, store.JobStatus(msg.Status), msg.Result); err != nil {
		logger.WithField("error", err).WithField("job_id", jobID).Warn("failed to apply job status update")
	}
}

func runRetentionLoop(ctx context.Context, engine *jobs.Engine, retentionDays int, logger *logging.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := engine.RunRetention(ctx, retentionDays)
			if err != nil {
				logger.WithField("error", err).Warn("job retention sweep failed")
				continue
			}
			if deleted > 0 {
				logger.WithField("deleted", deleted).Info("job retention sweep completed")
			}
		}
	}
}
