package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"planlane/pkg/db"
	"planlane/pkg/domain"
	"planlane/pkg/secrets"
	"planlane/services/pvl/internal/config"
	"planlane/services/pvl/internal/diagnostics"
	"planlane/services/pvl/internal/gateway"
	"planlane/services/pvl/internal/mapper"
	"planlane/services/pvl/internal/metrics"
	"planlane/services/pvl/internal/orchestrator"
	"planlane/services/pvl/internal/refdata"
	"planlane/services/pvl/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool := db.MustConnect()
	defer pool.Close()

	st := store.New(pool)
	if err := st.VerifySchema(ctx); err != nil {
		log.Error("schema verification failed", "error", err)
		os.Exit(1)
	}

	codes, err := refdata.LoadSnapshot(ctx, pool)
	if err != nil {
		log.Error("reference codes unavailable", "error", err)
		os.Exit(1)
	}
	log.Info("reference codes loaded", "count", codes.Len())

	reg := prometheus.NewRegistry()
	mets := metrics.New(reg)

	var sink diagnostics.Sink = diagnostics.NewDBSink(pool, log)
	if cfg.DiagDir != "" {
		fileSink, err := diagnostics.NewFileSink(cfg.DiagDir, log)
		if err != nil {
			log.Error("diagnostics dir unusable", "dir", cfg.DiagDir, "error", err)
			os.Exit(1)
		}
		sink = diagnostics.Tee{sink, fileSink}
	}

	gw := gateway.New(cfg.GatewayBaseURL, gateway.Identity{
		Instance:    cfg.XRoadInstance,
		MemberClass: cfg.XRoadMemberClass,
		MemberCode:  cfg.XRoadMemberCode,
		Subsystem:   cfg.XRoadSubsystem,
	},
		gateway.WithRetry(gateway.RetryConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		}),
		gateway.WithRecorder(sink),
		gateway.WithMetrics(mets),
	)

	orch := orchestrator.New(orchestrator.Config{
		EligibleStatuses: cfg.EligibleStatuses,
		MaxBatch:         cfg.MaxBatch,
		Workers:          cfg.Workers,
		RunDeadline:      cfg.RunDeadline,
		PollInterval:     cfg.PollInterval,
		PollBudget:       cfg.PollBudget,
		FailureCeiling:   cfg.FailureCeiling,
		AdminArea:        cfg.AdminArea,
	}, st, gw, mapper.New(codes, cfg.SRID), credentialSource(ctx, cfg, log),
		orchestrator.WithLogger(log), orchestrator.WithMetrics(mets))

	r := newRouter(orch, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	log.Info("pvl server listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// credentialSource prefers Secrets Manager and falls back to the key
// from the environment for local development.
func credentialSource(ctx context.Context, cfg config.Config, log *slog.Logger) orchestrator.CredentialFunc {
	var src secrets.Source = secrets.Static(cfg.GatewayAPIKey)
	if cfg.CredentialSecretID != "" {
		mgr, err := secrets.NewManager(ctx)
		if err != nil {
			log.Error("secrets manager unavailable", "error", err)
			os.Exit(1)
		}
		src = mgr
	}
	return func(ctx context.Context) (domain.Credential, error) {
		key, err := src.Fetch(ctx, cfg.CredentialSecretID)
		if err != nil {
			return domain.Credential{}, err
		}
		return domain.Credential{ClientID: cfg.GatewayClientID, APIKey: key}, nil
	}
}
