package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"planlane/pkg/db"
	"planlane/pkg/domain"
	"planlane/pkg/secrets"
	"planlane/services/pvl/internal/config"
	"planlane/services/pvl/internal/diagnostics"
	"planlane/services/pvl/internal/gateway"
	"planlane/services/pvl/internal/mapper"
	"planlane/services/pvl/internal/orchestrator"
	"planlane/services/pvl/internal/refdata"
	"planlane/services/pvl/internal/store"
)

const usage = "usage: planctl <run|export|assign-ids|retry> [--plan <id>] [--env-file <path>] [--diag-dir <path>]"

// Exit codes: 0 success or nothing eligible, 1 hard failure, 2 usage,
// 3 at least one plan failed or needs an operator.
func main() {
	if len(os.Args) < 2 {
		fail(usage)
		os.Exit(2)
	}
	cmd := os.Args[1]
	switch cmd {
	case "run", "export", "assign-ids", "retry":
	default:
		fail(usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	planID := fs.String("plan", "", "plan id")
	envFile := fs.String("env-file", "", "env file to load before reading the environment")
	diagDir := fs.String("diag-dir", "", "also write wire diagnostics to this directory")
	if err := fs.Parse(os.Args[2:]); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if cmd == "retry" && *planID == "" {
		fail("retry requires --plan")
		os.Exit(2)
	}

	cfg, err := config.LoadFile(*envFile)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	if *diagDir != "" {
		cfg.DiagDir = *diagDir
	}
	if err := cfg.Validate(); err != nil {
		fail(err.Error())
		os.Exit(1)
	}

	// Stdout carries the one-line result, logs go to stderr.
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		fail("connect database: " + err.Error())
		os.Exit(1)
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.VerifySchema(ctx); err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	codes, err := refdata.LoadSnapshot(ctx, pool)
	if err != nil {
		fail("load reference codes: " + err.Error())
		os.Exit(1)
	}

	var sink diagnostics.Sink = diagnostics.NewDBSink(pool, log)
	if cfg.DiagDir != "" {
		fileSink, err := diagnostics.NewFileSink(cfg.DiagDir, log)
		if err != nil {
			fail("diagnostics dir: " + err.Error())
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
	}, st, gw, mapper.New(codes, cfg.SRID), credentialSource(ctx, cfg), orchestrator.WithLogger(log))

	switch cmd {
	case "run":
		var summary *domain.RunSummary
		if *planID != "" {
			summary, err = orch.RunPlan(ctx, *planID)
		} else {
			summary, err = orch.Run(ctx)
		}
		if err != nil {
			fail(err.Error())
			os.Exit(1)
		}
		emitSummary(summary)
		os.Exit(exitCode(summary))

	case "assign-ids":
		summary, err := orch.AssignIdentifiers(ctx)
		if err != nil {
			fail(err.Error())
			os.Exit(1)
		}
		emitSummary(summary)
		os.Exit(exitCode(summary))

	case "export":
		out, err := orch.ExportPayloads(ctx)
		if err != nil {
			fail(err.Error())
			os.Exit(1)
		}
		emit(struct {
			Status   string                     `json:"status"`
			Payloads map[string]json.RawMessage `json:"payloads"`
			Faults   []domain.PlanFault         `json:"faults,omitempty"`
		}{verdict(len(out.Faults) == 0), out.Payloads, out.Faults})
		if len(out.Faults) > 0 {
			os.Exit(3)
		}

	case "retry":
		rec, err := orch.Rearm(ctx, *planID)
		if err != nil {
			fail(err.Error())
			os.Exit(1)
		}
		emit(struct {
			Status string                 `json:"status"`
			PlanID string                 `json:"plan_id"`
			State  domain.SubmissionState `json:"state"`
		}{"PASS", rec.PlanID, rec.State})
	}
}

func credentialSource(ctx context.Context, cfg config.Config) orchestrator.CredentialFunc {
	var src secrets.Source = secrets.Static(cfg.GatewayAPIKey)
	if cfg.CredentialSecretID != "" {
		mgr, err := secrets.NewManager(ctx)
		if err != nil {
			fail("secrets manager: " + err.Error())
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

func exitCode(s *domain.RunSummary) int {
	if s.Outcome() == domain.RunPartialFailure {
		return 3
	}
	return 0
}

func emitSummary(s *domain.RunSummary) {
	emit(struct {
		Status  string             `json:"status"`
		Outcome domain.RunOutcome  `json:"outcome"`
		Summary *domain.RunSummary `json:"summary"`
	}{verdict(s.Outcome() != domain.RunPartialFailure), s.Outcome(), s})
}

func verdict(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

func emit(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}

func fail(reason string) {
	emit(struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}{"FAIL", reason})
}
