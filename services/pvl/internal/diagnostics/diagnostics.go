package diagnostics

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"planlane/pkg/domain"
)

// Sink receives every wire attempt. Recording is best effort: a sink
// that cannot write logs the loss and lets the pipeline continue.
type Sink interface {
	Record(ctx context.Context, a domain.Attempt)
}

type Noop struct{}

func (Noop) Record(context.Context, domain.Attempt) {}

type runKey struct{}

// ContextWithRun tags a context with the run that owns it. Sinks stamp
// recorded attempts with it so operators can group a run's traffic.
func ContextWithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

func RunFromContext(ctx context.Context) string {
	runID, _ := ctx.Value(runKey{}).(string)
	return runID
}

func stamp(ctx context.Context, a domain.Attempt) domain.Attempt {
	if a.RunID == "" {
		a.RunID = RunFromContext(ctx)
	}
	return a
}

// DBSink appends attempts to the attempt_logs table.
type DBSink struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewDBSink(db *pgxpool.Pool, log *slog.Logger) *DBSink {
	return &DBSink{db: db, log: log}
}

func (s *DBSink) Record(ctx context.Context, a domain.Attempt) {
	a = stamp(ctx, a)
	_, err := s.db.Exec(ctx, `
INSERT INTO attempt_logs(id,run_id,plan_id,operation,direction,payload,outcome,at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.RunID, a.PlanID, a.Operation, string(a.Direction), a.Payload, a.Outcome, a.At)
	if err != nil {
		s.log.Warn("attempt log dropped", "plan_id", a.PlanID, "operation", a.Operation, "error", err)
	}
}

// FileSink writes one JSON document per attempt. Attempt ids are
// ULIDs, so lexical filename order is arrival order.
type FileSink struct {
	dir string
	log *slog.Logger
}

func NewFileSink(dir string, log *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSink{dir: dir, log: log}, nil
}

func (s *FileSink) Record(ctx context.Context, a domain.Attempt) {
	a = stamp(ctx, a)
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		s.log.Warn("attempt log dropped", "plan_id", a.PlanID, "error", err)
		return
	}
	path := filepath.Join(s.dir, a.ID+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		s.log.Warn("attempt log dropped", "plan_id", a.PlanID, "path", path, "error", err)
	}
}

// Tee fans one attempt out to several sinks.
type Tee []Sink

func (t Tee) Record(ctx context.Context, a domain.Attempt) {
	for _, s := range t {
		s.Record(ctx, a)
	}
}
